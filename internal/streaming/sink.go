package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// PublishingSink records events in the wrapped sink and then publishes them
// to a hub. Only events the wrapped sink accepted are published, so
// subscribers see the sequence numbers it assigned.
type PublishingSink struct {
	next   machine.EventSink
	hub    EventHub
	logger *slog.Logger
}

var _ machine.EventSink = (*PublishingSink)(nil)

func NewPublishingSink(next machine.EventSink, hub EventHub, logger *slog.Logger) *PublishingSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PublishingSink{next: next, hub: hub, logger: logger}
}

func (s *PublishingSink) AppendEvent(ctx context.Context, event *schema.Event) error {
	if s.next != nil {
		if err := s.next.AppendEvent(ctx, event); err != nil {
			return err
		}
	}
	published := *event
	if err := s.hub.Publish(ctx, &published); err != nil {
		s.logger.Warn("event publish failed",
			slog.String("execution_id", event.ExecutionID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()))
	}
	return nil
}
