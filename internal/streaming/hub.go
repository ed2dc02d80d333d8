// Package streaming fans execution events out to live subscribers.
package streaming

import (
	"context"

	"github.com/rendis/stepmachine/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	ChainID     string   `json:"chain_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for execution events as they are recorded.
type EventHub interface {
	Publish(ctx context.Context, event *schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *schema.Event, func(), error)
}
