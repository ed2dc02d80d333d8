package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Handler streams hub events as Server-Sent Events. The query parameters
// execution_id, chain_id and type (repeatable) narrow the stream.
func Handler(hub EventHub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		filter := EventFilter{
			ExecutionID: q.Get("execution_id"),
			ChainID:     q.Get("chain_id"),
			Types:       q["type"],
		}

		ch, cancel, err := hub.Subscribe(r.Context(), filter)
		if err != nil {
			logger.Error("event stream subscribe failed", slog.String("error", err.Error()))
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event := <-ch:
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Type, data)
				flusher.Flush()
			}
		}
	})
}
