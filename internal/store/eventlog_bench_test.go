package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/stepmachine/pkg/schema"
)

func newBenchStore(b *testing.B) *LibSQLStore {
	b.Helper()
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s
}

func attempted(execID, stepID string) *schema.Event {
	return &schema.Event{
		ExecutionID: execID,
		ChainID:     "bench",
		StepID:      stepID,
		Type:        schema.EventStepAttempted,
		Data:        map[string]any{"outcome": "success", "attempt": 1},
	}
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	s := newBenchStore(b)
	execID := uuid.NewString()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.AppendEvent(ctx, attempted(execID, "s1"))
	}
}

func BenchmarkEventAppend_Concurrent(b *testing.B) {
	for _, writers := range []int{10, 50} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			s := newBenchStore(b)
			ctx := context.Background()

			perWriter := b.N / writers
			if perWriter == 0 {
				perWriter = 1
			}

			b.ResetTimer()
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(execID string) {
					defer wg.Done()
					for j := 0; j < perWriter; j++ {
						_ = s.AppendEvent(ctx, attempted(execID, fmt.Sprintf("s%d", j%10)))
					}
				}(uuid.NewString())
			}
			wg.Wait()
		})
	}
}

func BenchmarkSummarizeSteps(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			s := newBenchStore(b)
			execID := uuid.NewString()
			ctx := context.Background()
			for i := 0; i < count; i++ {
				_ = s.AppendEvent(ctx, attempted(execID, fmt.Sprintf("s%d", i%10)))
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				events, _ := s.GetEvents(ctx, execID, 0)
				_, _ = SummarizeSteps(events)
			}
		})
	}
}
