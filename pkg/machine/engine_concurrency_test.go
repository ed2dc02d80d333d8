package machine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepmachine/pkg/schema"
)

func TestEngine_ConcurrentExecutionsShareChain(t *testing.T) {
	double := ProcedureFunc(func(_ context.Context, call Call) (Result, error) {
		n, _ := call.Payload["n"].(int)
		return Result{Payload: map[string]any{"n": n * 2}}, nil
	})
	inc := ProcedureFunc(func(_ context.Context, call Call) (Result, error) {
		n, _ := call.Payload["n"].(int)
		return Result{Payload: map[string]any{"n": n + 1}}, nil
	})
	b := NewBuilder("math")
	b.Task("double", double)
	b.Task("inc", inc)
	c, err := b.Build()
	require.NoError(t, err)

	const runs = 32
	results := make([]map[string]any, runs)
	errs := make([]error, runs)

	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := NewEngine(c, map[string]any{"n": i})
			if err != nil {
				errs[i] = err
				return
			}
			if _, err := e.Run(context.Background()); err != nil {
				errs[i] = err
				return
			}
			st := e.State()
			if st.Status != schema.ExecutionStatusCompleted {
				errs[i] = fmt.Errorf("ended %s", st.Status)
			}
			results[i] = st.Payload
		}()
	}
	wg.Wait()

	for i := range runs {
		require.NoError(t, errs[i], "run %d", i)
		assert.Equal(t, i*2+1, results[i]["n"], "run %d", i)
	}
	assert.Equal(t, []string{"double", "inc"}, c.StepIDs())
}

// blockingFirstStep returns a chain whose first step waits for release
// after signalling started.
func blockingFirstStep(started chan<- struct{}, release <-chan struct{}, second Procedure) *Chain {
	first := ProcedureFunc(func(_ context.Context, _ Call) (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	})
	return twoStepChain(first, second)
}

func TestEngine_PauseFromAnotherGoroutine(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	b := script("success")
	e, _ := newTestEngine(t, blockingFirstStep(started, release, b), nil)

	var pauseErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-started
		pauseErr = e.Pause(context.Background())
		close(release)
	}()

	res, err := e.Run(context.Background())
	<-done
	require.NoError(t, err)
	require.NoError(t, pauseErr)
	assert.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	assert.Equal(t, schema.SuspendPaused, res.Reason)
	assert.Equal(t, "B", e.State().CurrentStepID)
	assert.Equal(t, 0, b.Calls())

	res, err = e.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 1, b.Calls())
}

func TestEngine_CancelFromAnotherGoroutine(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	b := script("success")
	e, _ := newTestEngine(t, blockingFirstStep(started, release, b), nil)

	var cancelErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-started
		cancelErr = e.Cancel(context.Background(), "operator")
		close(release)
	}()

	res, err := e.Run(context.Background())
	<-done
	require.NoError(t, err)
	require.NoError(t, cancelErr)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Contains(t, res.Error.Message, "operator")
	assert.Equal(t, 0, b.Calls())
}
