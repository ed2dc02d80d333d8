package diagram

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

type registry map[string]machine.Procedure

func (r registry) Resolve(ref string) (machine.Procedure, error) {
	if p, ok := r[ref]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no procedure %q", ref)
}

// tags returns a procedure that yields the given outcome tags in order,
// repeating the last one.
func tags(outcomes ...string) machine.Procedure {
	n := 0
	return machine.ProcedureFunc(func(_ context.Context, _ machine.Call) (machine.Result, error) {
		tag := outcomes[min(n, len(outcomes)-1)]
		n++
		return machine.Result{Outcome: tag}, nil
	})
}

func suspend() machine.Procedure {
	return machine.ProcedureFunc(func(_ context.Context, _ machine.Call) (machine.Result, error) {
		return machine.Result{Disposition: machine.DispositionSuspend}, nil
	})
}

func orderChain(t *testing.T) *machine.Chain {
	t.Helper()
	b := machine.NewBuilder("orders")
	b.Ref("reserve", "inventory.reserve")
	b.Ref("charge", "payments.charge").
		On("declined", schema.TargetFail).
		Retry(schema.RetryPolicy{MaxAttempts: 2})
	b.Ref("ship", "wait")
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *machine.Chain, procs registry) *machine.ExecutionState {
	t.Helper()
	e, err := machine.NewEngine(c, nil, machine.WithProcedures(procs))
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)
	return e.State()
}

func takenEdges(m *DiagramModel) []string {
	var out []string
	for _, e := range m.Edges {
		if e.Taken {
			out = append(out, e.From+"->"+e.To+":"+e.Label)
		}
	}
	return out
}

func node(t *testing.T, m *DiagramModel, id string) *Node {
	t.Helper()
	n := findNode(m.Nodes, id)
	require.NotNil(t, n, "node %s", id)
	return n
}

func TestBuild_Structure(t *testing.T) {
	model, err := Build(orderChain(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "orders", model.Title)

	var ids []string
	for _, n := range model.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{StartID, "reserve", "charge", "ship", CompleteID, FailID}, ids)

	assert.Equal(t, NodeKindStart, node(t, model, StartID).Kind)
	assert.Equal(t, NodeKindTask, node(t, model, "charge").Kind)
	assert.Equal(t, NodeKindWait, node(t, model, "ship").Kind)
	assert.Equal(t, "charge\n(payments.charge)", node(t, model, "charge").Label)

	assert.Equal(t, []Edge{
		{From: StartID, To: "reserve"},
		{From: "reserve", To: "charge", Label: "success"},
		{From: "charge", To: FailID, Label: "declined"},
		{From: "charge", To: "ship", Label: "success"},
		{From: "ship", To: CompleteID, Label: "success"},
	}, model.Edges)

	assert.Equal(t, [][]string{{StartID}, {"reserve"}, {"charge"}, {"ship"}, {CompleteID, FailID}}, model.Levels)
	assert.Empty(t, takenEdges(model))
}

func TestBuild_DefaultAndOrphans(t *testing.T) {
	b := machine.NewBuilder("loose")
	b.Ref("a", "x")
	b.Ref("b", "x").On(schema.OutcomeAny, schema.TargetComplete)
	b.Entry("b").Default(schema.TargetFail)
	c, err := b.Build()
	require.NoError(t, err)

	model, err := Build(c, nil)
	require.NoError(t, err)

	assert.Contains(t, model.Edges, Edge{From: "a", To: FailID, Label: "default"})
	assert.NotContains(t, model.Edges, Edge{From: "b", To: FailID, Label: "default"}, "catch-all replaces the default")
	assert.Equal(t, [][]string{{StartID}, {"b"}, {"a"}, {CompleteID, FailID}}, model.Levels)
}

func TestBuild_OverlayFailed(t *testing.T) {
	c := orderChain(t)
	state := run(t, c, registry{
		"inventory.reserve": tags(schema.OutcomeSuccess),
		"payments.charge":   tags(schema.OutcomeFailure, "declined"),
	})
	require.Equal(t, schema.ExecutionStatusFailed, state.Status)

	model, err := Build(c, state)
	require.NoError(t, err)

	assert.Equal(t, []string{
		StartID + "->reserve:",
		"reserve->charge:success",
		"charge->" + FailID + ":declined",
	}, takenEdges(model))

	charge := node(t, model, "charge")
	require.NotNil(t, charge.Status)
	assert.Equal(t, StatusFailed, charge.Status.Status)
	assert.Equal(t, 2, charge.Status.Attempts)
	assert.Equal(t, "declined", charge.Status.LastOutcome)
	assert.NotEmpty(t, charge.Status.Error)

	assert.Equal(t, StatusVisited, node(t, model, "reserve").Status.Status)
	assert.Equal(t, StatusFailed, node(t, model, FailID).Status.Status)
	assert.Nil(t, node(t, model, "ship").Status)
}

func TestBuild_OverlayCompleted(t *testing.T) {
	c := orderChain(t)
	state := run(t, c, registry{
		"inventory.reserve": tags(schema.OutcomeSuccess),
		"payments.charge":   tags(schema.OutcomeSuccess),
		"wait":              tags(schema.OutcomeSuccess),
	})
	require.Equal(t, schema.ExecutionStatusCompleted, state.Status)

	model, err := Build(c, state)
	require.NoError(t, err)

	assert.Contains(t, takenEdges(model), "ship->"+CompleteID+":success")
	assert.Equal(t, StatusCompleted, node(t, model, CompleteID).Status.Status)
}

func TestBuild_OverlaySuspended(t *testing.T) {
	b := machine.NewBuilder("hold")
	b.Ref("reserve", "inventory.reserve")
	b.Ref("hold", "hold")
	b.Ref("ship", "shipping.create")
	c, err := b.Build()
	require.NoError(t, err)

	state := run(t, c, registry{
		"inventory.reserve": tags(schema.OutcomeSuccess),
		"hold":              suspend(),
		"shipping.create":   tags(schema.OutcomeSuccess),
	})
	require.Equal(t, schema.ExecutionStatusSuspended, state.Status)

	model, err := Build(c, state)
	require.NoError(t, err)

	assert.Equal(t, []string{
		StartID + "->reserve:",
		"reserve->hold:success",
		"hold->ship:success",
	}, takenEdges(model))
	assert.Equal(t, StatusSuspended, node(t, model, "ship").Status.Status)
	assert.Equal(t, StatusVisited, node(t, model, "hold").Status.Status)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)

	c := orderChain(t)
	_, err = Build(c, &machine.ExecutionState{ID: "e1", ChainID: "other"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to chain")
}
