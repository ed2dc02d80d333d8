package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/procedures"
	"github.com/rendis/stepmachine/pkg/schema"
)

// Build constructs a DiagramModel from a chain and, optionally, the state of
// one execution over it. The overlay marks visited steps, the current step
// and the transitions the execution took.
func Build(chain *machine.Chain, state *machine.ExecutionState) (*DiagramModel, error) {
	if chain == nil {
		return nil, fmt.Errorf("diagram: chain is nil")
	}
	if chain.EntryID() == "" {
		return nil, fmt.Errorf("diagram: chain %q has no entry step", chain.ID())
	}
	if state != nil && state.ChainID != "" && chain.ID() != "" && state.ChainID != chain.ID() {
		return nil, fmt.Errorf("diagram: execution %s belongs to chain %q, not %q", state.ID, state.ChainID, chain.ID())
	}

	steps := chain.Steps()
	nodes := make([]*Node, 0, len(steps)+3)
	index := make(map[string]*Node, len(steps)+3)
	add := func(n *Node) {
		nodes = append(nodes, n)
		index[n.ID] = n
	}

	add(&Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for i := range steps {
		add(stepToNode(&steps[i]))
	}

	edges := buildEdges(chain, steps)
	var usesComplete, usesFail bool
	for _, e := range edges {
		usesComplete = usesComplete || e.To == CompleteID
		usesFail = usesFail || e.To == FailID
	}
	if state != nil && state.Status == schema.ExecutionStatusFailed {
		usesFail = true
	}
	if usesComplete {
		add(&Node{ID: CompleteID, Label: schema.TargetComplete, Kind: NodeKindComplete})
	}
	if usesFail {
		add(&Node{ID: FailID, Label: schema.TargetFail, Kind: NodeKindFail})
	}

	if state != nil {
		overlay(chain, state, index, edges)
	}

	title := chain.ID()
	if title == "" {
		title = "Chain"
	}
	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(nodes, edges),
	}, nil
}

func stepToNode(step *machine.Step) *Node {
	return &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  stepKind(step),
	}
}

func stepKind(step *machine.Step) NodeKind {
	switch step.ProcedureRef {
	case procedures.Choice:
		return NodeKindChoice
	case procedures.Wait:
		return NodeKindWait
	default:
		return NodeKindTask
	}
}

func nodeLabel(step *machine.Step) string {
	if step.ProcedureRef != "" && step.Procedure == nil {
		return fmt.Sprintf("%s\n(%s)", step.ID, step.ProcedureRef)
	}
	return step.ID
}

// nodeID maps a transition target to the node that represents it.
func nodeID(target string) string {
	switch target {
	case schema.TargetComplete:
		return CompleteID
	case schema.TargetFail:
		return FailID
	default:
		return target
	}
}

// buildEdges lists transitions in step order and sorted tag order. Steps
// without a catch-all get an edge to the chain default when one is set.
func buildEdges(chain *machine.Chain, steps []machine.Step) []Edge {
	edges := []Edge{{From: StartID, To: chain.EntryID()}}
	def := chain.Default()

	for _, step := range steps {
		tags := make([]string, 0, len(step.Transitions))
		for tag := range step.Transitions {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			edges = append(edges, Edge{From: step.ID, To: nodeID(step.Transitions[tag]), Label: tag})
		}
		if _, ok := step.Transitions[schema.OutcomeAny]; !ok && def != "" {
			edges = append(edges, Edge{From: step.ID, To: nodeID(def), Label: "default"})
		}
	}
	return edges
}

// overlay applies the execution's history to nodes and edges.
func overlay(chain *machine.Chain, state *machine.ExecutionState, index map[string]*Node, edges []Edge) {
	mark := func(id, status string) *StatusOverlay {
		n, ok := index[id]
		if !ok {
			return nil
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{}
		}
		if status != "" {
			n.Status.Status = status
		}
		return n.Status
	}
	take := func(from, to, label string) {
		for i := range edges {
			if edges[i].From == from && edges[i].To == to && edges[i].Label == label {
				edges[i].Taken = true
				return
			}
		}
	}

	mark(StartID, StatusVisited)
	if len(state.History) > 0 || state.Status != schema.ExecutionStatusRunning {
		take(StartID, chain.EntryID(), "")
	}

	for i, entry := range state.History {
		ov := mark(entry.StepID, StatusVisited)
		if ov != nil {
			ov.Attempts++
			ov.LastOutcome = entry.Outcome
			ov.Error = entry.Error
		}

		next, err := chain.Resolve(entry.StepID, entry.Outcome)
		if err != nil {
			continue
		}
		label := next.Matched
		if label == "" {
			label = "default"
		}

		var actual string
		switch {
		case i+1 < len(state.History):
			actual = state.History[i+1].StepID
		case state.Status == schema.ExecutionStatusCompleted:
			actual = CompleteID
		case state.Status == schema.ExecutionStatusFailed && (state.Error == nil || state.Error.Code != schema.ErrCodeCancelled):
			actual = FailID
		default:
			actual = state.CurrentStepID
		}
		if actual == entry.StepID {
			continue
		}

		switch next.Kind {
		case machine.NextGoto:
			if next.StepID == actual {
				take(entry.StepID, next.StepID, label)
			}
		case machine.NextComplete:
			if actual == CompleteID {
				take(entry.StepID, CompleteID, label)
			}
		case machine.NextFail:
			if actual == FailID && next.Code == schema.ErrCodeStepFailed {
				take(entry.StepID, FailID, label)
			}
		}
	}

	switch state.Status {
	case schema.ExecutionStatusRunning:
		mark(state.CurrentStepID, StatusCurrent)
	case schema.ExecutionStatusSuspended:
		mark(state.CurrentStepID, StatusSuspended)
	case schema.ExecutionStatusCompleted:
		mark(CompleteID, StatusCompleted)
	case schema.ExecutionStatusFailed:
		stepID := state.CurrentStepID
		if state.Error != nil && state.Error.StepID != "" {
			stepID = state.Error.StepID
		}
		if ov := mark(stepID, StatusFailed); ov != nil && state.Error != nil {
			ov.Error = state.Error.Message
		}
		mark(FailID, StatusFailed)
	}
}

// buildLevels assigns each node its shortest distance from the start node.
// Unreachable steps share the level after the deepest step; terminal nodes
// always come last.
func buildLevels(nodes []*Node, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	depth := map[string]int{StartID: 0}
	queue := []string{StartID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range adj[id] {
			if _, seen := depth[to]; !seen {
				depth[to] = depth[id] + 1
				queue = append(queue, to)
			}
		}
	}

	maxStep := 0
	for _, n := range nodes {
		if d, ok := depth[n.ID]; ok && !isTerminal(n.Kind) && d > maxStep {
			maxStep = d
		}
	}
	orphanLevel := maxStep + 1
	hasOrphans := false
	for _, n := range nodes {
		if _, ok := depth[n.ID]; !ok && !isTerminal(n.Kind) {
			depth[n.ID] = orphanLevel
			hasOrphans = true
		}
	}
	terminalLevel := maxStep + 1
	if hasOrphans {
		terminalLevel++
	}

	levels := make([][]string, terminalLevel+1)
	for _, n := range nodes {
		d := depth[n.ID]
		if isTerminal(n.Kind) {
			d = terminalLevel
		}
		levels[d] = append(levels[d], n.ID)
	}

	out := levels[:0]
	for _, level := range levels {
		if len(level) > 0 {
			out = append(out, level)
		}
	}
	return out
}

func isTerminal(kind NodeKind) bool {
	return kind == NodeKindComplete || kind == NodeKindFail
}
