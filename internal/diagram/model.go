// Package diagram renders chains, optionally overlaid with the progress of
// one execution, as Mermaid, ASCII or PNG diagrams.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTask     NodeKind = "task"
	NodeKindChoice   NodeKind = "choice"
	NodeKindWait     NodeKind = "wait"
	NodeKindStart    NodeKind = "start"
	NodeKindComplete NodeKind = "complete"
	NodeKindFail     NodeKind = "fail"
)

// Virtual node IDs.
const (
	StartID    = "__start__"
	CompleteID = "__complete__"
	FailID     = "__fail__"
)

// Overlay statuses.
const (
	StatusVisited   = "visited"
	StatusCurrent   = "current"
	StatusSuspended = "suspended"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a step or a virtual start/terminal node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status      string
	Attempts    int
	LastOutcome string
	Error       string
}

// Edge is a transition. Taken is set when the execution followed it.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}
