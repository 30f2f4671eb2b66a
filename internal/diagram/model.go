// Package diagram renders task workflows as Mermaid, text or Graphviz
// images, optionally overlaid with the progress recorded for an execution.
package diagram

// NodeKind classifies a node by the kind of step it stands for.
type NodeKind string

const (
	NodeKindStep      NodeKind = "step"
	NodeKindPrompt    NodeKind = "prompt"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindWait      NodeKind = "wait"
	NodeKindYield     NodeKind = "yield"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Node statuses derived from recorded transitions.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusWaiting   = "waiting"
	StatusCancelled = "cancelled"
)

// Reserved node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the representation shared by all renderers.
type DiagramModel struct {
	Title string
	// Lanes hold one workflow each, main first.
	Lanes []*Lane
	Start *Node
	End   *Node
	Edges []Edge
}

// Lane is one workflow's steps in order.
type Lane struct {
	Workflow string
	Nodes    []*Node
}

// Node is a single step.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // if/else arms, switch cases, loop and map bodies, parallel branches
}

// SubGraph holds the nested step of a control-flow node.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries recorded progress for a node.
type StatusOverlay struct {
	Status string
	Visits int
	Error  string
}

// Edge connects two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given id, searching lanes and children.
func (m *DiagramModel) Node(id string) *Node {
	switch id {
	case StartID:
		return m.Start
	case EndID:
		return m.End
	}
	for _, lane := range m.Lanes {
		for _, n := range lane.Nodes {
			if found := n.find(id); found != nil {
				return found
			}
		}
	}
	return nil
}

func (n *Node) find(id string) *Node {
	if n.ID == id {
		return n
	}
	for _, sg := range n.Children {
		for _, c := range sg.Nodes {
			if found := c.find(id); found != nil {
				return found
			}
		}
	}
	return nil
}
