package diagram

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// maxLabel bounds the expression text shown in a label.
const maxLabel = 40

// Build constructs a DiagramModel from a task. Transitions, when given,
// overlay each step with the status of its latest recorded transition.
// Transitions of nested executions are matched to the step that spawned
// them only through the parent's own records.
func Build(task *schema.Task, transitions []*schema.Transition) (*DiagramModel, error) {
	if task == nil || len(task.Workflows) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: task has no workflows")
	}

	m := &DiagramModel{
		Title: task.Name,
		Start: &Node{ID: StartID, Label: "Start", Kind: NodeKindStart},
		End:   &Node{ID: EndID, Label: "End", Kind: NodeKindEnd},
	}

	for _, name := range laneOrder(task) {
		wf, _ := task.Workflow(name)
		lane := &Lane{Workflow: name}
		for i, step := range wf.Steps {
			id := nodeID(name, i)
			node := stepToNode(id, step)
			node.Label = fmt.Sprintf("%d. %s", i, node.Label)
			lane.Nodes = append(lane.Nodes, node)
		}
		m.Lanes = append(m.Lanes, lane)
		m.Edges = append(m.Edges, laneEdges(task, lane, wf)...)
	}
	if main, ok := task.Workflow(schema.MainWorkflow); ok && len(main.Steps) > 0 {
		m.Edges = append([]Edge{{From: StartID, To: nodeID(schema.MainWorkflow, 0)}}, m.Edges...)
	}

	overlayTransitions(m, transitions)
	return m, nil
}

// laneOrder returns main first, then the remaining workflows in definition
// order.
func laneOrder(task *schema.Task) []string {
	names := []string{}
	if _, ok := task.Workflow(schema.MainWorkflow); ok {
		names = append(names, schema.MainWorkflow)
	}
	for _, n := range task.WorkflowNames() {
		if n != schema.MainWorkflow {
			names = append(names, n)
		}
	}
	return names
}

func nodeID(workflow string, step int) string {
	return fmt.Sprintf("%s.%d", workflow, step)
}

// laneEdges links consecutive steps, yields to their target workflow and
// the last step to End.
func laneEdges(task *schema.Task, lane *Lane, wf *schema.Workflow) []Edge {
	var edges []Edge
	for i, step := range wf.Steps {
		from := lane.Nodes[i].ID
		switch s := step.(type) {
		case *schema.YieldStep:
			if target, ok := task.Workflow(s.Workflow); ok && len(target.Steps) > 0 {
				edges = append(edges, Edge{From: from, To: nodeID(s.Workflow, 0), Label: "yield"})
			}
			continue
		case *schema.ReturnStep, *schema.ErrorStep:
			edges = append(edges, Edge{From: from, To: EndID})
			continue
		}
		if i+1 < len(wf.Steps) {
			edges = append(edges, Edge{From: from, To: lane.Nodes[i+1].ID})
		} else {
			edges = append(edges, Edge{From: from, To: EndID})
		}
	}
	return edges
}

// stepToNode maps a step to a node, recursing into nested steps.
func stepToNode(id string, step schema.Step) *Node {
	node := &Node{ID: id, Kind: stepKind(step), Label: stepLabel(step)}
	child := func(label string, s schema.Step) {
		if s == nil {
			return
		}
		node.Children = append(node.Children, &SubGraph{
			Label: label,
			Nodes: []*Node{stepToNode(id+"."+safeSegment(label), s)},
		})
	}

	switch s := step.(type) {
	case *schema.IfElseStep:
		child("then", s.Then)
		child("else", s.Else)
	case *schema.SwitchStep:
		for i, c := range s.Switch {
			child(fmt.Sprintf("case %d", i), c.Then)
		}
	case *schema.ForeachStep:
		child("do", s.Foreach.Do)
	case *schema.MapReduceStep:
		child("map", s.Map)
	case *schema.ParallelStep:
		for i, p := range s.Parallel {
			child(fmt.Sprintf("branch %d", i), p)
		}
	}
	return node
}

func stepKind(step schema.Step) NodeKind {
	switch step.(type) {
	case *schema.PromptStep:
		return NodeKindPrompt
	case *schema.IfElseStep, *schema.SwitchStep:
		return NodeKindCondition
	case *schema.ForeachStep, *schema.MapReduceStep:
		return NodeKindLoop
	case *schema.ParallelStep:
		return NodeKindParallel
	case *schema.WaitForInputStep, *schema.SleepStep:
		return NodeKindWait
	case *schema.YieldStep:
		return NodeKindYield
	}
	return NodeKindStep
}

// stepLabel names the step kind and its most telling argument.
func stepLabel(step schema.Step) string {
	kind := string(step.Kind())
	detail := ""
	switch s := step.(type) {
	case *schema.ToolCallStep:
		detail = s.Tool
	case *schema.GetStep:
		detail = s.Get
	case *schema.SetStep:
		detail = strings.Join(keys(s.Set), ", ")
	case *schema.EvaluateStep:
		detail = strings.Join(keys(s.Evaluate), ", ")
	case *schema.ReturnStep:
		detail = strings.Join(keys(s.Return), ", ")
	case *schema.LogStep:
		detail = s.Log
	case *schema.ErrorStep:
		detail = s.Error
	case *schema.SleepStep:
		detail = s.Sleep.Duration().String()
	case *schema.YieldStep:
		detail = "→ " + s.Workflow
	case *schema.IfElseStep:
		detail = s.If
	case *schema.ForeachStep:
		detail = s.Foreach.In
	case *schema.MapReduceStep:
		detail = s.Over
	}
	if detail == "" {
		return kind
	}
	return kind + " " + truncate(detail)
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxLabel {
		return string(r[:maxLabel-1]) + "…"
	}
	return s
}

func safeSegment(s string) string {
	return strings.ReplaceAll(s, " ", "_")
}

// overlayTransitions applies recorded transitions to the nodes they left
// from. Init transitions mark no step; branch workflows of nested
// executions have no lane and are skipped.
func overlayTransitions(m *DiagramModel, transitions []*schema.Transition) {
	for _, t := range transitions {
		if t.Type == schema.TransitionInit || t.Type == schema.TransitionInitBranch {
			continue
		}
		node := m.Node(nodeID(t.Current.Workflow, t.Current.Step))
		if node == nil {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		node.Status.Visits++
		node.Status.Status = transitionStatus(t.Type)
		if t.Type == schema.TransitionError {
			if msg, ok := t.Output.(string); ok {
				node.Status.Error = msg
			}
		}
	}
}

func transitionStatus(tt schema.TransitionType) string {
	switch tt {
	case schema.TransitionError:
		return StatusFailed
	case schema.TransitionWait:
		return StatusWaiting
	case schema.TransitionCancelled:
		return StatusCancelled
	}
	return StatusCompleted
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
