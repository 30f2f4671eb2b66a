package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage lays out a DiagramModel with graphviz and returns the
// rendered image in the given format.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes := make(map[string]*cgraph.Node)
	for _, n := range []*Node{model.Start, model.End} {
		gn, err := addNode(graph, n)
		if err != nil {
			return nil, err
		}
		nodes[n.ID] = gn
	}

	for _, lane := range model.Lanes {
		cluster, err := graph.CreateSubGraphByName("cluster_" + lane.Workflow)
		if err != nil {
			return nil, fmt.Errorf("diagram: create cluster: %w", err)
		}
		cluster.SetLabel("workflow " + lane.Workflow)
		for _, n := range lane.Nodes {
			if err := addTree(graph, cluster, n, nodes); err != nil {
				return nil, err
			}
		}
	}

	for _, e := range model.Edges {
		from, to := nodes[e.From], nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName("", from, to)
		if err == nil && e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// addTree adds n to parent and nests its children in dashed clusters
// linked back to n.
func addTree(root, parent *cgraph.Graph, n *Node, nodes map[string]*cgraph.Node) error {
	gn, err := addNode(parent, n)
	if err != nil {
		return err
	}
	nodes[n.ID] = gn
	for _, sg := range n.Children {
		sub, err := parent.CreateSubGraphByName("cluster_" + n.ID + "_" + safeSegment(sg.Label))
		if err != nil {
			return fmt.Errorf("diagram: create cluster: %w", err)
		}
		sub.SetLabel(sg.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		for _, c := range sg.Nodes {
			if err := addTree(root, sub, c, nodes); err != nil {
				return err
			}
			if _, err := root.CreateEdgeByName("", gn, nodes[c.ID]); err != nil {
				return fmt.Errorf("diagram: link %s: %w", c.ID, err)
			}
		}
	}
	return nil
}

func addNode(g *cgraph.Graph, n *Node) (*cgraph.Node, error) {
	gn, err := g.CreateNodeByName(n.ID)
	if err != nil {
		return nil, fmt.Errorf("diagram: create node %s: %w", n.ID, err)
	}
	gn.SetLabel(n.Label)
	applyNodeStyle(gn, n)
	return gn, nil
}

func applyNodeStyle(gn *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindCondition:
		gn.SetShape(cgraph.DiamondShape)
	case NodeKindPrompt:
		gn.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		gn.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	default:
		gn.SetShape(cgraph.BoxShape)
	}
	if n.Status == nil {
		return
	}

	gn.SetStyle(cgraph.FilledNodeStyle)
	gn.SetFontColor("white")
	switch n.Status.Status {
	case StatusCompleted:
		gn.SetFillColor("#2d6a2d")
	case StatusFailed:
		gn.SetFillColor("#8b1a1a")
	case StatusWaiting:
		gn.SetFillColor("#b7791a")
	case StatusCancelled:
		gn.SetFillColor("#4a4a4a")
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
}
