package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

var gvShapes = map[NodeKind]cgraph.Shape{
	NodeKindAgent:     cgraph.BoxShape,
	NodeKindLoop:      cgraph.BoxShape,
	NodeKindTool:      cgraph.EllipseShape,
	NodeKindCondition: cgraph.DiamondShape,
	NodeKindHITL:      cgraph.HexagonShape,
	NodeKindStart:     cgraph.CircleShape,
	NodeKindEnd:       cgraph.DoubleCircleShape,
}

// RenderImage renders the model as PNG.
func RenderImage(model *DiagramModel) ([]byte, error) {
	return renderGraphviz(model, graphviz.PNG)
}

// RenderSVG renders the model as an SVG document.
func RenderSVG(model *DiagramModel) ([]byte, error) {
	return renderGraphviz(model, graphviz.SVG)
}

func renderGraphviz(model *DiagramModel, format graphviz.Format) ([]byte, error) {
	ctx := context.Background()
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz graph: %w", err)
	}
	defer g.Close()

	if err := populate(g, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// populate copies the model's nodes and edges into g.
func populate(g *cgraph.Graph, model *DiagramModel) error {
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		gn.SetLabel(n.Title())
		if shape, ok := gvShapes[n.Kind]; ok {
			gn.SetShape(shape)
		}
		if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
			gn.SetWidth(0.4)
			gn.SetHeight(0.4)
		}
		paint(gn, n.Status)
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		if e.Body {
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
	return nil
}

// paint fills nodes that carry an overlay. Unpainted states render grey.
func paint(gn *cgraph.Node, st *StatusOverlay) {
	if st == nil {
		return
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	s, ok := styleOf(st.Status)
	if !ok {
		gn.SetFillColor("#d3d3d3")
		return
	}
	gn.SetFillColor(s.fill)
	gn.SetColor(s.stroke)
	gn.SetFontColor("white")
}
