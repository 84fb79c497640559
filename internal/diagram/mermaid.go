package diagram

import (
	"fmt"
	"strings"
)

// shapes maps node kinds to Mermaid open/close delimiters. Agents use the
// default rectangle.
var shapes = map[NodeKind][2]string{
	NodeKindStart:     {"((", "))"},
	NodeKindEnd:       {"((", "))"},
	NodeKindCondition: {"{", "}"},
	NodeKindHITL:      {"{{", "}}"},
	NodeKindTool:      {"([", "])"},
	NodeKindLoop:      {"[[", "]]"},
}

// RenderMermaid renders the model as a top-down Mermaid flowchart. Nodes
// with a painted overlay state are assigned the matching class.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, n := range model.Nodes {
		delim := [2]string{"[", "]"}
		if d, ok := shapes[n.Kind]; ok {
			delim = d
		}
		fmt.Fprintf(&b, "    %s%s%q%s\n", mermaidSafeID(n.ID), delim[0], mermaidEscapeLabel(n.Title()), delim[1])
	}

	for _, e := range model.Edges {
		arrow := "-->"
		if e.Body {
			arrow = "-.->"
		}
		if e.Label != "" {
			arrow += "|" + mermaidEscapeLabel(e.Label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	for _, state := range overlayStates {
		s := styles[state]
		fmt.Fprintf(&b, "    classDef %s fill:%s,stroke:%s,color:#fff\n", state, s.fill, s.stroke)
	}
	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if _, ok := styleOf(n.Status.Status); ok {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), n.Status.Status)
		}
	}
	return b.String()
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// mermaidSafeID turns a node id into a Mermaid identifier. "end" closes
// subgraphs in Mermaid, so it gets a suffix.
func mermaidSafeID(id string) string {
	id = mermaidIDReplacer.Replace(id)
	if strings.EqualFold(id, "end") {
		return id + "_"
	}
	return id
}

var mermaidLabelReplacer = strings.NewReplacer(`"`, "'", "|", "/")

func mermaidEscapeLabel(s string) string {
	return mermaidLabelReplacer.Replace(s)
}
