package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RenderASCII draws the model as rows of boxes, one row per level, followed
// by the guarded transitions and loop body links the rows cannot show.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var row []box
		for _, id := range level {
			if n := model.node(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		width := writeRow(&b, row)
		if i < len(model.Levels)-1 {
			arrowDown(&b, width)
		}
	}

	writeTransitions(&b, model.Edges)
	return b.String()
}

// box is a framed node, already split into output lines of equal width.
type box []string

func newBox(n *Node) box {
	content := []string{n.Title()}
	if st := n.Status; st != nil {
		if line := statusLine(st); line != "" {
			content = append(content, line)
		}
		if st.RetryCount > 0 {
			content = append(content, fmt.Sprintf("retry x%d", st.RetryCount))
		}
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	rule := strings.Repeat("─", inner+2)

	lines := make(box, 0, len(content)+2)
	lines = append(lines, "╭"+rule+"╮")
	for _, c := range content {
		lines = append(lines, "│ "+padRight(c, inner)+" │")
	}
	return append(lines, "╰"+rule+"╯")
}

// statusLine is the overlay tag and duration, e.g. "[OK] 120ms".
func statusLine(st *StatusOverlay) string {
	var parts []string
	if s, ok := styleOf(st.Status); ok {
		parts = append(parts, "["+s.tag+"]")
	}
	if st.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", st.DurationMs))
	}
	return strings.Join(parts, " ")
}

func (bx box) width() int {
	return utf8.RuneCountInString(bx[0])
}

// writeRow prints boxes side by side, top-aligned, and returns the row width.
func writeRow(b *strings.Builder, row []box) int {
	const gap = "  "
	height, width := 0, 0
	for i, bx := range row {
		height = max(height, len(bx))
		width += bx.width()
		if i > 0 {
			width += len(gap)
		}
	}

	for line := 0; line < height; line++ {
		var out strings.Builder
		for i, bx := range row {
			if i > 0 {
				out.WriteString(gap)
			}
			if line < len(bx) {
				out.WriteString(bx[line])
			} else {
				out.WriteString(strings.Repeat(" ", bx.width()))
			}
		}
		b.WriteString(strings.TrimRight(out.String(), " "))
		b.WriteByte('\n')
	}
	return width
}

// arrowDown draws a connector centred under a row of the given width.
func arrowDown(b *strings.Builder, width int) {
	indent := strings.Repeat(" ", width/2)
	b.WriteString(indent + "│\n")
	b.WriteString(indent + "▼\n")
}

func writeTransitions(b *strings.Builder, edges []Edge) {
	header := false
	for _, e := range edges {
		if e.Label == "" && !e.Body {
			continue
		}
		if !header {
			b.WriteString("\nTransitions:\n")
			header = true
		}
		switch {
		case e.Body:
			fmt.Fprintf(b, "  %s => %s (loop body)\n", e.From, e.To)
		default:
			fmt.Fprintf(b, "  %s -> %s when %s\n", e.From, e.To, e.Label)
		}
	}
}

func padRight(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// firstLine returns the text before the first newline.
func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}
