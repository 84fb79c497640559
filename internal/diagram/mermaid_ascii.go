package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MermaidASCIIBinary is the file name `agentflow install mermaid-ascii`
// places in the bin directory.
const MermaidASCIIBinary = "mermaid-ascii"

const cliTimeout = 10 * time.Second

// RenderASCIIAuto prefers the mermaid-ascii binary from binDir and falls
// back to RenderASCII when it is missing or fails.
func RenderASCIIAuto(model *DiagramModel, binDir string) string {
	if binDir == "" {
		return RenderASCII(model)
	}
	bin := filepath.Join(binDir, MermaidASCIIBinary)
	if info, err := os.Stat(bin); err != nil || info.IsDir() {
		return RenderASCII(model)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	out, err := RenderASCIIViaCLI(ctx, model, bin)
	if err != nil {
		return RenderASCII(model)
	}
	return out
}

// RenderASCIIViaCLI pipes RenderMermaidForCLI output through the binary at
// bin and returns what it prints.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, bin string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", MermaidASCIIBinary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits only edge lines, the subset mermaid-ascii
// parses. Node declarations are not supported there, so each node appears
// under a slug of its title plus its overlay tag and duration.
func RenderMermaidForCLI(model *DiagramModel) string {
	slugs := make(map[string]string, len(model.Nodes))
	for _, n := range model.Nodes {
		slugs[n.ID] = cliSlug(n)
	}
	slug := func(id string) string {
		if s, ok := slugs[id]; ok {
			return s
		}
		return mermaidSafeID(id)
	}

	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + mermaidEscapeLabel(e.Label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", slug(e.From), arrow, slug(e.To))
	}
	return b.String()
}

func cliSlug(n *Node) string {
	parts := []string{n.Title()}
	if parts[0] == "" {
		parts[0] = n.ID
	}
	if st := n.Status; st != nil {
		if s, ok := styleOf(st.Status); ok {
			parts = append(parts, s.tag)
		}
		if st.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", st.DurationMs))
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), "-")
}
