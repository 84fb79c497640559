package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// validateGraph performs graph analysis on a semantically valid workflow:
// reachability from the start node (BFS over edges and loop bodies), loop
// bodies that never lead back to their loop, and cycles that no loop node
// governs (Kahn's algorithm over the graph with loop nodes removed).
func validateGraph(wf *schema.Workflow, idx *index) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	start := ""
	for _, n := range wf.Nodes {
		if n.Type == schema.NodeTypeStart {
			start = n.ID
			break
		}
	}

	// successors includes the loop body link, which is not an edge the
	// router follows but is how the body is entered.
	successors := func(id string) []string {
		var next []string
		for _, e := range idx.out[id] {
			next = append(next, e.Target)
		}
		if loop, ok := idx.specs[id].(*schema.LoopNode); ok && loop.Loop.BodyStepID != "" {
			next = append(next, loop.Loop.BodyStepID)
		}
		return next
	}

	reachable := reach(start, successors)
	for i, n := range wf.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the start node", n.ID))
		}
	}

	for i, n := range wf.Nodes {
		loop, ok := idx.specs[n.ID].(*schema.LoopNode)
		if !ok || loop.Loop.BodyStepID == "" {
			continue
		}
		fromBody := reach(loop.Loop.BodyStepID, successors)
		if !fromBody[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d].data.loop.bodyStepId", i), schema.ErrCodeValidation,
				fmt.Sprintf("body of loop %q never leads back to the loop; each iteration runs until a terminal node", n.ID))
		}
	}

	if cyclic := unmanagedCycles(wf, idx); len(cyclic) > 0 {
		result.AddWarning("edges", schema.ErrCodeValidation,
			fmt.Sprintf("nodes [%s] form a cycle outside any loop node; only edge conditions bound it",
				strings.Join(cyclic, ", ")))
	}

	return result
}

// reach returns the set of nodes reachable from root, root included.
func reach(root string, successors func(string) []string) map[string]bool {
	seen := map[string]bool{}
	if root == "" {
		return seen
	}
	seen[root] = true
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range successors(cur) {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return seen
}

// unmanagedCycles runs Kahn's algorithm over the edges not touching a loop
// node and returns, sorted, the nodes left with incoming edges: members of a
// cycle and whatever hangs off one.
func unmanagedCycles(wf *schema.Workflow, idx *index) []string {
	isLoop := func(id string) bool {
		_, ok := idx.specs[id].(*schema.LoopNode)
		return ok
	}

	inDegree := make(map[string]int, len(idx.ids))
	forward := make(map[string][]string, len(idx.ids))
	for id := range idx.ids {
		if !isLoop(id) {
			inDegree[id] = 0
		}
	}
	for _, e := range wf.Edges {
		_, srcOK := inDegree[e.Source]
		_, dstOK := inDegree[e.Target]
		if !srcOK || !dstOK {
			continue
		}
		forward[e.Source] = append(forward[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(inDegree))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range forward[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	var left []string
	for id, deg := range inDegree {
		if deg > 0 {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}
