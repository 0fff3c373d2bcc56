package schema

import (
	"sort"

	"github.com/ottojung/increment/errs"
)

// checkCycles rejects a node set whose pattern-level dependency graph has a
// cycle. An edge runs from node P to node Q when one of Q's input
// expressions has the same (head, arity) as P's output, i.e. Q can only be
// computed once P (or one of P's instantiations) is available. Detection
// runs over the compiled heads (one vertex per head, not per concrete key)
// using an iterative three-color depth-first search so that a pathological
// schema with many nodes cannot overflow the call stack.
func checkCycles(nodes []*CompiledNode) error {
	byHead := make(map[string]*CompiledNode, len(nodes))
	for _, n := range nodes {
		byHead[n.Head] = n
	}

	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, ie := range n.InputExprs {
			dep, ok := byHead[ie.Head]
			if !ok || dep.Arity != ie.Arity() {
				continue
			}
			edges[dep.Head] = append(edges[dep.Head], n.Head)
		}
	}
	for h := range edges {
		sort.Strings(edges[h])
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(nodes))

	heads := make([]string, 0, len(nodes))
	for _, n := range nodes {
		heads = append(heads, n.Head)
	}
	sort.Strings(heads)

	type frame struct {
		head string
		next int
	}

	for _, start := range heads {
		if color[start] != white {
			continue
		}
		stack := []frame{{head: start}}
		color[start] = gray
		path := []string{start}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := edges[top.head]
			if top.next >= len(children) {
				color[top.head] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			child := children[top.next]
			top.next++
			switch color[child] {
			case white:
				color[child] = gray
				path = append(path, child)
				stack = append(stack, frame{head: child})
			case gray:
				start := 0
				for i, h := range path {
					if h == child {
						start = i
						break
					}
				}
				cycle := append([]string{}, path[start:]...)
				cycle = append(cycle, child)
				return &errs.SchemaCycleError{Path: cycle}
			case black:
				// already fully explored, no cycle through here
			}
		}
	}
	return nil
}
