// ABOUTME: Breadth-first reference graph from a root cube for visualization
// ABOUTME: Nodes carry their level and required scope; missing targets stay in the graph

package refgraph

import (
	"context"
	"strings"

	"github.com/nainya/cubestore/pkg/cube"
)

// DefaultVisualDepth bounds Visualize when no depth is given
const DefaultVisualDepth = 5

// Node is one cube in a visualization
type Node struct {
	Ref           cube.Ref `json:"ref"`
	Level         int      `json:"level"`
	RequiredScope []string `json:"requiredScope,omitempty"`
	OptionalScope []string `json:"optionalScope,omitempty"`
	Missing       bool     `json:"missing,omitempty"`
	// Truncated marks nodes at the depth limit whose references were not followed
	Truncated bool `json:"truncated,omitempty"`
}

// Edge is one call from a formula in From to To
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Visualization is the reachable reference graph
type Visualization struct {
	Root  string  `json:"root"`
	Nodes []*Node `json:"nodes"`
	Edges []Edge  `json:"edges"`
}

// Visualize walks references breadth first from root up to maxDepth levels.
// A referenced cube that cannot be loaded appears as a Missing node.
func (g *Graph) Visualize(ctx context.Context, root cube.Identity, maxDepth int) (*Visualization, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultVisualDepth
	}
	first, err := g.repo.Load(ctx, root)
	if err != nil {
		return nil, err
	}

	type item struct {
		c     *cube.Cube
		node  *Node
		level int
	}
	rootRef := cube.Ref{Name: first.Name, App: root.App, Version: root.Version}
	vis := &Visualization{Root: rootRef.String()}
	seen := map[string]bool{strings.ToLower(first.Name): true}
	addNode := func(ref cube.Ref, level int) *Node {
		n := &Node{Ref: ref, Level: level}
		vis.Nodes = append(vis.Nodes, n)
		return n
	}

	queue := []item{{c: first, node: addNode(rootRef, 0)}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, cube.ContextError(err)
		}
		it := queue[0]
		queue = queue[1:]
		it.node.RequiredScope = it.c.RequiredScope()
		it.node.OptionalScope = g.OptionalScopeOf(it.c)

		refs := g.RefsOf(it.c)
		if it.level >= maxDepth {
			it.node.Truncated = len(refs) > 0
			continue
		}
		for _, ref := range refs {
			vis.Edges = append(vis.Edges, Edge{From: it.node.Ref.String(), To: ref.String()})
			key := strings.ToLower(ref.Name)
			if seen[key] {
				continue
			}
			seen[key] = true

			n := addNode(ref, it.level+1)
			id := cube.Identity{App: ref.App, Version: ref.Version, Status: root.Status, Name: ref.Name}
			c, err := g.repo.Load(ctx, id)
			if err != nil {
				if cube.KindOf(err) != cube.KindNotFound {
					return nil, err
				}
				n.Missing = true
				continue
			}
			queue = append(queue, item{c: c, node: n, level: it.level + 1})
		}
	}
	return vis, nil
}
