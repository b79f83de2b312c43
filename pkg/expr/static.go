// ABOUTME: Static analysis of parsed formulas without evaluating them
// ABOUTME: Collects invoked cube names and scope keys read by a program

package expr

import (
	"sort"
	"strings"
)

// Walk visits n and its children depth-first until fn returns false
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch t := n.(type) {
	case *Unary:
		Walk(t.Operand, fn)
	case *Binary:
		Walk(t.Left, fn)
		Walk(t.Right, fn)
	case *Ternary:
		Walk(t.Cond, fn)
		Walk(t.Then, fn)
		Walk(t.Else, fn)
	case *Call:
		for _, a := range t.Args {
			Walk(a, fn)
		}
	case *CubeCall:
		for _, a := range t.Args {
			Walk(a.Value, fn)
		}
	}
}

// CubeCalls returns every cube call in the program, in source order
func (p *Program) CubeCalls() []*CubeCall {
	var calls []*CubeCall
	Walk(p.Root, func(n Node) bool {
		if c, ok := n.(*CubeCall); ok {
			calls = append(calls, c)
		}
		return true
	})
	return calls
}

// ReferencedCubes returns the distinct names of other cubes the program
// invokes, sorted case-insensitively
func (p *Program) ReferencedCubes() []string {
	seen := make(map[string]string)
	for _, c := range p.CubeCalls() {
		if c.Self() {
			continue
		}
		key := strings.ToLower(c.Cube)
		if _, ok := seen[key]; !ok {
			seen[key] = c.Cube
		}
	}
	names := make([]string, 0, len(seen))
	for _, n := range seen {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names
}

// InputRefs returns the distinct scope keys read by the program
func (p *Program) InputRefs() []string {
	seen := make(map[string]bool)
	var keys []string
	Walk(p.Root, func(n Node) bool {
		if r, ok := n.(*Ref); ok && !seen[strings.ToLower(r.Key)] {
			seen[strings.ToLower(r.Key)] = true
			keys = append(keys, r.Key)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}
