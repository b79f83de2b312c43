// ABOUTME: Scope resolution: maps axis-name inputs onto column ids and probes the cell store
// ABOUTME: Multi-match fan-out, default-column tie-break and ambiguity detection

package cube

import (
	"fmt"
	"sort"
	"strings"
)

// Scope maps axis names (case-insensitive) to query values
type Scope map[string]Value

// Get looks a key up exactly first, then case-insensitively
func (s Scope) Get(name string) (Value, bool) {
	if v, ok := s[name]; ok {
		return v, true
	}
	for k, v := range s {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return Null(), false
}

// Clone copies the scope
func (s Scope) Clone() Scope {
	cp := make(Scope, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// With returns a copy of s with overrides applied
func (s Scope) With(overrides Scope) Scope {
	cp := make(Scope, len(s)+len(overrides))
	for k, v := range s {
		cp[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		cp[strings.ToLower(k)] = v
	}
	return cp
}

// Keys returns the scope keys sorted
func (s Scope) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the scope deterministically, e.g. "Age: 30, State: TX"
func (s Scope) String() string {
	keys := s.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + s[k].String()
	}
	return strings.Join(parts, ", ")
}

// ConditionFunc decides whether a rule column's condition holds
type ConditionFunc func(axis *Axis, col *Column) (bool, error)

// ResolveOptions tune resolution. Condition is consulted for rule axes that
// have no value in scope; without it such axes fall back to their default.
type ResolveOptions struct {
	Condition ConditionFunc
}

// Resolution is the outcome of a successful lookup
type Resolution struct {
	Coordinate     []int64
	Key            string
	Cell           *Cell
	DefaultCell    bool // Cell came from the cube's default cell
	DefaultColumns int  // number of axes resolved through their default column
}

// Resolve locates the cell addressed by scope
func (c *Cube) Resolve(scope Scope, opts ResolveOptions) (*Resolution, error) {
	candidates := make([][]*Column, len(c.axes))
	for i, a := range c.axes {
		cols, err := c.matchAxis(a, scope, opts, true)
		if err != nil {
			return nil, err
		}
		candidates[i] = cols
	}

	var (
		best     []*Resolution
		bestRank = -1
	)
	c.product(candidates, func(combo []*Column) {
		ids := make([]int64, len(combo))
		defaults := 0
		for i, col := range combo {
			ids[i] = col.ID
			if col.IsDefault() {
				defaults++
			}
		}
		key := CoordinateKey(ids)
		cell, ok := c.cells[key]
		if !ok {
			return
		}
		switch {
		case bestRank < 0 || defaults < bestRank:
			bestRank = defaults
			best = best[:0]
		case defaults > bestRank:
			return
		}
		best = append(best, &Resolution{Coordinate: ids, Key: key, Cell: cell, DefaultColumns: defaults})
	})

	switch len(best) {
	case 0:
		if c.defaultCell != nil {
			return &Resolution{Cell: c.defaultCell, DefaultCell: true}, nil
		}
		return nil, c.errorf(KindResolution, ErrCellNotFound, "no cell at {%s}", scope)
	case 1:
		return best[0], nil
	}
	for _, r := range best[1:] {
		if !r.Cell.Equal(best[0].Cell) {
			keys := make([]string, len(best))
			for i, b := range best {
				keys[i] = "[" + b.Key + "]"
			}
			return nil, c.errorf(KindResolution, ErrAmbiguousCellMatch,
				"scope {%s} matches cells %s", scope, strings.Join(keys, " "))
		}
	}
	return best[0], nil
}

// Locate resolves scope to exactly one coordinate, as used by scoped writes
func (c *Cube) Locate(scope Scope, opts ResolveOptions) ([]int64, error) {
	ids := make([]int64, len(c.axes))
	for i, a := range c.axes {
		cols, err := c.matchAxis(a, scope, opts, false)
		if err != nil {
			return nil, err
		}
		ids[i] = cols[0].ID
	}
	return ids, nil
}

// matchAxis returns the candidate columns for one axis. It never returns an
// empty slice without an error.
func (c *Cube) matchAxis(a *Axis, scope Scope, opts ResolveOptions, fanOut bool) ([]*Column, error) {
	v, supplied := scope.Get(a.Name)
	if supplied && v.IsNull() {
		supplied = false
	}

	var found []*Column
	switch {
	case supplied:
		found = a.Find(v)
	case a.IsRuleAxis() && opts.Condition != nil:
		for _, col := range a.columns {
			ok, err := opts.Condition(a, col)
			if err != nil {
				return nil, err
			}
			if ok {
				found = append(found, col)
				if !a.MultiMatch || !fanOut {
					break
				}
			}
		}
	}
	if !fanOut && len(found) > 1 {
		found = found[:1]
	}
	if len(found) > 0 {
		return found, nil
	}
	if a.defaultCol != nil {
		return []*Column{a.defaultCol}, nil
	}

	detail := fmt.Sprintf("no column matches %q", v.String())
	if !supplied {
		detail = "no value supplied"
	}
	return nil, &Error{
		Kind:   KindResolution,
		Err:    ErrScopeResolutionFailed,
		Cause:  ErrCoordinateNotFound,
		Cube:   c.Identity.String(),
		Axis:   a.Name,
		Detail: detail,
	}
}

// product calls fn for every combination of one column per axis
func (c *Cube) product(candidates [][]*Column, fn func([]*Column)) {
	combo := make([]*Column, len(candidates))
	var walk func(i int)
	walk = func(i int) {
		if i == len(candidates) {
			fn(combo)
			return
		}
		for _, col := range candidates[i] {
			combo[i] = col
			walk(i + 1)
		}
	}
	walk(0)
}

// RequiredScope lists the axes a caller must supply: those without a
// default column. Rule axes are excluded since their conditions select a
// column without input.
func (c *Cube) RequiredScope() []string {
	var names []string
	for _, a := range c.axes {
		if a.defaultCol == nil && !a.IsRuleAxis() {
			names = append(names, a.Name)
		}
	}
	sort.Strings(names)
	return names
}
