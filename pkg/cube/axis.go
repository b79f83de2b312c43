// ABOUTME: Axis model: ordered column collection plus sort/default/multi-match flags
// ABOUTME: Column insertion with uniqueness checks and ordered or declaration-order lookup

package cube

import (
	"fmt"
	"sort"
	"strings"
)

// AxisSpec describes a new axis
type AxisSpec struct {
	Name       string
	Type       ValueType
	Sorted     bool
	HasDefault bool
	MultiMatch bool
}

// Axis is one dimension of a cube
type Axis struct {
	ID         int64
	Name       string
	Type       ValueType
	Sorted     bool
	HasDefault bool
	MultiMatch bool

	columns    []*Column // explicit columns, declaration or value order
	defaultCol *Column
	nextSeq    int64

	// lookup index for sorted, single-match axes
	ordered []*Column // scalar and range columns in value order
	sets    []*Column
}

func newAxis(id int64, spec AxisSpec) *Axis {
	a := &Axis{
		ID:         id,
		Name:       spec.Name,
		Type:       spec.Type,
		Sorted:     spec.Sorted,
		MultiMatch: spec.MultiMatch,
		nextSeq:    1,
	}
	if spec.HasDefault {
		a.setDefault(true)
	}
	return a
}

// Columns returns the explicit columns followed by the default column
func (a *Axis) Columns() []*Column {
	cols := make([]*Column, 0, len(a.columns)+1)
	cols = append(cols, a.columns...)
	if a.defaultCol != nil {
		cols = append(cols, a.defaultCol)
	}
	return cols
}

// Len counts every column including the default
func (a *Axis) Len() int {
	n := len(a.columns)
	if a.defaultCol != nil {
		n++
	}
	return n
}

// Column finds a column by id
func (a *Axis) Column(id int64) *Column {
	if a.defaultCol != nil && a.defaultCol.ID == id {
		return a.defaultCol
	}
	for _, c := range a.columns {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// DefaultColumn returns the default column or nil
func (a *Axis) DefaultColumn() *Column { return a.defaultCol }

// IsRuleAxis reports whether columns are rule conditions
func (a *Axis) IsRuleAxis() bool { return a.Type == TypeExpression }

func (a *Axis) newColumnID() int64 {
	id := a.ID*ColumnIDBase + a.nextSeq
	a.nextSeq++
	return id
}

func (a *Axis) setDefault(on bool) {
	switch {
	case on && a.defaultCol == nil:
		a.defaultCol = &Column{ID: a.newColumnID(), Shape: ShapeDefault}
	case !on:
		a.defaultCol = nil
	}
	a.HasDefault = on
}

// addColumn validates, assigns an id and places a column
func (a *Axis) addColumn(col *Column) (*Column, error) {
	if err := col.coerce(a.Type); err != nil {
		return nil, &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Axis: a.Name, Cause: err}
	}
	if dup := a.conflicting(col, 0); dup != nil {
		return nil, &Error{Kind: KindConflict, Err: ErrDuplicateColumnValue, Axis: a.Name,
			Detail: fmt.Sprintf("%s collides with column %s", col.Text(), dup)}
	}
	if col.ID == 0 {
		col.ID = a.newColumnID()
	}
	a.columns = append(a.columns, col)
	if a.Sorted {
		if err := a.sortColumns(); err != nil {
			a.columns = a.columns[:len(a.columns)-1]
			return nil, err
		}
	}
	a.reindex()
	return col, nil
}

// conflicting returns the sibling that col would duplicate, ignoring skipID
func (a *Axis) conflicting(col *Column, skipID int64) *Column {
	for _, c := range a.columns {
		if c.ID == skipID {
			continue
		}
		if c.sameAs(col) || (!a.MultiMatch && c.overlaps(col)) {
			return c
		}
	}
	return nil
}

// updateColumn replaces the coordinate value of column id in place
func (a *Axis) updateColumn(id int64, repl *Column) error {
	idx := -1
	for i, c := range a.columns {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &Error{Kind: KindNotFound, Err: ErrColumnNotFound, Axis: a.Name, Detail: fmt.Sprintf("column %d", id)}
	}
	if err := repl.coerce(a.Type); err != nil {
		return &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Axis: a.Name, Cause: err}
	}
	if dup := a.conflicting(repl, id); dup != nil {
		return &Error{Kind: KindConflict, Err: ErrDuplicateColumnValue, Axis: a.Name,
			Detail: fmt.Sprintf("%s collides with column %s", repl.Text(), dup)}
	}
	old := a.columns[idx]
	repl.ID = id
	a.columns[idx] = repl
	if a.Sorted {
		if err := a.sortColumns(); err != nil {
			a.columns[idx] = old
			return err
		}
	}
	a.reindex()
	return nil
}

func (a *Axis) removeColumn(id int64) bool {
	if a.defaultCol != nil && a.defaultCol.ID == id {
		a.setDefault(false)
		return true
	}
	for i, c := range a.columns {
		if c.ID == id {
			a.columns = append(a.columns[:i], a.columns[i+1:]...)
			a.reindex()
			return true
		}
	}
	return false
}

// sortColumns orders columns by value; fails when no total order exists
func (a *Axis) sortColumns() error {
	if a.Type == TypeExpression {
		return &Error{Kind: KindInvalid, Err: ErrIncomparableValues, Axis: a.Name, Detail: "rule axes cannot be sorted"}
	}
	keys := make([]Value, len(a.columns))
	for i, c := range a.columns {
		k, err := c.sortKey()
		if err != nil {
			return &Error{Kind: KindInvalid, Err: ErrIncomparableValues, Axis: a.Name, Cause: err}
		}
		keys[i] = k
	}
	for i := 1; i < len(keys); i++ {
		if _, err := Compare(keys[0], keys[i]); err != nil {
			return &Error{Kind: KindInvalid, Err: ErrIncomparableValues, Axis: a.Name, Cause: err}
		}
	}
	idx := make([]int, len(a.columns))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		r, _ := Compare(keys[idx[i]], keys[idx[j]])
		return r < 0
	})
	sorted := make([]*Column, len(idx))
	for i, k := range idx {
		sorted[i] = a.columns[k]
	}
	a.columns = sorted
	return nil
}

func (a *Axis) reindex() {
	a.ordered, a.sets = nil, nil
	if !a.Sorted || a.MultiMatch {
		return
	}
	for _, c := range a.columns {
		if c.Shape == ShapeSet {
			a.sets = append(a.sets, c)
		} else {
			a.ordered = append(a.ordered, c)
		}
	}
}

// Find returns the explicit columns matching v. Sorted single-match axes
// use binary search; otherwise columns are scanned in order and the first
// match wins unless the axis is multi-match. The default column is never
// returned here.
func (a *Axis) Find(raw Value) []*Column {
	v, err := Coerce(raw, a.Type)
	if err != nil {
		return nil
	}
	if a.Sorted && !a.MultiMatch {
		cols := a.ordered
		i := sort.Search(len(cols), func(i int) bool {
			return cols[i].position(v) <= 0
		})
		if i < len(cols) && cols[i].position(v) == 0 {
			return []*Column{cols[i]}
		}
		for _, c := range a.sets {
			if c.Contains(v) {
				return []*Column{c}
			}
		}
		return nil
	}
	var out []*Column
	for _, c := range a.columns {
		if c.Contains(v) {
			out = append(out, c)
			if !a.MultiMatch {
				break
			}
		}
	}
	return out
}

// FindByText parses text with the axis type and returns the first matching column
func (a *Axis) FindByText(text string) *Column {
	if strings.EqualFold(strings.TrimSpace(text), "default") && a.defaultCol != nil {
		return a.defaultCol
	}
	v, err := ParseTyped(text, a.Type)
	if err != nil {
		return nil
	}
	if found := a.Find(v); len(found) > 0 {
		return found[0]
	}
	return nil
}

func (a *Axis) clone() *Axis {
	cp := *a
	cp.columns = make([]*Column, len(a.columns))
	for i, c := range a.columns {
		cp.columns[i] = c.clone()
	}
	if a.defaultCol != nil {
		cp.defaultCol = a.defaultCol.clone()
	}
	cp.reindex()
	return &cp
}

func (a *Axis) String() string {
	return fmt.Sprintf("%s(%s, %d columns)", a.Name, a.Type, a.Len())
}
