// ABOUTME: Cube container: named, versioned set of axes plus a sparse cell store
// ABOUTME: Structural and cell mutations gated by SNAPSHOT/RELEASE status

package cube

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Cube is not safe for concurrent mutation. Callers serialize writers and
// hand readers either a shared lock or a Clone.
type Cube struct {
	ID string
	Identity
	UpdatedAt time.Time

	axes        []*Axis
	cells       map[string]*Cell
	defaultCell *Cell
	nextAxisID  int64
}

// New creates an empty cube with the given identity
func New(id Identity) *Cube {
	if id.Status == StatusAny {
		id.Status = StatusSnapshot
	}
	return &Cube{
		Identity:   id,
		cells:      make(map[string]*Cell),
		nextAxisID: 1,
		UpdatedAt:  time.Now().UTC(),
	}
}

// Mutable reports whether structural and content edits are allowed
func (c *Cube) Mutable() bool { return c.Status == StatusSnapshot }

func (c *Cube) checkMutable() error {
	if !c.Mutable() {
		return &Error{Kind: KindImmutable, Err: ErrCubeImmutable, Cube: c.Identity.String()}
	}
	return nil
}

func (c *Cube) touch() { c.UpdatedAt = time.Now().UTC() }

func (c *Cube) errorf(kind ErrorKind, sentinel error, format string, args ...any) *Error {
	e := Errorf(kind, sentinel, format, args...)
	e.Cube = c.Identity.String()
	return e
}

// ========== Axes ==========

// Axes returns the axes in declaration order. The returned axes must be
// treated as read-only.
func (c *Cube) Axes() []*Axis {
	return append([]*Axis(nil), c.axes...)
}

// Axis finds an axis by name, case-insensitively
func (c *Cube) Axis(name string) *Axis {
	for _, a := range c.axes {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

func (c *Cube) axisByID(id int64) *Axis {
	for _, a := range c.axes {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// AddAxis appends a new axis. Existing cells are remapped onto the new
// axis' default column when it has one, otherwise they are cleared.
func (c *Cube) AddAxis(spec AxisSpec) (*Axis, error) {
	if err := c.checkMutable(); err != nil {
		return nil, err
	}
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return nil, c.errorf(KindInvalid, ErrInvalidArgument, "axis name is required")
	}
	if !spec.Type.Valid() {
		return nil, c.errorf(KindInvalid, ErrInvalidAxisType, "unsupported value type %s", spec.Type)
	}
	if spec.Type == TypeExpression && spec.Sorted {
		return nil, c.errorf(KindInvalid, ErrIncomparableValues, "rule axis %s cannot be sorted", spec.Name)
	}
	if c.Axis(spec.Name) != nil {
		return nil, c.errorf(KindConflict, ErrDuplicateAxisName, "%s", spec.Name)
	}

	a := newAxis(c.nextAxisID, spec)
	c.nextAxisID++
	c.axes = append(c.axes, a)

	old := c.cells
	c.cells = make(map[string]*Cell, len(old))
	if a.defaultCol != nil {
		for key, cell := range old {
			ids := parseKey(key)
			c.cells[CoordinateKey(append(ids, a.defaultCol.ID))] = cell
		}
	}
	c.touch()
	return a, nil
}

// AxisUpdate carries the editable attributes of an axis
type AxisUpdate struct {
	Name       string
	HasDefault bool
	Sorted     bool
	MultiMatch bool
}

// UpdateAxis renames an axis and changes its flags. The cube is left
// unchanged when any part of the update fails.
func (c *Cube) UpdateAxis(orig string, upd AxisUpdate) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	a := c.Axis(orig)
	if a == nil {
		return c.errorf(KindNotFound, ErrAxisNotFound, "%s", orig)
	}
	name := strings.TrimSpace(upd.Name)
	if name == "" {
		name = a.Name
	}
	if other := c.Axis(name); other != nil && other != a {
		e := c.errorf(KindConflict, ErrDuplicateAxisName, "%s", name)
		e.Axis = a.Name
		return e
	}

	work := a.clone()
	work.Name = name
	if upd.MultiMatch != work.MultiMatch {
		if !upd.MultiMatch {
			for i, col := range work.columns {
				for _, other := range work.columns[i+1:] {
					if col.overlaps(other) {
						return c.errorf(KindConflict, ErrDuplicateColumnValue,
							"columns %s and %s overlap", col, other)
					}
				}
			}
		}
		work.MultiMatch = upd.MultiMatch
	}
	if upd.Sorted && !work.Sorted {
		if err := work.sortColumns(); err != nil {
			return err
		}
	}
	work.Sorted = upd.Sorted
	var dropped int64
	if !upd.HasDefault && work.defaultCol != nil {
		dropped = work.defaultCol.ID
	}
	work.setDefault(upd.HasDefault)
	work.reindex()

	for i := range c.axes {
		if c.axes[i] == a {
			c.axes[i] = work
		}
	}
	if dropped != 0 {
		c.pruneColumn(dropped)
	}
	c.touch()
	return nil
}

// DeleteAxis removes an axis with all its columns and every cell whose
// coordinate references it
func (c *Cube) DeleteAxis(name string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	for i, a := range c.axes {
		if strings.EqualFold(a.Name, name) {
			c.axes = append(c.axes[:i], c.axes[i+1:]...)
			for key := range c.cells {
				for _, id := range parseKey(key) {
					if id/ColumnIDBase == a.ID {
						delete(c.cells, key)
						break
					}
				}
			}
			c.touch()
			return nil
		}
	}
	return c.errorf(KindNotFound, ErrAxisNotFound, "%s", name)
}

// ========== Columns ==========

// AddColumn adds a column to the named axis
func (c *Cube) AddColumn(axisName string, col *Column) (*Column, error) {
	if err := c.checkMutable(); err != nil {
		return nil, err
	}
	a := c.Axis(axisName)
	if a == nil {
		return nil, c.errorf(KindNotFound, ErrAxisNotFound, "%s", axisName)
	}
	col = col.clone()
	col.ID = 0
	added, err := a.addColumn(col)
	if err != nil {
		return nil, c.withCube(err)
	}
	c.touch()
	return added, nil
}

// AddColumnText parses text for the axis type and adds the column
func (c *Cube) AddColumnText(axisName, text string) (*Column, error) {
	a := c.Axis(axisName)
	if a == nil {
		return nil, c.errorf(KindNotFound, ErrAxisNotFound, "%s", axisName)
	}
	col, err := ParseColumn(text, a.Type)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Cube: c.Identity.String(), Axis: a.Name, Cause: err}
	}
	return c.AddColumn(axisName, col)
}

// FindColumn locates a column anywhere in the cube by id
func (c *Cube) FindColumn(id int64) (*Axis, *Column) {
	a := c.axisByID(id / ColumnIDBase)
	if a == nil {
		return nil, nil
	}
	col := a.Column(id)
	if col == nil {
		return nil, nil
	}
	return a, col
}

// UpdateColumn changes the coordinate value of an existing column; sibling
// values must stay unique
func (c *Cube) UpdateColumn(id int64, text string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	a, col := c.FindColumn(id)
	if col == nil {
		return c.errorf(KindNotFound, ErrColumnNotFound, "column %d", id)
	}
	if col.IsDefault() {
		return c.errorf(KindInvalid, ErrInvalidArgument, "the default column has no value")
	}
	repl, err := ParseColumn(text, a.Type)
	if err != nil {
		return &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Cube: c.Identity.String(), Axis: a.Name, Cause: err}
	}
	if err := a.updateColumn(id, repl); err != nil {
		return c.withCube(err)
	}
	c.touch()
	return nil
}

// DeleteColumn removes a column and prunes the cells that referenced it
func (c *Cube) DeleteColumn(id int64) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	a, col := c.FindColumn(id)
	if col == nil {
		return c.errorf(KindNotFound, ErrColumnNotFound, "column %d", id)
	}
	a.removeColumn(id)
	c.pruneColumn(id)
	c.touch()
	return nil
}

// ColumnDef is one entry of a bulk column replacement. A zero ID adds a
// new column; a known ID keeps (and possibly re-values) that column.
type ColumnDef struct {
	ID   int64
	Text string
}

// ReplaceColumns swaps the explicit columns of an axis in one step.
// Columns absent from defs are deleted and their cells pruned. Nothing
// changes when any definition is invalid.
func (c *Cube) ReplaceColumns(axisName string, defs []ColumnDef) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	a := c.Axis(axisName)
	if a == nil {
		return c.errorf(KindNotFound, ErrAxisNotFound, "%s", axisName)
	}
	work := a.clone()
	work.columns = nil
	work.reindex()
	keep := make(map[int64]bool, len(defs))
	for _, d := range defs {
		col, err := ParseColumn(d.Text, a.Type)
		if err != nil {
			return &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Cube: c.Identity.String(), Axis: a.Name, Cause: err}
		}
		if d.ID != 0 {
			if a.Column(d.ID) == nil || d.ID == work.defaultColID() {
				return c.errorf(KindNotFound, ErrColumnNotFound, "column %d on axis %s", d.ID, a.Name)
			}
			if keep[d.ID] {
				return c.errorf(KindInvalid, ErrInvalidArgument, "column %d listed twice", d.ID)
			}
			col.ID = d.ID
			keep[d.ID] = true
		}
		if _, err := work.addColumn(col); err != nil {
			return c.withCube(err)
		}
	}
	for i := range c.axes {
		if c.axes[i] == a {
			c.axes[i] = work
		}
	}
	for _, old := range a.columns {
		if !keep[old.ID] {
			c.pruneColumn(old.ID)
		}
	}
	c.touch()
	return nil
}

func (a *Axis) defaultColID() int64 {
	if a.defaultCol == nil {
		return 0
	}
	return a.defaultCol.ID
}

func (c *Cube) pruneColumn(id int64) {
	for key := range c.cells {
		for _, cid := range parseKey(key) {
			if cid == id {
				delete(c.cells, key)
				break
			}
		}
	}
}

func (c *Cube) withCube(err error) error {
	if ce, ok := err.(*Error); ok && ce.Cube == "" {
		ce.Cube = c.Identity.String()
	}
	return err
}

// ========== Cells ==========

// CoordinateKey is the canonical cell key: sorted column ids joined by ','
func CoordinateKey(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var b strings.Builder
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}

func parseKey(key string) []int64 {
	if key == "" {
		return nil
	}
	parts := strings.Split(key, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// checkCoordinate verifies one existing column id per axis
func (c *Cube) checkCoordinate(ids []int64) error {
	if len(ids) != len(c.axes) {
		return c.errorf(KindInvalid, ErrInvalidArgument, "coordinate has %d column ids, cube has %d axes", len(ids), len(c.axes))
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		a, col := c.FindColumn(id)
		if col == nil {
			return c.errorf(KindNotFound, ErrColumnNotFound, "column %d", id)
		}
		if seen[a.ID] {
			e := c.errorf(KindInvalid, ErrInvalidArgument, "two column ids on one axis")
			e.Axis = a.Name
			return e
		}
		seen[a.ID] = true
	}
	return nil
}

// SetCell writes a cell at an explicit coordinate. A nil cell clears it.
func (c *Cube) SetCell(ids []int64, cell *Cell) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if err := c.checkCoordinate(ids); err != nil {
		return err
	}
	key := CoordinateKey(ids)
	if cell == nil {
		delete(c.cells, key)
	} else {
		c.cells[key] = cell.clone()
	}
	c.touch()
	return nil
}

// Cell returns the cell stored at an explicit coordinate
func (c *Cube) Cell(ids []int64) (*Cell, bool) {
	cell, ok := c.cells[CoordinateKey(ids)]
	return cell, ok
}

// CellAt returns the cell stored under a canonical coordinate key
func (c *Cube) CellAt(key string) (*Cell, bool) {
	cell, ok := c.cells[key]
	return cell, ok
}

// SetDefaultCell sets the value returned when no stored cell matches
func (c *Cube) SetDefaultCell(cell *Cell) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	c.defaultCell = cell.clone()
	c.touch()
	return nil
}

func (c *Cube) DefaultCell() *Cell { return c.defaultCell }

func (c *Cube) CellCount() int { return len(c.cells) }

// ClearCells removes every stored cell
func (c *Cube) ClearCells() error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	c.cells = make(map[string]*Cell)
	c.touch()
	return nil
}

// EachCell visits stored cells in key order until fn returns false
func (c *Cube) EachCell(fn func(coord []int64, cell *Cell) bool) {
	keys := make([]string, 0, len(c.cells))
	for k := range c.cells {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(parseKey(k), c.cells[k]) {
			return
		}
	}
}

// ========== Lifecycle ==========

// Clone deep-copies the cube, preserving column ids
func (c *Cube) Clone() *Cube {
	cp := &Cube{
		ID:          c.ID,
		Identity:    c.Identity,
		UpdatedAt:   c.UpdatedAt,
		axes:        make([]*Axis, len(c.axes)),
		cells:       make(map[string]*Cell, len(c.cells)),
		defaultCell: c.defaultCell.clone(),
		nextAxisID:  c.nextAxisID,
	}
	for i, a := range c.axes {
		cp.axes[i] = a.clone()
	}
	for k, cell := range c.cells {
		cp.cells[k] = cell.clone()
	}
	return cp
}

// CloneAs deep-copies the cube under a new identity
func (c *Cube) CloneAs(id Identity) *Cube {
	cp := c.Clone()
	cp.Identity = id
	cp.touch()
	return cp
}

// Validate checks structural invariants: unique axis names, unique column
// ids, and one existing column id per axis in every stored coordinate
func (c *Cube) Validate() error {
	names := make(map[string]bool, len(c.axes))
	ids := make(map[int64]bool)
	for _, a := range c.axes {
		key := strings.ToLower(a.Name)
		if names[key] {
			return c.errorf(KindInvariant, ErrInvariantViolation, "duplicate axis name %s", a.Name)
		}
		names[key] = true
		if a.HasDefault != (a.defaultCol != nil) {
			return c.errorf(KindInvariant, ErrInvariantViolation, "axis %s default flag disagrees with its columns", a.Name)
		}
		for _, col := range a.Columns() {
			if ids[col.ID] || col.AxisID() != a.ID {
				return c.errorf(KindInvariant, ErrInvariantViolation, "axis %s has bad column id %d", a.Name, col.ID)
			}
			ids[col.ID] = true
		}
	}
	for key := range c.cells {
		coord := parseKey(key)
		if err := c.checkCoordinate(coord); err != nil {
			return c.errorf(KindInvariant, ErrInvariantViolation, "cell [%s]: %v", key, err)
		}
	}
	return nil
}

func (c *Cube) String() string {
	return fmt.Sprintf("%s (%d axes, %d cells)", c.Identity, len(c.axes), len(c.cells))
}
