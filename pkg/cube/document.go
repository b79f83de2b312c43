// ABOUTME: Structured document form of a cube for transport and persistence
// ABOUTME: Round-trips axes, columns (with stable ids), cells and the default cell

package cube

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// Document is the serializable snapshot of a cube
type Document struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	App         string         `json:"app"`
	Version     string         `json:"version"`
	Status      string         `json:"status"`
	SHA         string         `json:"sha,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	NextAxisID  int64          `json:"nextAxisId"`
	Axes        []AxisDocument `json:"axes"`
	Cells       []CellDocument `json:"cells"`
	DefaultCell *CellDocument  `json:"defaultCell,omitempty"`
}

// AxisDocument is the serialized form of an axis
type AxisDocument struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Sorted     bool             `json:"sorted"`
	HasDefault bool             `json:"hasDefault"`
	MultiMatch bool             `json:"multiMatch"`
	NextSeq    int64            `json:"nextSeq"`
	Columns    []ColumnDocument `json:"columns"`
}

// ColumnDocument is the serialized form of a column. The default column
// carries only its id and shape.
type ColumnDocument struct {
	ID        int64   `json:"id"`
	Shape     string  `json:"shape"`
	Value     *Value  `json:"value,omitempty"`
	Low       *Value  `json:"low,omitempty"`
	High      *Value  `json:"high,omitempty"`
	Set       []Value `json:"set,omitempty"`
	Rule      string  `json:"rule,omitempty"`
	Condition string  `json:"condition,omitempty"`
}

// CellDocument is one stored cell; Coordinate is empty for the default cell
type CellDocument struct {
	Coordinate []int64 `json:"coordinate,omitempty"`
	Value      *Value  `json:"value,omitempty"`
	Expr       string  `json:"expr,omitempty"`
}

func cellDocument(coord []int64, cell *Cell) CellDocument {
	d := CellDocument{Coordinate: coord}
	if cell.IsExpression() {
		d.Expr = cell.Expr
	} else {
		v := cell.Value
		d.Value = &v
	}
	return d
}

func (d CellDocument) cell() *Cell {
	if d.Expr != "" {
		return ExpressionCell(d.Expr)
	}
	if d.Value == nil {
		return LiteralCell(Null())
	}
	return LiteralCell(*d.Value)
}

func columnDocument(col *Column) ColumnDocument {
	d := ColumnDocument{ID: col.ID, Shape: col.Shape.String()}
	switch col.Shape {
	case ShapeScalar:
		v := col.Value
		d.Value = &v
	case ShapeRange:
		lo, hi := col.Low, col.High
		d.Low, d.High = &lo, &hi
	case ShapeSet:
		d.Set = append([]Value(nil), col.Set...)
	case ShapeRule:
		d.Rule, d.Condition = col.Rule, col.Condition
	}
	return d
}

func (d ColumnDocument) column() (*Column, error) {
	shape, err := parseShape(d.Shape)
	if err != nil {
		return nil, err
	}
	col := &Column{ID: d.ID, Shape: shape, Rule: d.Rule, Condition: d.Condition}
	switch shape {
	case ShapeScalar:
		if d.Value == nil {
			return nil, fmt.Errorf("%w: column %d has no value", ErrInvalidArgument, d.ID)
		}
		col.Value = *d.Value
	case ShapeRange:
		if d.Low == nil || d.High == nil {
			return nil, fmt.Errorf("%w: column %d needs both bounds", ErrInvalidArgument, d.ID)
		}
		col.Low, col.High = *d.Low, *d.High
	case ShapeSet:
		col.Set = append([]Value(nil), d.Set...)
	}
	return col, nil
}

// Document renders the cube. Cells are listed in coordinate key order.
func (c *Cube) Document() *Document {
	doc := &Document{
		ID:         c.ID,
		Name:       c.Name,
		App:        c.App,
		Version:    c.Version,
		Status:     c.Status.String(),
		UpdatedAt:  c.UpdatedAt,
		NextAxisID: c.nextAxisID,
		Axes:       make([]AxisDocument, 0, len(c.axes)),
		Cells:      make([]CellDocument, 0, len(c.cells)),
	}
	for _, a := range c.axes {
		ad := AxisDocument{
			ID:         a.ID,
			Name:       a.Name,
			Type:       a.Type.String(),
			Sorted:     a.Sorted,
			HasDefault: a.HasDefault,
			MultiMatch: a.MultiMatch,
			NextSeq:    a.nextSeq,
		}
		for _, col := range a.Columns() {
			ad.Columns = append(ad.Columns, columnDocument(col))
		}
		doc.Axes = append(doc.Axes, ad)
	}
	c.EachCell(func(coord []int64, cell *Cell) bool {
		doc.Cells = append(doc.Cells, cellDocument(coord, cell))
		return true
	})
	if c.defaultCell != nil {
		d := cellDocument(nil, c.defaultCell)
		doc.DefaultCell = &d
	}
	doc.SHA = c.SHA()
	return doc
}

// FromDocument rebuilds a cube and checks its invariants. Stored tuples
// that reference missing columns are reported, never repaired.
func FromDocument(doc *Document) (*Cube, error) {
	status, err := ParseStatus(doc.Status)
	if err != nil {
		return nil, err
	}
	c := New(Identity{App: doc.App, Version: doc.Version, Status: status, Name: doc.Name})
	c.ID = doc.ID
	if !doc.UpdatedAt.IsZero() {
		c.UpdatedAt = doc.UpdatedAt
	}

	var maxAxis int64
	for _, ad := range doc.Axes {
		vt, err := ParseValueType(ad.Type)
		if err != nil {
			return nil, err
		}
		a := &Axis{
			ID:         ad.ID,
			Name:       ad.Name,
			Type:       vt,
			Sorted:     ad.Sorted,
			MultiMatch: ad.MultiMatch,
			nextSeq:    ad.NextSeq,
		}
		var maxSeq int64
		for _, cd := range ad.Columns {
			col, err := cd.column()
			if err != nil {
				return nil, &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Cube: c.Identity.String(), Axis: ad.Name, Cause: err}
			}
			if seq := col.ID - a.ID*ColumnIDBase; seq > maxSeq {
				maxSeq = seq
			}
			if col.IsDefault() {
				a.defaultCol = col
				a.HasDefault = true
				continue
			}
			if err := col.coerce(vt); err != nil {
				return nil, &Error{Kind: KindInvalid, Err: ErrInvalidArgument, Cube: c.Identity.String(), Axis: ad.Name, Cause: err}
			}
			a.columns = append(a.columns, col)
		}
		if ad.HasDefault && a.defaultCol == nil {
			a.setDefault(true)
		}
		if a.nextSeq <= maxSeq {
			a.nextSeq = maxSeq + 1
		}
		if a.Sorted {
			if err := a.sortColumns(); err != nil {
				return nil, c.withCube(err)
			}
		}
		a.reindex()
		c.axes = append(c.axes, a)
		if a.ID > maxAxis {
			maxAxis = a.ID
		}
	}
	c.nextAxisID = doc.NextAxisID
	if c.nextAxisID <= maxAxis {
		c.nextAxisID = maxAxis + 1
	}

	for _, cd := range doc.Cells {
		c.cells[CoordinateKey(cd.Coordinate)] = cd.cell()
	}
	if doc.DefaultCell != nil {
		c.defaultCell = doc.DefaultCell.cell()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// hashForm is the content-only projection hashed by SHA. Identity, status
// and timestamps are excluded so copies across versions hash equal.
type hashForm struct {
	Axes        []AxisDocument `json:"axes"`
	Cells       []CellDocument `json:"cells"`
	DefaultCell *CellDocument  `json:"defaultCell,omitempty"`
}

// SHA is the BLAKE3 hash of the cube's content
func (c *Cube) SHA() string {
	form := hashForm{Axes: make([]AxisDocument, 0, len(c.axes)), Cells: make([]CellDocument, 0, len(c.cells))}
	for _, a := range c.axes {
		ad := AxisDocument{
			ID:         a.ID,
			Name:       a.Name,
			Type:       a.Type.String(),
			Sorted:     a.Sorted,
			HasDefault: a.HasDefault,
			MultiMatch: a.MultiMatch,
		}
		for _, col := range a.Columns() {
			ad.Columns = append(ad.Columns, columnDocument(col))
		}
		form.Axes = append(form.Axes, ad)
	}
	c.EachCell(func(coord []int64, cell *Cell) bool {
		form.Cells = append(form.Cells, cellDocument(coord, cell))
		return true
	})
	if c.defaultCell != nil {
		d := cellDocument(nil, c.defaultCell)
		form.DefaultCell = &d
	}
	data, err := json.Marshal(form)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Summary builds the list view of the cube
func (c *Cube) Summary() Summary {
	return Summary{
		ID:        c.ID,
		Name:      c.Name,
		App:       c.App,
		Version:   c.Version,
		Status:    c.Status.String(),
		SHA:       c.SHA(),
		AxisCount: len(c.axes),
		CellCount: len(c.cells),
		UpdatedAt: c.UpdatedAt,
	}
}

// StructurallyEqual compares axes, columns and cells, ignoring identity
func StructurallyEqual(a, b *Cube) bool {
	return a.SHA() == b.SHA()
}
