// ABOUTME: Tests for axis, column and cell mutations on a cube
// ABOUTME: Covers duplicate checks, immutability, pruning and document round-trips

package cube

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCube(t *testing.T) *Cube {
	t.Helper()
	c := New(Identity{App: "Acme", Version: "1.0.0", Name: "Rates"})
	_, err := c.AddAxis(AxisSpec{Name: "Age", Type: TypeLong, Sorted: true})
	require.NoError(t, err)
	_, err = c.AddAxis(AxisSpec{Name: "Region", Type: TypeString, HasDefault: true})
	require.NoError(t, err)
	for _, text := range []string{"[0, 18)", "[18, 65)", "[65, 200)"} {
		_, err := c.AddColumnText("Age", text)
		require.NoError(t, err)
	}
	for _, text := range []string{"East", "West"} {
		_, err := c.AddColumnText("region", text)
		require.NoError(t, err)
	}
	return c
}

func ids(t *testing.T, c *Cube, values map[string]string) []int64 {
	t.Helper()
	var out []int64
	for axis, text := range values {
		a := c.Axis(axis)
		require.NotNil(t, a, axis)
		col := a.FindByText(text)
		require.NotNil(t, col, "%s=%s", axis, text)
		out = append(out, col.ID)
	}
	return out
}

func TestAddAxisDuplicateName(t *testing.T) {
	c := newTestCube(t)

	_, err := c.AddAxis(AxisSpec{Name: "AGE", Type: TypeString})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateAxisName)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Len(t, c.Axes(), 2)
}

func TestAddAxisInvalidType(t *testing.T) {
	c := New(Identity{App: "Acme", Version: "1.0.0", Name: "X"})

	_, err := c.AddAxis(AxisSpec{Name: "Bad", Type: ValueType(99)})
	assert.ErrorIs(t, err, ErrInvalidAxisType)

	_, err = ParseValueType("BLOB")
	assert.ErrorIs(t, err, ErrInvalidAxisType)
}

func TestAddAxisRemapsCellsOntoDefault(t *testing.T) {
	c := newTestCube(t)
	coord := ids(t, c, map[string]string{"Age": "30", "Region": "East"})
	require.NoError(t, c.SetCell(coord, LiteralCell(Long(7))))

	a, err := c.AddAxis(AxisSpec{Name: "Plan", Type: TypeString, HasDefault: true})
	require.NoError(t, err)

	cell, ok := c.Cell(append(coord, a.DefaultColumn().ID))
	require.True(t, ok)
	assert.True(t, cell.Value.Equal(Long(7)))
	require.NoError(t, c.Validate())

	_, err = c.AddAxis(AxisSpec{Name: "Tier", Type: TypeString})
	require.NoError(t, err)
	assert.Zero(t, c.CellCount())
}

func TestUpdateAxisRenameCollisionLeavesStateUnchanged(t *testing.T) {
	c := newTestCube(t)
	before := c.SHA()

	err := c.UpdateAxis("Age", AxisUpdate{Name: "Region", Sorted: false, HasDefault: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateAxisName)

	assert.Equal(t, before, c.SHA())
	age := c.Axis("Age")
	require.NotNil(t, age)
	assert.True(t, age.Sorted)
	assert.False(t, age.HasDefault)
}

func TestUpdateAxisNotFound(t *testing.T) {
	c := newTestCube(t)
	err := c.UpdateAxis("Nope", AxisUpdate{Name: "X"})
	assert.ErrorIs(t, err, ErrAxisNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestUpdateAxisSortIncomparable(t *testing.T) {
	c := New(Identity{App: "Acme", Version: "1.0.0", Name: "Mixed"})
	_, err := c.AddAxis(AxisSpec{Name: "Key", Type: TypeComparable})
	require.NoError(t, err)
	_, err = c.AddColumnText("Key", "10")
	require.NoError(t, err)
	_, err = c.AddColumnText("Key", "abc")
	require.NoError(t, err)

	err = c.UpdateAxis("Key", AxisUpdate{Name: "Key", Sorted: true})
	assert.ErrorIs(t, err, ErrIncomparableValues)
	assert.False(t, c.Axis("Key").Sorted)
}

func TestUpdateAxisSortReordersColumns(t *testing.T) {
	c := New(Identity{App: "Acme", Version: "1.0.0", Name: "Sizes"})
	_, err := c.AddAxis(AxisSpec{Name: "Size", Type: TypeLong})
	require.NoError(t, err)
	for _, text := range []string{"30", "10", "20"} {
		_, err := c.AddColumnText("Size", text)
		require.NoError(t, err)
	}

	require.NoError(t, c.UpdateAxis("Size", AxisUpdate{Name: "Size", Sorted: true}))

	var got []string
	for _, col := range c.Axis("Size").Columns() {
		got = append(got, col.Text())
	}
	assert.Equal(t, []string{"10", "20", "30"}, got)
}

func TestUpdateAxisDropDefaultPrunesCells(t *testing.T) {
	c := newTestCube(t)
	region := c.Axis("Region")
	age := c.Axis("Age").FindByText("5")
	require.NoError(t, c.SetCell([]int64{age.ID, region.DefaultColumn().ID}, LiteralCell(String("x"))))
	require.Equal(t, 1, c.CellCount())

	require.NoError(t, c.UpdateAxis("Region", AxisUpdate{Name: "Area", HasDefault: false}))

	assert.Nil(t, c.Axis("Region"))
	assert.NotNil(t, c.Axis("area"))
	assert.Zero(t, c.CellCount())
	require.NoError(t, c.Validate())
}

func TestDeleteAxisClearsCells(t *testing.T) {
	c := newTestCube(t)
	require.NoError(t, c.SetCell(ids(t, c, map[string]string{"Age": "1", "Region": "West"}), LiteralCell(Long(1))))

	require.NoError(t, c.DeleteAxis("region"))
	assert.Len(t, c.Axes(), 1)
	assert.Zero(t, c.CellCount())

	assert.ErrorIs(t, c.DeleteAxis("region"), ErrAxisNotFound)
}

func TestDuplicateColumnValue(t *testing.T) {
	c := newTestCube(t)

	_, err := c.AddColumnText("Region", "East")
	assert.ErrorIs(t, err, ErrDuplicateColumnValue)

	_, err = c.AddColumnText("Age", "[60, 70)")
	assert.ErrorIs(t, err, ErrDuplicateColumnValue, "overlapping range on single-match axis")

	west := c.Axis("Region").FindByText("West")
	err = c.UpdateColumn(west.ID, "East")
	assert.ErrorIs(t, err, ErrDuplicateColumnValue)
	assert.Equal(t, "West", c.Axis("Region").Column(west.ID).Text())
}

func TestLargeLongColumnsStayDistinct(t *testing.T) {
	const big = int64(1) << 53
	assert.False(t, Long(big).Equal(Long(big+1)))
	assert.True(t, Long(big).Equal(Long(big)))
	assert.True(t, Long(3).Equal(Double(3)))

	c := New(Identity{App: "Acme", Version: "1.0.0", Name: "Accounts"})
	_, err := c.AddAxis(AxisSpec{Name: "AccountID", Type: TypeLong})
	require.NoError(t, err)
	_, err = c.AddColumnText("AccountID", "9007199254740992")
	require.NoError(t, err)
	if _, err := c.AddColumnText("AccountID", "9007199254740993"); err != nil {
		t.Fatalf("adjacent large ids must not collide: %v", err)
	}
	assert.Len(t, c.Axis("AccountID").Columns(), 2)
}

func TestParseColumnRejectsClosedRange(t *testing.T) {
	_, err := ParseColumn("[18, 65]", TypeLong)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	col, err := ParseColumn("[18, 65)", TypeLong)
	require.NoError(t, err)
	assert.Equal(t, "[18, 65)", col.Text())

	c := newTestCube(t)
	_, err = c.AddColumnText("Age", "[80, 90]")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUpdateColumnKeepsID(t *testing.T) {
	c := newTestCube(t)
	west := c.Axis("Region").FindByText("West")
	coord := ids(t, c, map[string]string{"Age": "20", "Region": "West"})
	require.NoError(t, c.SetCell(coord, LiteralCell(Long(3))))

	require.NoError(t, c.UpdateColumn(west.ID, "North"))

	col := c.Axis("Region").FindByText("North")
	require.NotNil(t, col)
	assert.Equal(t, west.ID, col.ID)
	_, ok := c.Cell(coord)
	assert.True(t, ok)

	assert.ErrorIs(t, c.UpdateColumn(999, "x"), ErrColumnNotFound)
}

func TestDeleteColumnPrunesCellsAndNeverReusesIDs(t *testing.T) {
	c := newTestCube(t)
	east := c.Axis("Region").FindByText("East")
	require.NoError(t, c.SetCell(ids(t, c, map[string]string{"Age": "20", "Region": "East"}), LiteralCell(Long(1))))
	require.NoError(t, c.SetCell(ids(t, c, map[string]string{"Age": "20", "Region": "West"}), LiteralCell(Long(2))))

	require.NoError(t, c.DeleteColumn(east.ID))
	assert.Equal(t, 1, c.CellCount())

	added, err := c.AddColumnText("Region", "East")
	require.NoError(t, err)
	assert.NotEqual(t, east.ID, added.ID)
	assert.Equal(t, c.Axis("Region").ID, added.AxisID())
}

func TestReplaceColumns(t *testing.T) {
	c := newTestCube(t)
	region := c.Axis("Region")
	east := region.FindByText("East")
	west := region.FindByText("West")
	require.NoError(t, c.SetCell(ids(t, c, map[string]string{"Age": "20", "Region": "East"}), LiteralCell(Long(1))))
	require.NoError(t, c.SetCell(ids(t, c, map[string]string{"Age": "20", "Region": "West"}), LiteralCell(Long(2))))

	err := c.ReplaceColumns("Region", []ColumnDef{{ID: east.ID, Text: "Eastern"}, {Text: "South"}})
	require.NoError(t, err)

	region = c.Axis("Region")
	assert.Equal(t, 3, region.Len())
	assert.Equal(t, east.ID, region.FindByText("Eastern").ID)
	assert.Nil(t, region.Column(west.ID))
	assert.Equal(t, 1, c.CellCount())

	err = c.ReplaceColumns("Region", []ColumnDef{{Text: "A"}, {Text: "A"}})
	assert.ErrorIs(t, err, ErrDuplicateColumnValue)
	assert.Equal(t, 3, c.Axis("Region").Len(), "failed replace leaves axis unchanged")
}

func TestReleaseCubeIsImmutable(t *testing.T) {
	c := newTestCube(t)
	c.Status = StatusRelease

	_, err := c.AddAxis(AxisSpec{Name: "X", Type: TypeString})
	assertImmutable(t, err)
	assertImmutable(t, c.DeleteAxis("Age"))
	assertImmutable(t, c.UpdateAxis("Age", AxisUpdate{Name: "Years"}))
	_, err = c.AddColumnText("Region", "North")
	assertImmutable(t, err)
	assertImmutable(t, c.SetCell(nil, LiteralCell(Long(1))))
	assertImmutable(t, c.SetDefaultCell(LiteralCell(Long(1))))
	assert.Len(t, c.Axes(), 2)
}

func assertImmutable(t *testing.T, err error) {
	t.Helper()
	assert.ErrorIs(t, err, ErrCubeImmutable)
	assert.Equal(t, KindImmutable, KindOf(err))
}

func TestSetCellRejectsBadCoordinates(t *testing.T) {
	c := newTestCube(t)
	age := c.Axis("Age").FindByText("1")

	err := c.SetCell([]int64{age.ID}, LiteralCell(Long(1)))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = c.SetCell([]int64{age.ID, age.ID + 1}, LiteralCell(Long(1)))
	assert.ErrorIs(t, err, ErrInvalidArgument, "two ids on the same axis")

	err = c.SetCell([]int64{age.ID, 2*ColumnIDBase + 77}, LiteralCell(Long(1)))
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestCloneIsDeep(t *testing.T) {
	c := newTestCube(t)
	coord := ids(t, c, map[string]string{"Age": "70", "Region": "East"})
	require.NoError(t, c.SetCell(coord, LiteralCell(Double(1.5))))

	cp := c.CloneAs(Identity{App: "Acme", Version: "2.0.0", Status: StatusSnapshot, Name: "Rates"})
	require.NoError(t, cp.SetCell(coord, LiteralCell(Double(9))))
	_, err := cp.AddColumnText("Region", "North")
	require.NoError(t, err)

	cell, _ := c.Cell(coord)
	assert.True(t, cell.Value.Equal(Double(1.5)))
	assert.Equal(t, 3, c.Axis("Region").Len())
}

func TestDocumentRoundTrip(t *testing.T) {
	c := newTestCube(t)
	_, err := c.AddAxis(AxisSpec{Name: "Tier", Type: TypeExpression, MultiMatch: true, HasDefault: true})
	require.NoError(t, err)
	_, err = c.AddColumnText("Tier", "gold: input.spend > 1000")
	require.NoError(t, err)
	coord := ids(t, c, map[string]string{"Age": "30", "Region": "West", "Tier": "gold"})
	require.NoError(t, c.SetCell(coord, ExpressionCell("input.spend * 0.1")))
	require.NoError(t, c.SetDefaultCell(LiteralCell(String("n/a"))))

	data, err := json.Marshal(c.Document())
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	back, err := FromDocument(&doc)
	require.NoError(t, err)

	assert.True(t, StructurallyEqual(c, back))
	assert.True(t, back.Identity.Same(c.Identity))
	cell, ok := back.Cell(coord)
	require.True(t, ok)
	assert.Equal(t, "input.spend * 0.1", cell.Expr)

	// ids keep advancing after a reload
	added, err := back.AddColumnText("Region", "North")
	require.NoError(t, err)
	for _, col := range c.Axis("Region").Columns() {
		assert.NotEqual(t, col.ID, added.ID)
	}
}

func TestFromDocumentReportsStaleCoordinates(t *testing.T) {
	c := newTestCube(t)
	doc := c.Document()
	doc.Cells = append(doc.Cells, CellDocument{Coordinate: []int64{ColumnIDBase + 99, 2*ColumnIDBase + 1}, Value: ptr(Long(1))})

	_, err := FromDocument(doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Equal(t, KindInvariant, KindOf(err))
}

func TestSHAIgnoresIdentity(t *testing.T) {
	c := newTestCube(t)
	cp := c.CloneAs(Identity{App: "Other", Version: "9.9.9", Name: "Copy"})
	assert.Equal(t, c.SHA(), cp.SHA())

	require.NoError(t, cp.SetDefaultCell(LiteralCell(Long(1))))
	assert.NotEqual(t, c.SHA(), cp.SHA())
}

func ptr(v Value) *Value { return &v }
