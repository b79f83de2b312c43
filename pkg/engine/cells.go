package engine

import (
	"context"

	"github.com/nainya/cubestore/pkg/cube"
)

// UpdateCell writes the cell at an explicit coordinate, bypassing scope
// resolution. Text starting with '=' is stored as a formula; empty text or
// "null" clears the cell.
func (e *Engine) UpdateCell(ctx context.Context, id cube.Identity, columnIDs []int64, text string) error {
	cell := cube.ParseCellText(text)
	return e.mutate(ctx, "updateCell", id, func(c *cube.Cube) error {
		return c.SetCell(columnIDs, cell)
	})
}

// SetCellAt resolves scope to a single coordinate and writes the cell
// there. Multi-match axes do not fan out: the first match is used.
func (e *Engine) SetCellAt(ctx context.Context, id cube.Identity, scope cube.Scope, text string) ([]int64, error) {
	cell := cube.ParseCellText(text)
	var coord []int64
	err := e.mutate(ctx, "setCellAt", id, func(c *cube.Cube) error {
		ids, err := c.Locate(scope, cube.ResolveOptions{})
		if err != nil {
			return err
		}
		coord = ids
		return c.SetCell(ids, cell)
	})
	return coord, err
}

// SetDefaultCell sets the cell returned when a scope matches no stored cell
func (e *Engine) SetDefaultCell(ctx context.Context, id cube.Identity, text string) error {
	cell := cube.ParseCellText(text)
	return e.mutate(ctx, "setDefaultCell", id, func(c *cube.Cube) error {
		return c.SetDefaultCell(cell)
	})
}

// GetCell returns the text form of the cell stored at an explicit
// coordinate
func (e *Engine) GetCell(ctx context.Context, id cube.Identity, columnIDs []int64) (string, error) {
	c, err := e.view(ctx, id)
	if err != nil {
		return "", err
	}
	cell, ok := c.Cell(columnIDs)
	if !ok {
		return "", &cube.Error{
			Kind:   cube.KindNotFound,
			Err:    cube.ErrCellNotFound,
			Cube:   c.Identity.String(),
			Detail: "[" + cube.CoordinateKey(columnIDs) + "]",
		}
	}
	return cell.Text(), nil
}
