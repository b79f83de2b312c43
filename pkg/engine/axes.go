package engine

import (
	"context"
	"strings"

	"github.com/nainya/cubestore/pkg/cube"
)

func axisDocument(c *cube.Cube, name string) (*cube.AxisDocument, error) {
	for _, ad := range c.Document().Axes {
		if strings.EqualFold(ad.Name, name) {
			ad := ad
			return &ad, nil
		}
	}
	return nil, &cube.Error{Kind: cube.KindNotFound, Err: cube.ErrAxisNotFound, Cube: c.Identity.String(), Axis: name}
}

// AddAxis appends an axis to a SNAPSHOT cube and returns it
func (e *Engine) AddAxis(ctx context.Context, id cube.Identity, spec cube.AxisSpec) (*cube.AxisDocument, error) {
	var out *cube.AxisDocument
	err := e.mutate(ctx, "addAxis", id, func(c *cube.Cube) error {
		a, err := c.AddAxis(spec)
		if err != nil {
			return err
		}
		out, err = axisDocument(c, a.Name)
		return err
	})
	return out, err
}

// GetAxes returns every axis of a cube in declaration order
func (e *Engine) GetAxes(ctx context.Context, id cube.Identity) ([]cube.AxisDocument, error) {
	c, err := e.view(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Document().Axes, nil
}

// GetAxis returns one axis by case-insensitive name
func (e *Engine) GetAxis(ctx context.Context, id cube.Identity, name string) (*cube.AxisDocument, error) {
	c, err := e.view(ctx, id)
	if err != nil {
		return nil, err
	}
	return axisDocument(c, name)
}

// DeleteAxis removes an axis and every cell on it
func (e *Engine) DeleteAxis(ctx context.Context, id cube.Identity, name string) error {
	return e.mutate(ctx, "deleteAxis", id, func(c *cube.Cube) error {
		return c.DeleteAxis(name)
	})
}

// UpdateAxis renames an axis and changes its flags
func (e *Engine) UpdateAxis(ctx context.Context, id cube.Identity, orig string, upd cube.AxisUpdate) error {
	return e.mutate(ctx, "updateAxis", id, func(c *cube.Cube) error {
		return c.UpdateAxis(orig, upd)
	})
}

// AddColumn parses text as a column of the axis and adds it, returning the
// new column id
func (e *Engine) AddColumn(ctx context.Context, id cube.Identity, axis, text string) (int64, error) {
	var colID int64
	err := e.mutate(ctx, "addColumn", id, func(c *cube.Cube) error {
		col, err := c.AddColumnText(axis, text)
		if err != nil {
			return err
		}
		colID = col.ID
		return nil
	})
	return colID, err
}

// DeleteColumn removes a column and prunes its cells
func (e *Engine) DeleteColumn(ctx context.Context, id cube.Identity, columnID int64) error {
	return e.mutate(ctx, "deleteColumn", id, func(c *cube.Cube) error {
		return c.DeleteColumn(columnID)
	})
}

// UpdateColumnCell changes the value of one column, keeping its id
func (e *Engine) UpdateColumnCell(ctx context.Context, id cube.Identity, columnID int64, text string) error {
	return e.mutate(ctx, "updateColumnCell", id, func(c *cube.Cube) error {
		return c.UpdateColumn(columnID, text)
	})
}

// UpdateAxisColumns replaces the explicit columns of an axis in bulk
func (e *Engine) UpdateAxisColumns(ctx context.Context, id cube.Identity, axis string, defs []cube.ColumnDef) error {
	return e.mutate(ctx, "updateAxisColumns", id, func(c *cube.Cube) error {
		return c.ReplaceColumns(axis, defs)
	})
}
