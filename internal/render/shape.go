package render

import (
	"fmt"
	"math"

	"github.com/makeasinger/imagebatch/internal/model"
)

func (r *Renderer) drawShape(f frame, el *model.Element, p *model.ShapeProps, b box) error {
	var segs []segment
	switch p.Shape {
	case model.ShapeRect, model.ShapeEllipse:
	case model.ShapePath:
		var err error
		if segs, err = parsePath(p.Path); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown shape %q", p.Shape)
	}

	dc := f.dc
	if el.Rotation != 0 {
		dc.Push()
		defer dc.Pop()
		dc.RotateAbout(el.Rotation*math.Pi/180, b.x+b.w/2, b.y+b.h/2)
	}

	trace := func() {
		switch p.Shape {
		case model.ShapeRect:
			if p.CornerRadius > 0 {
				dc.DrawRoundedRectangle(b.x, b.y, b.w, b.h, math.Min(p.CornerRadius, math.Min(b.w, b.h)/2))
			} else {
				dc.DrawRectangle(b.x, b.y, b.w, b.h)
			}
		case model.ShapeEllipse:
			dc.DrawEllipse(b.x+b.w/2, b.y+b.h/2, b.w/2, b.h/2)
		case model.ShapePath:
			appendPath(dc, segs, b.x, b.y)
		}
	}
	defer dc.ClearPath()

	if fill, ok := parseColor(shapeFill(el, p, f.row, f.mapping)); ok && fill.A > 0 {
		trace()
		dc.SetColor(fill.Color())
		if err := dc.Fill(); err != nil {
			return fmt.Errorf("fill: %w", err)
		}
	}

	if stroke, ok := parseColor(p.Stroke); ok && p.StrokeWidth > 0 {
		trace()
		dc.SetColor(stroke.Color())
		dc.SetLineWidth(p.StrokeWidth)
		err := dc.Stroke()
		dc.SetLineWidth(1)
		if err != nil {
			return fmt.Errorf("stroke: %w", err)
		}
	}
	return nil
}
