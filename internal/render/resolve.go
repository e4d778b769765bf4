package render

import (
	"strings"

	"github.com/makeasinger/imagebatch/internal/model"
)

// textContent returns the row value for a dynamic text element, or the
// static content when the row has no value for its field.
func textContent(el *model.Element, p *model.TextProps, row model.Row, mapping model.FieldMapping) string {
	if el.Dynamic {
		if v, ok := row.Lookup(el.Field, mapping); ok {
			return v
		}
	}
	return p.Content
}

func imageSource(el *model.Element, p *model.ImageProps, row model.Row, mapping model.FieldMapping) string {
	if el.Dynamic {
		if v, ok := row.Lookup(el.Field, mapping); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return p.Src
}

// shapeFill lets a dynamic shape take its fill color from the row
func shapeFill(el *model.Element, p *model.ShapeProps, row model.Row, mapping model.FieldMapping) string {
	if el.Dynamic {
		if v, ok := row.Lookup(el.Field, mapping); ok {
			if _, valid := parseColor(v); valid {
				return v
			}
		}
	}
	return p.Fill
}
