package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ElementKind discriminates the element variants a template may contain
type ElementKind string

const (
	ElementText      ElementKind = "text"
	ElementImage     ElementKind = "image"
	ElementShape     ElementKind = "shape"
	ElementContainer ElementKind = "container"
)

// Base holds the attributes shared by every element kind
type Base struct {
	ID       string      `json:"id"`
	Kind     ElementKind `json:"kind"`
	X        float64     `json:"x"`
	Y        float64     `json:"y"`
	Width    float64     `json:"width"`
	Height   float64     `json:"height"`
	Rotation float64     `json:"rotation,omitempty"` // degrees, clockwise
	Opacity  float64     `json:"opacity,omitempty"`  // 0 means unset
	Hidden   bool        `json:"hidden,omitempty"`
	ZIndex   int         `json:"zIndex"`
	Dynamic  bool        `json:"dynamic,omitempty"`
	Field    string      `json:"field,omitempty"`
}

// Alpha returns the effective opacity in [0, 1]
func (b Base) Alpha() float64 {
	if b.Opacity <= 0 || b.Opacity > 1 {
		return 1
	}
	return b.Opacity
}

// Visible reports whether the element should be drawn at all
func (b Base) Visible() bool {
	return !b.Hidden
}

// Props is implemented by exactly the four element variants below
type Props interface {
	Kind() ElementKind
	props()
}

// Element is one visual unit of a template. Props is one of
// *TextProps, *ImageProps, *ShapeProps or *ContainerProps.
type Element struct {
	Base
	Props Props `json:"-"`
}

type TextProps struct {
	Content       string  `json:"content"`
	FontFamily    string  `json:"fontFamily,omitempty"`
	FontURL       string  `json:"fontUrl,omitempty"`
	FontSize      float64 `json:"fontSize"`
	FontWeight    string  `json:"fontWeight,omitempty"`
	FontStyle     string  `json:"fontStyle,omitempty"`
	Color         string  `json:"color,omitempty"`
	Align         string  `json:"align,omitempty"`
	VerticalAlign string  `json:"verticalAlign,omitempty"`
	LineHeight    float64 `json:"lineHeight,omitempty"`
	Wrap          bool    `json:"wrap,omitempty"`
	Transform     string  `json:"transform,omitempty"`
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ImageProps struct {
	Src  string `json:"src"`
	Fit  string `json:"fit,omitempty"`
	Crop *Rect  `json:"crop,omitempty"`
}

type ShapeProps struct {
	Shape        string  `json:"shape"`
	Fill         string  `json:"fill,omitempty"`
	Stroke       string  `json:"stroke,omitempty"`
	StrokeWidth  float64 `json:"strokeWidth,omitempty"`
	CornerRadius float64 `json:"cornerRadius,omitempty"`
	Path         string  `json:"path,omitempty"`
}

type ContainerProps struct {
	Children   []Element `json:"children"`
	Background string    `json:"background,omitempty"`
	Padding    float64   `json:"padding,omitempty"`
	Layout     string    `json:"layout,omitempty"`
	Gap        float64   `json:"gap,omitempty"`
	Clip       bool      `json:"clip,omitempty"`
}

func (*TextProps) Kind() ElementKind      { return ElementText }
func (*ImageProps) Kind() ElementKind     { return ElementImage }
func (*ShapeProps) Kind() ElementKind     { return ElementShape }
func (*ContainerProps) Kind() ElementKind { return ElementContainer }

func (*TextProps) props()      {}
func (*ImageProps) props()     {}
func (*ShapeProps) props()     {}
func (*ContainerProps) props() {}

// Shape kinds
const (
	ShapeRect    = "rect"
	ShapeEllipse = "ellipse"
	ShapePath    = "path"
)

// Container layouts
const (
	LayoutNone   = "none"
	LayoutRow    = "row"
	LayoutColumn = "column"
)

type elementJSON struct {
	Base
	Props json.RawMessage `json:"props"`
}

// MarshalJSON writes the common attributes flat and the variant under "props"
func (e Element) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Props != nil {
		data, err := json.Marshal(e.Props)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	base := e.Base
	if e.Props != nil {
		base.Kind = e.Props.Kind()
	}
	return json.Marshal(elementJSON{Base: base, Props: raw})
}

// UnmarshalJSON decodes the variant selected by "kind"
func (e *Element) UnmarshalJSON(data []byte) error {
	var raw elementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var props Props
	switch raw.Kind {
	case ElementText:
		props = &TextProps{}
	case ElementImage:
		props = &ImageProps{}
	case ElementShape:
		props = &ShapeProps{}
	case ElementContainer:
		props = &ContainerProps{}
	default:
		return fmt.Errorf("unknown element kind %q", raw.Kind)
	}

	if len(raw.Props) > 0 && string(raw.Props) != "null" {
		if err := json.Unmarshal(raw.Props, props); err != nil {
			return fmt.Errorf("element %s: invalid %s props: %w", raw.ID, raw.Kind, err)
		}
	}

	e.Base = raw.Base
	e.Props = props
	return nil
}

// Template is the immutable input of a batch: canvas plus element tree
type Template struct {
	ID              string    `json:"id,omitempty"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	BackgroundColor string    `json:"backgroundColor,omitempty"`
	Elements        []Element `json:"elements"`
}

// MaxCanvasSize bounds both canvas dimensions. The width and height
// overrides of BatchStartRequest carry the same bound in their validate tags.
const MaxCanvasSize = 8192

var (
	ErrInvalidCanvas  = errors.New("canvas size must be positive")
	ErrCanvasTooLarge = errors.New("canvas size exceeds the maximum")
	ErrMissingField   = errors.New("dynamic element requires a field name")
	ErrMissingProps   = errors.New("element has no props")
	ErrStaticOnlyKind = errors.New("container elements cannot be dynamic")
)

// Validate checks the invariants the renderer relies on
func (t *Template) Validate() error {
	if t == nil {
		return errors.New("template is nil")
	}
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidCanvas, t.Width, t.Height)
	}
	if t.Width > MaxCanvasSize || t.Height > MaxCanvasSize {
		return fmt.Errorf("%w: %dx%d > %d", ErrCanvasTooLarge, t.Width, t.Height, MaxCanvasSize)
	}
	return validateElements(t.Elements)
}

func validateElements(elements []Element) error {
	for i := range elements {
		el := &elements[i]
		if el.Props == nil {
			return fmt.Errorf("element %q: %w", el.ID, ErrMissingProps)
		}
		if el.Kind != "" && el.Kind != el.Props.Kind() {
			return fmt.Errorf("element %q: kind %q does not match props %q", el.ID, el.Kind, el.Props.Kind())
		}
		if el.Dynamic {
			if strings.TrimSpace(el.Field) == "" {
				return fmt.Errorf("element %q: %w", el.ID, ErrMissingField)
			}
			if el.Props.Kind() == ElementContainer {
				return fmt.Errorf("element %q: %w", el.ID, ErrStaticOnlyKind)
			}
		}
		if c, ok := el.Props.(*ContainerProps); ok {
			if err := validateElements(c.Children); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldMapping translates template field names to data set column names
type FieldMapping map[string]string

// Column returns the column bound to field, falling back to the field name itself
func (m FieldMapping) Column(field string) string {
	if col, ok := m[field]; ok && col != "" {
		return col
	}
	return field
}

// Row is one record of the data set, keyed by column name
type Row map[string]string

// Lookup resolves field through mapping and returns the row value
func (r Row) Lookup(field string, mapping FieldMapping) (string, bool) {
	v, ok := r[mapping.Column(field)]
	return v, ok
}
