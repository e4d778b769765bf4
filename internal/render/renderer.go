package render

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/surface"
	"go.uber.org/zap"
)

const DefaultJPEGQuality = 90

var ErrSurfaceSize = errors.New("surface does not match canvas size")

// Options configures a Renderer
type Options struct {
	Format      model.OutputFormat
	JPEGQuality int
	Fonts       *Fonts
	Logger      *zap.Logger
}

// Renderer draws scenes. It holds no per-render state and is safe for
// concurrent use as long as each call gets its own surface.
type Renderer struct {
	format  model.OutputFormat
	quality int
	fonts   *Fonts
	logger  *zap.Logger
}

// New creates a renderer, loading the built-in fonts when none are given
func New(opts Options) (*Renderer, error) {
	format := opts.Format
	switch format {
	case "":
		format = model.FormatPNG
	case model.FormatPNG, model.FormatJPEG:
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}

	quality := opts.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	fonts := opts.Fonts
	if fonts == nil {
		var err error
		fonts, err = DefaultFonts()
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Renderer{
		format:  format,
		quality: quality,
		fonts:   fonts,
		logger:  logger,
	}, nil
}

// Format is the output encoding of every Render call
func (r *Renderer) Format() model.OutputFormat { return r.format }

// faceCache is satisfied by *surface.Surface
type faceCache interface {
	Face(src *text.FontSource, size float64) text.Face
}

// frame is one drawing target of a render: the surface itself or an
// offscreen context used for rotation and clipping.
type frame struct {
	dc      *gg.Context
	faces   faceCache
	scene   *Scene
	row     model.Row
	mapping model.FieldMapping
}

type box struct {
	x, y, w, h float64
}

// Render clears surf to the scene background, draws every visible element in
// z-order with values from row, and returns the encoded image.
func (r *Renderer) Render(surf *surface.Surface, scene *Scene, row model.Row, mapping model.FieldMapping) ([]byte, error) {
	if surf.Width() != scene.Width() || surf.Height() != scene.Height() {
		return nil, fmt.Errorf("%w: surface %dx%d, canvas %dx%d",
			ErrSurfaceSize, surf.Width(), surf.Height(), scene.Width(), scene.Height())
	}

	dc := surf.Context()
	dc.Identity()
	dc.ResetClip()
	dc.ClearPath()
	dc.ClearWithColor(scene.background)

	f := frame{dc: dc, faces: surf, scene: scene, row: row, mapping: mapping}
	for i := range scene.nodes {
		n := &scene.nodes[i]
		if err := r.drawNode(f, n, boxOf(n.el, 0, 0)); err != nil {
			return nil, fmt.Errorf("element %q: %w", n.el.ID, err)
		}
	}

	return r.encode(dc)
}

func (r *Renderer) encode(dc *gg.Context) ([]byte, error) {
	var buf bytes.Buffer
	switch r.format {
	case model.FormatJPEG:
		if err := dc.EncodeJPEG(&buf, r.quality); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	default:
		if err := dc.EncodePNG(&buf); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func boxOf(el *model.Element, ox, oy float64) box {
	return box{x: ox + el.X, y: oy + el.Y, w: el.Width, h: el.Height}
}

func (r *Renderer) drawNode(f frame, n *node, b box) error {
	el := n.el
	if !el.Visible() {
		return nil
	}

	_, isShape := el.Props.(*model.ShapeProps)
	container, isContainer := el.Props.(*model.ContainerProps)
	rotated := math.Mod(el.Rotation, 360) != 0

	if (rotated && !isShape) || (isContainer && container.Clip) {
		return r.drawOffscreen(f, n, b)
	}

	alpha := el.Alpha()
	switch p := el.Props.(type) {
	case *model.TextProps:
		withLayer(f.dc, alpha, func() { r.drawText(f, el, p, b) })
		return nil
	case *model.ImageProps:
		r.drawImage(f, el, p, b, alpha)
		return nil
	case *model.ShapeProps:
		var err error
		withLayer(f.dc, alpha, func() { err = r.drawShape(f, el, p, b) })
		return err
	case *model.ContainerProps:
		var err error
		withLayer(f.dc, alpha, func() { err = r.drawContainer(f, n, p, b) })
		return err
	default:
		return fmt.Errorf("unsupported element kind %q", el.Kind)
	}
}

// drawOffscreen renders n unrotated into a context of its own size, then
// composes the result onto f rotated about the element centre.
func (r *Renderer) drawOffscreen(f frame, n *node, b box) error {
	w, h := int(math.Ceil(b.w)), int(math.Ceil(b.h))
	if w <= 0 || h <= 0 {
		return nil
	}

	off := gg.NewContext(w, h)
	defer off.Close()
	off.Clear()

	inner := f
	inner.dc = off
	local := box{w: b.w, h: b.h}

	var err error
	switch p := n.el.Props.(type) {
	case *model.TextProps:
		r.drawText(inner, n.el, p, local)
	case *model.ImageProps:
		r.drawImage(inner, n.el, p, local, 1)
	case *model.ShapeProps:
		err = r.drawShape(inner, n.el, p, local)
	case *model.ContainerProps:
		err = r.drawContainer(inner, n, p, local)
	}
	if err != nil {
		return err
	}

	composeRotated(f.dc, off.Image(), b.x, b.y, n.el.Rotation, n.el.Alpha())
	return nil
}

// withLayer runs draw inside a compositing layer when alpha is below 1
func withLayer(dc *gg.Context, alpha float64, draw func()) {
	if alpha >= 1 {
		draw()
		return
	}
	dc.PushLayer(gg.BlendNormal, alpha)
	draw()
	dc.PopLayer()
}

func (r *Renderer) drawContainer(f frame, n *node, p *model.ContainerProps, b box) error {
	if p.Background != "" {
		if c, ok := parseColor(p.Background); ok {
			f.dc.SetColor(c.Color())
			f.dc.DrawRectangle(b.x, b.y, b.w, b.h)
			if err := f.dc.Fill(); err != nil {
				return err
			}
		}
	}

	pad := math.Max(p.Padding, 0)
	cx, cy := b.x+pad, b.y+pad
	cursor := 0.0

	for i := range n.children {
		child := &n.children[i]
		if !child.el.Visible() {
			continue
		}
		cb := boxOf(child.el, cx, cy)
		switch p.Layout {
		case model.LayoutRow:
			cb.x = cx + cursor
			cursor += child.el.Width + p.Gap
		case model.LayoutColumn:
			cb.y = cy + cursor
			cursor += child.el.Height + p.Gap
		}
		if err := r.drawNode(f, child, cb); err != nil {
			return fmt.Errorf("element %q: %w", child.el.ID, err)
		}
	}
	return nil
}
