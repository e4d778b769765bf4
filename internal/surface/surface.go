// Package surface provides a fixed-size pool of reusable drawing surfaces
// sized to a template canvas.
package surface

import (
	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
)

type faceKey struct {
	source *text.FontSource
	size   float64
}

// Surface is one reusable drawing target. It is owned by at most one render
// at a time; nothing on it is safe for concurrent use.
type Surface struct {
	id     int
	pool   *Pool
	dc     *gg.Context
	width  int
	height int
	faces  map[faceKey]text.Face
}

func newSurface(id, width, height int) *Surface {
	return &Surface{
		id:     id,
		dc:     gg.NewContext(width, height),
		width:  width,
		height: height,
		faces:  make(map[faceKey]text.Face),
	}
}

// ID identifies the pool slot the surface occupies
func (s *Surface) ID() int { return s.id }

// Context returns the drawing context backing the surface
func (s *Surface) Context() *gg.Context { return s.dc }

func (s *Surface) Width() int  { return s.width }
func (s *Surface) Height() int { return s.height }

// Face returns a face of src at size, reusing faces already built on this surface
func (s *Surface) Face(src *text.FontSource, size float64) text.Face {
	key := faceKey{source: src, size: size}
	if f, ok := s.faces[key]; ok {
		return f
	}
	f := src.Face(size)
	s.faces[key] = f
	return f
}

// Reset returns the drawing state to that of a freshly created surface:
// identity transform, no clip, mask, dash or path, transparent pixels.
func (s *Surface) Reset() {
	dc := s.dc
	dc.Identity()
	dc.ResetClip()
	dc.ClearMask()
	dc.ClearDash()
	dc.ClearPath()
	dc.SetLineWidth(1)
	dc.SetFillRule(gg.FillRuleNonZero)
	dc.SetColor(gg.Black.Color())
	dc.Clear()
}

func (s *Surface) close() error {
	s.faces = nil
	return s.dc.Close()
}
