package render

import (
	"image"
	"math"

	"github.com/gogpu/gg"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// composeRotated draws src with its unrotated top-left corner at (x, y),
// turned deg degrees clockwise about its centre.
func composeRotated(dc *gg.Context, src image.Image, x, y, deg, alpha float64) {
	if math.Mod(deg, 360) == 0 {
		dc.DrawImageEx(gg.ImageBufFromImage(src), gg.DrawImageOptions{
			X:       x,
			Y:       y,
			Opacity: alpha,
		})
		return
	}

	sb := src.Bounds()
	w, h := float64(sb.Dx()), float64(sb.Dy())
	sin, cos := math.Sincos(deg * math.Pi / 180)

	dw := int(math.Ceil(math.Abs(w*cos) + math.Abs(h*sin)))
	dh := int(math.Ceil(math.Abs(w*sin) + math.Abs(h*cos)))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	cx, cy := w/2, h/2
	dcx, dcy := float64(dw)/2, float64(dh)/2
	s2d := f64.Aff3{
		cos, -sin, dcx - cos*cx + sin*cy,
		sin, cos, dcy - sin*cx - cos*cy,
	}
	xdraw.BiLinear.Transform(dst, s2d, src, sb, xdraw.Over, nil)

	dc.DrawImageEx(gg.ImageBufFromImage(dst), gg.DrawImageOptions{
		X:       x + cx - dcx,
		Y:       y + cy - dcy,
		Opacity: alpha,
	})
}
