package render

import (
	"image"
	"math"

	"github.com/gogpu/gg"
	"github.com/makeasinger/imagebatch/internal/model"
	"go.uber.org/zap"
)

// Image fit modes
const (
	FitFill    = "fill"
	FitContain = "contain"
	FitCover   = "cover"
	FitNone    = "none"
)

func (r *Renderer) drawImage(f frame, el *model.Element, p *model.ImageProps, b box, alpha float64) {
	src := imageSource(el, p, f.row, f.mapping)
	if src == "" {
		return
	}
	if f.scene.assets == nil {
		return
	}
	img, ok := f.scene.assets.Image(src)
	if !ok {
		r.logger.Debug("Image asset absent, leaving area blank",
			zap.String("element_id", el.ID),
			zap.String("url", src))
		return
	}

	iw, ih := img.Bounds()
	sr := image.Rect(0, 0, iw, ih)
	if p.Crop != nil {
		crop := image.Rect(p.Crop.X, p.Crop.Y, p.Crop.X+p.Crop.Width, p.Crop.Y+p.Crop.Height).Intersect(sr)
		if !crop.Empty() {
			sr = crop
		}
	}

	dst, sr := fitImage(p.Fit, sr, b)
	if dst.w < 1 || dst.h < 1 || sr.Empty() {
		return
	}

	f.dc.DrawImageEx(img, gg.DrawImageOptions{
		X:             dst.x,
		Y:             dst.y,
		DstWidth:      dst.w,
		DstHeight:     dst.h,
		SrcRect:       &sr,
		Interpolation: gg.InterpBilinear,
		Opacity:       alpha,
		BlendMode:     gg.BlendNormal,
	})
}

// fitImage maps the source rectangle sr into b according to fit. It returns
// the destination box and the (possibly narrowed) source rectangle.
func fitImage(fit string, sr image.Rectangle, b box) (box, image.Rectangle) {
	sw, sh := float64(sr.Dx()), float64(sr.Dy())
	if b.w <= 0 || b.h <= 0 {
		return box{x: b.x, y: b.y, w: sw, h: sh}, sr
	}

	switch fit {
	case FitContain:
		s := math.Min(b.w/sw, b.h/sh)
		w, h := sw*s, sh*s
		return box{x: b.x + (b.w-w)/2, y: b.y + (b.h-h)/2, w: w, h: h}, sr
	case FitCover:
		s := math.Max(b.w/sw, b.h/sh)
		cw, ch := b.w/s, b.h/s
		x0 := sr.Min.X + int(math.Round((sw-cw)/2))
		y0 := sr.Min.Y + int(math.Round((sh-ch)/2))
		narrowed := image.Rect(x0, y0, x0+int(math.Round(cw)), y0+int(math.Round(ch))).Intersect(sr)
		return b, narrowed
	case FitNone:
		w, h := math.Min(sw, b.w), math.Min(sh, b.h)
		narrowed := image.Rect(sr.Min.X, sr.Min.Y, sr.Min.X+int(w), sr.Min.Y+int(h))
		return box{x: b.x, y: b.y, w: float64(narrowed.Dx()), h: float64(narrowed.Dy())}, narrowed
	default:
		return b, sr
	}
}
