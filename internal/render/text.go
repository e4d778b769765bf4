package render

import (
	"strings"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"github.com/makeasinger/imagebatch/internal/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultFontSize   = 16
	defaultLineHeight = 1.2
)

func (r *Renderer) face(f frame, p *model.TextProps) text.Face {
	size := p.FontSize
	if size <= 0 {
		size = defaultFontSize
	}

	var src *text.FontSource
	if p.FontURL != "" && f.scene.assets != nil {
		if custom, ok := f.scene.assets.Font(p.FontURL); ok {
			src = custom
		}
	}
	if src == nil {
		src = r.fonts.Resolve(p.FontFamily, p.FontWeight, p.FontStyle)
	}
	return f.faces.Face(src, size)
}

func applyTransform(s, transform string) string {
	switch strings.ToLower(transform) {
	case "uppercase", "upper":
		return cases.Upper(language.Und).String(s)
	case "lowercase", "lower":
		return cases.Lower(language.Und).String(s)
	case "title", "capitalize":
		return cases.Title(language.Und).String(s)
	}
	return s
}

// layoutLines splits content on newlines and, when wrapping, on width
func layoutLines(content string, face text.Face, width float64, wrap bool) []string {
	var lines []string
	for _, para := range strings.Split(content, "\n") {
		if !wrap || width <= 0 || para == "" {
			lines = append(lines, para)
			continue
		}
		for _, l := range text.WrapText(para, face, width, text.WrapWordChar) {
			lines = append(lines, strings.TrimRight(l.Text, " "))
		}
	}
	return lines
}

func (r *Renderer) drawText(f frame, el *model.Element, p *model.TextProps, b box) {
	content := textContent(el, p, f.row, f.mapping)
	content = norm.NFC.String(applyTransform(content, p.Transform))
	if strings.TrimSpace(content) == "" {
		return
	}

	face := r.face(f, p)
	m := face.Metrics()
	lineHeight := m.LineHeight()
	if p.LineHeight > 0 {
		lineHeight = p.LineHeight * face.Size()
	} else if lineHeight <= 0 {
		lineHeight = defaultLineHeight * face.Size()
	}

	lines := layoutLines(content, face, b.w, p.Wrap)
	blockHeight := lineHeight * float64(len(lines))

	top := b.y
	switch p.VerticalAlign {
	case "middle", "center":
		top = b.y + (b.h-blockHeight)/2
	case "bottom":
		top = b.y + b.h - blockHeight
	}

	col, ok := parseColor(p.Color)
	if !ok {
		col = gg.Black
	}
	f.dc.SetFont(face)
	f.dc.SetColor(col.Color())

	// centre the glyph box inside each line box
	baselineOffset := (lineHeight-(m.Ascent+m.Descent))/2 + m.Ascent
	for i, line := range lines {
		if line == "" {
			continue
		}
		x := b.x
		switch p.Align {
		case "center":
			x = b.x + (b.w-face.Advance(line))/2
		case "right":
			x = b.x + b.w - face.Advance(line)
		}
		f.dc.DrawString(line, x, top+float64(i)*lineHeight+baselineOffset)
	}
}
