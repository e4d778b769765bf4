package render

import (
	"strings"

	"github.com/gogpu/gg"
)

var namedColors = map[string]gg.RGBA{
	"black":       gg.Black,
	"white":       gg.White,
	"red":         gg.RGB(1, 0, 0),
	"green":       gg.RGB(0, 0.5, 0),
	"blue":        gg.RGB(0, 0, 1),
	"yellow":      gg.RGB(1, 1, 0),
	"gray":        gg.RGB(0.5, 0.5, 0.5),
	"grey":        gg.RGB(0.5, 0.5, 0.5),
	"transparent": gg.Transparent,
}

// parseColor accepts #rgb, #rgba, #rrggbb, #rrggbbaa and a few CSS names
func parseColor(s string) (gg.RGBA, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return gg.RGBA{}, false
	}
	if c, ok := namedColors[s]; ok {
		return c, true
	}
	if s[0] != '#' {
		return gg.RGBA{}, false
	}
	hex := s[1:]
	switch len(hex) {
	case 3, 4, 6, 8:
	default:
		return gg.RGBA{}, false
	}
	for i := 0; i < len(hex); i++ {
		c := hex[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return gg.RGBA{}, false
		}
	}
	return gg.Hex(hex), true
}
