package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/gg/text"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gomediumitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/gomonobolditalic"
	"golang.org/x/image/font/gofont/gomonoitalic"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	FamilySans = "go"
	FamilyMono = "go mono"
)

type fontStyle struct {
	weight int
	italic bool
}

type family map[fontStyle]*text.FontSource

// Fonts resolves family, weight and style to a parsed font. Sources are
// parsed once and shared by every surface.
type Fonts struct {
	families map[string]family
	aliases  map[string]string
	fallback string
}

// DefaultFonts loads the Go font family as the built-in font set
func DefaultFonts() (*Fonts, error) {
	f := &Fonts{
		families: make(map[string]family),
		aliases: map[string]string{
			"sans-serif": FamilySans,
			"serif":      FamilySans,
			"system-ui":  FamilySans,
			"arial":      FamilySans,
			"helvetica":  FamilySans,
			"inter":      FamilySans,
			"roboto":     FamilySans,
			"monospace":  FamilyMono,
			"courier":    FamilyMono,
		},
		fallback: FamilySans,
	}

	sans := []struct {
		style fontStyle
		data  []byte
	}{
		{fontStyle{400, false}, goregular.TTF},
		{fontStyle{400, true}, goitalic.TTF},
		{fontStyle{500, false}, gomedium.TTF},
		{fontStyle{500, true}, gomediumitalic.TTF},
		{fontStyle{700, false}, gobold.TTF},
		{fontStyle{700, true}, gobolditalic.TTF},
	}
	for _, s := range sans {
		if err := f.add(FamilySans, s.style, s.data); err != nil {
			return nil, err
		}
	}

	mono := []struct {
		style fontStyle
		data  []byte
	}{
		{fontStyle{400, false}, gomono.TTF},
		{fontStyle{400, true}, gomonoitalic.TTF},
		{fontStyle{700, false}, gomonobold.TTF},
		{fontStyle{700, true}, gomonobolditalic.TTF},
	}
	for _, s := range mono {
		if err := f.add(FamilyMono, s.style, s.data); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (f *Fonts) add(name string, style fontStyle, data []byte) error {
	src, err := text.NewFontSource(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s font: %w", name, err)
	}
	fam, ok := f.families[name]
	if !ok {
		fam = make(family)
		f.families[name] = fam
	}
	fam[style] = src
	return nil
}

// Resolve picks the closest available face: exact family or alias, then the
// nearest weight with matching style, then the nearest weight of any style.
func (f *Fonts) Resolve(name, weight, style string) *text.FontSource {
	key := strings.ToLower(strings.TrimSpace(name))
	// CSS font stacks: take the first family we know
	for _, candidate := range strings.Split(key, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"'`)
		if _, ok := f.families[candidate]; ok {
			key = candidate
			break
		}
		if alias, ok := f.aliases[candidate]; ok {
			key = alias
			break
		}
	}
	fam, ok := f.families[key]
	if !ok {
		fam = f.families[f.fallback]
	}

	want := fontStyle{weight: parseWeight(weight), italic: isItalic(style)}
	if src, ok := fam[want]; ok {
		return src
	}

	var best *text.FontSource
	bestScore := -1
	for st, src := range fam {
		score := abs(st.weight - want.weight)
		if st.italic != want.italic {
			score += 1000
		}
		if bestScore < 0 || score < bestScore || (score == bestScore && st.weight < want.weight) {
			best, bestScore = src, score
		}
	}
	return best
}

func parseWeight(w string) int {
	switch strings.ToLower(strings.TrimSpace(w)) {
	case "", "normal", "regular":
		return 400
	case "medium":
		return 500
	case "semibold", "bold", "bolder":
		return 700
	case "light", "lighter", "thin":
		return 300
	}
	n, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 400
	}
	return n
}

func isItalic(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "italic" || s == "oblique"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
