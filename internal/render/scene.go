// Package render rasterizes a prepared template onto a pooled surface for a
// single data row.
package render

import (
	"fmt"
	"sort"

	"github.com/gogpu/gg"
	"github.com/makeasinger/imagebatch/internal/assets"
	"github.com/makeasinger/imagebatch/internal/model"
)

// Scene is a template prepared for repeated rendering: elements are ordered
// by ascending zIndex at every level and the batch asset cache is attached.
// A Scene is read-only and may be shared by concurrent renders.
type Scene struct {
	width      int
	height     int
	background gg.RGBA
	nodes      []node
	assets     *assets.Cache
}

type node struct {
	el       *model.Element
	children []node
}

// Prepare validates tpl and orders its element tree. tpl is not modified.
func Prepare(tpl *model.Template, cache *assets.Cache) (*Scene, error) {
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	bg := gg.White
	if tpl.BackgroundColor != "" {
		c, ok := parseColor(tpl.BackgroundColor)
		if !ok {
			return nil, fmt.Errorf("invalid background color %q", tpl.BackgroundColor)
		}
		bg = c
	}

	return &Scene{
		width:      tpl.Width,
		height:     tpl.Height,
		background: bg,
		nodes:      buildNodes(tpl.Elements),
		assets:     cache,
	}, nil
}

func buildNodes(elements []model.Element) []node {
	nodes := make([]node, len(elements))
	for i := range elements {
		nodes[i] = node{el: &elements[i]}
		if c, ok := elements[i].Props.(*model.ContainerProps); ok {
			nodes[i].children = buildNodes(c.Children)
		}
	}
	sort.SliceStable(nodes, func(a, b int) bool {
		return nodes[a].el.ZIndex < nodes[b].el.ZIndex
	})
	return nodes
}

func (s *Scene) Width() int  { return s.width }
func (s *Scene) Height() int { return s.height }

// Assets returns the cache images and fonts are resolved from; may be nil
func (s *Scene) Assets() *assets.Cache { return s.assets }

// Order returns element ids in draw order, depth first
func (s *Scene) Order() []string {
	var ids []string
	var walk func([]node)
	walk = func(nodes []node) {
		for _, n := range nodes {
			ids = append(ids, n.el.ID)
			walk(n.children)
		}
	}
	walk(s.nodes)
	return ids
}

// AssetURLs returns every unique image and font URL the scene can reference
// across rows, in first-seen order. Dynamic image sources are resolved per
// row; the static source is included only when some row falls back to it.
func AssetURLs(s *Scene, rows []model.Row, mapping model.FieldMapping) []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	var walk func([]node)
	walk = func(nodes []node) {
		for _, n := range nodes {
			el := n.el
			switch p := el.Props.(type) {
			case *model.ImageProps:
				if !el.Dynamic {
					add(p.Src)
					continue
				}
				for _, row := range rows {
					add(imageSource(el, p, row, mapping))
				}
			case *model.TextProps:
				add(p.FontURL)
			case *model.ContainerProps:
				walk(n.children)
			}
		}
	}
	walk(s.nodes)
	return urls
}
