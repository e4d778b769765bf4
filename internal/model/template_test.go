package model

import (
	"errors"
	"testing"
)

func TestTemplateValidateCanvas(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		want error
	}{
		{"ok", 200, 100, nil},
		{"largest", MaxCanvasSize, MaxCanvasSize, nil},
		{"zero width", 0, 100, ErrInvalidCanvas},
		{"negative height", 100, -1, ErrInvalidCanvas},
		{"too wide", MaxCanvasSize + 1, 100, ErrCanvasTooLarge},
		{"huge", 200000, 200000, ErrCanvasTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := &Template{Width: tt.w, Height: tt.h}
			err := tpl.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTemplateValidateElements(t *testing.T) {
	tests := []struct {
		name string
		el   Element
		want error
	}{
		{"dynamic without field", Element{Base: Base{ID: "a", Kind: ElementText, Dynamic: true}, Props: &TextProps{}}, ErrMissingField},
		{"no props", Element{Base: Base{ID: "b", Kind: ElementText}}, ErrMissingProps},
		{"dynamic container", Element{Base: Base{ID: "c", Kind: ElementContainer, Dynamic: true, Field: "x"}, Props: &ContainerProps{}}, ErrStaticOnlyKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := &Template{Width: 10, Height: 10, Elements: []Element{tt.el}}
			if err := tpl.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
