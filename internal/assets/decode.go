package assets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrUnsupportedType = errors.New("unsupported asset type")

// decode sniffs the payload rather than trusting the declared type, since
// object stores frequently serve application/octet-stream.
func decode(data []byte, declared string) (*Entry, error) {
	if len(data) == 0 {
		return nil, errors.New("empty asset payload")
	}

	mt := mimetype.Detect(data)
	entry := &Entry{
		ContentType: mt.String(),
		Size:        len(data),
	}

	switch {
	case mt.Is("font/ttf"), mt.Is("font/otf"), mt.Is("font/collection"):
		src, err := text.NewFontSource(data)
		if err != nil {
			return nil, fmt.Errorf("parse font: %w", err)
		}
		entry.Font = src
	case strings.HasPrefix(mt.String(), "image/") && !mt.Is("image/svg+xml"):
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", mt.String(), err)
		}
		entry.Image = gg.ImageBufFromImage(img)
	default:
		return nil, fmt.Errorf("%w: detected %s, declared %q", ErrUnsupportedType, mt.String(), declared)
	}
	return entry, nil
}
