package render

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gogpu/gg"
)

var ErrInvalidPath = errors.New("invalid path data")

type segment struct {
	op  byte // M, L, Q, C or Z
	pts []float64
}

// parsePath reads the SVG path subset M L H V Q C Z, absolute and relative,
// and returns absolute segments using only M, L, Q, C and Z.
func parsePath(d string) ([]segment, error) {
	p := pathScanner{s: d}
	var (
		segs           []segment
		cmd            byte
		cx, cy         float64
		startX, startY float64
	)

	for {
		p.skipSeparators()
		if p.done() {
			break
		}
		if c := p.peek(); isCommand(c) {
			cmd = c
			p.i++
		} else if cmd == 0 {
			return nil, fmt.Errorf("%w: expected command at offset %d", ErrInvalidPath, p.i)
		}

		rel := cmd >= 'a'
		switch cmd {
		case 'M', 'm':
			x, y, err := p.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x, y = x+cx, y+cy
			}
			segs = append(segs, segment{op: 'M', pts: []float64{x, y}})
			cx, cy, startX, startY = x, y, x, y
			// subsequent pairs are implicit lineto
			if rel {
				cmd = 'l'
			} else {
				cmd = 'L'
			}
		case 'L', 'l':
			x, y, err := p.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x, y = x+cx, y+cy
			}
			segs = append(segs, segment{op: 'L', pts: []float64{x, y}})
			cx, cy = x, y
		case 'H', 'h':
			x, err := p.number()
			if err != nil {
				return nil, err
			}
			if rel {
				x += cx
			}
			segs = append(segs, segment{op: 'L', pts: []float64{x, cy}})
			cx = x
		case 'V', 'v':
			y, err := p.number()
			if err != nil {
				return nil, err
			}
			if rel {
				y += cy
			}
			segs = append(segs, segment{op: 'L', pts: []float64{cx, y}})
			cy = y
		case 'Q', 'q':
			pts, err := p.numbers(4)
			if err != nil {
				return nil, err
			}
			if rel {
				offset(pts, cx, cy)
			}
			segs = append(segs, segment{op: 'Q', pts: pts})
			cx, cy = pts[2], pts[3]
		case 'C', 'c':
			pts, err := p.numbers(6)
			if err != nil {
				return nil, err
			}
			if rel {
				offset(pts, cx, cy)
			}
			segs = append(segs, segment{op: 'C', pts: pts})
			cx, cy = pts[4], pts[5]
		case 'Z', 'z':
			segs = append(segs, segment{op: 'Z'})
			cx, cy = startX, startY
			cmd = 0
		default:
			return nil, fmt.Errorf("%w: unsupported command %q", ErrInvalidPath, cmd)
		}
	}

	if len(segs) > 0 && segs[0].op != 'M' {
		return nil, fmt.Errorf("%w: path must start with moveto", ErrInvalidPath)
	}
	return segs, nil
}

func offset(pts []float64, dx, dy float64) {
	for i := 0; i+1 < len(pts); i += 2 {
		pts[i] += dx
		pts[i+1] += dy
	}
}

// appendPath adds segs to the current path of dc, offset by (x, y)
func appendPath(dc *gg.Context, segs []segment, x, y float64) {
	for _, s := range segs {
		switch s.op {
		case 'M':
			dc.MoveTo(x+s.pts[0], y+s.pts[1])
		case 'L':
			dc.LineTo(x+s.pts[0], y+s.pts[1])
		case 'Q':
			dc.QuadraticTo(x+s.pts[0], y+s.pts[1], x+s.pts[2], y+s.pts[3])
		case 'C':
			dc.CubicTo(x+s.pts[0], y+s.pts[1], x+s.pts[2], y+s.pts[3], x+s.pts[4], y+s.pts[5])
		case 'Z':
			dc.ClosePath()
		}
	}
}

func isCommand(c byte) bool {
	switch c {
	case 'M', 'm', 'L', 'l', 'H', 'h', 'V', 'v', 'Q', 'q', 'C', 'c', 'Z', 'z':
		return true
	}
	return false
}

type pathScanner struct {
	s string
	i int
}

func (p *pathScanner) done() bool { return p.i >= len(p.s) }
func (p *pathScanner) peek() byte { return p.s[p.i] }

func (p *pathScanner) skipSeparators() {
	for !p.done() {
		switch p.peek() {
		case ' ', '\t', '\n', '\r', ',':
			p.i++
		default:
			return
		}
	}
}

func (p *pathScanner) number() (float64, error) {
	p.skipSeparators()
	start := p.i
	if !p.done() && (p.peek() == '-' || p.peek() == '+') {
		p.i++
	}
	seenDot, seenExp := false, false
scan:
	for !p.done() {
		c := p.peek()
		switch {
		case c >= '0' && c <= '9':
		case c == '.' && !seenDot && !seenExp:
			seenDot = true
		case (c == 'e' || c == 'E') && !seenExp && p.i > start:
			seenExp = true
			if p.i+1 < len(p.s) && (p.s[p.i+1] == '-' || p.s[p.i+1] == '+') {
				p.i++
			}
		default:
			break scan
		}
		p.i++
	}
	if p.i == start {
		return 0, fmt.Errorf("%w: expected number at offset %d", ErrInvalidPath, start)
	}
	v, err := strconv.ParseFloat(p.s[start:p.i], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return v, nil
}

func (p *pathScanner) pair() (float64, float64, error) {
	x, err := p.number()
	if err != nil {
		return 0, 0, err
	}
	y, err := p.number()
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (p *pathScanner) numbers(n int) ([]float64, error) {
	out := make([]float64, n)
	for i := range out {
		v, err := p.number()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
