package canvas

import "layersync/server/internal/protocol"

const tileSize = 64

type tileKey struct {
	X, Y int32
}

type tile [tileSize * tileSize]uint32

func keyFor(x, y int32) (tileKey, int) {
	return tileKey{X: x / tileSize, Y: y / tileSize}, int(y%tileSize)*tileSize + int(x%tileSize)
}

func (l *Layer) pixel(x, y int32) uint32 {
	k, i := keyFor(x, y)
	if t, ok := l.tiles[k]; ok {
		return t[i]
	}
	return l.Fill
}

func filledTile(c uint32) *tile {
	t := new(tile)
	if c != 0 {
		for i := range t {
			t[i] = c
		}
	}
	return t
}

// painter writes pixels into one layer, copying shared tiles on first write.
type painter struct {
	layer *Layer
	owned map[tileKey]bool
	area  rect
}

func newPainter(l *Layer) *painter {
	if l.tiles == nil {
		l.tiles = make(map[tileKey]*tile)
	}
	return &painter{layer: l, owned: make(map[tileKey]bool)}
}

func (p *painter) set(x, y int32, c uint32) {
	k, i := keyFor(x, y)
	t, ok := p.layer.tiles[k]
	if !p.owned[k] {
		if ok {
			cp := *t
			t = &cp
		} else {
			t = filledTile(p.layer.Fill)
		}
		p.layer.tiles[k] = t
		p.owned[k] = true
	}
	t[i] = c
	p.area = p.area.include(x, y)
}

func (p *painter) get(x, y int32) uint32 {
	return p.layer.pixel(x, y)
}

// blendOver composites straight-alpha ARGB src over dst with integer math.
func blendOver(src, dst uint32) uint32 {
	sa := src >> 24
	if sa == 255 {
		return src
	}
	if sa == 0 {
		return dst
	}
	da := dst >> 24
	inv := 255 - sa
	oa := sa + da*inv/255
	if oa == 0 {
		return 0
	}
	ch := func(shift uint) uint32 {
		sc := (src >> shift) & 0xff
		dc := (dst >> shift) & 0xff
		return ((sc*sa + dc*da*inv/255) / oa) & 0xff
	}
	return oa<<24 | ch(16)<<16 | ch(8)<<8 | ch(0)
}

// eraseWith reduces dst alpha by the alpha of the eraser color.
func eraseWith(src, dst uint32) uint32 {
	sa := src >> 24
	da := dst >> 24
	na := da * (255 - sa) / 255
	if na == 0 {
		return 0
	}
	return na<<24 | dst&0x00ffffff
}

func (s *State) fillRect(p *protocol.FillRect) rect {
	idx, ok := s.byID[p.Layer]
	if !ok || s.layers[idx].Group {
		return rect{}
	}
	r := rect{x0: p.X, y0: p.Y, x1: p.X + p.W, y1: p.Y + p.H}.clip(s.Width, s.Height)
	if r.empty() {
		return rect{}
	}
	pt := newPainter(&s.layers[idx])
	for y := r.y0; y < r.y1; y++ {
		for x := r.x0; x < r.x1; x++ {
			switch p.Mode {
			case protocol.FillReplace:
				pt.set(x, y, p.Color)
			case protocol.FillErase:
				pt.set(x, y, eraseWith(p.Color, pt.get(x, y)))
			default:
				pt.set(x, y, blendOver(p.Color, pt.get(x, y)))
			}
		}
	}
	return pt.area
}

func (s *State) drawStroke(p *protocol.DrawStroke) rect {
	idx, ok := s.byID[p.Layer]
	if !ok || s.layers[idx].Group || len(p.Points) == 0 {
		return rect{}
	}
	pt := newPainter(&s.layers[idx])
	radius := int64(min(p.Radius, protocol.MaxStrokeRadius))
	w, h := int64(s.Width), int64(s.Height)
	// Each pixel is painted at most once per stroke.
	touched := make(map[[2]int32]bool)
	dab := func(cx, cy int64) {
		x0, x1 := span(cx, radius, w)
		y0, y1 := span(cy, radius, h)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				dx, dy := x-cx, y-cy
				if dx*dx+dy*dy > radius*radius {
					continue
				}
				key := [2]int32{int32(x), int32(y)}
				if touched[key] {
					continue
				}
				touched[key] = true
				if p.Erase {
					pt.set(key[0], key[1], eraseWith(p.Color, pt.get(key[0], key[1])))
				} else {
					pt.set(key[0], key[1], blendOver(p.Color, pt.get(key[0], key[1])))
				}
			}
		}
	}
	seg := segmenter{
		spacing: max(radius/2, 1),
		reach:   radius,
		w:       w,
		h:       h,
		limit:   max(w, h) + 2*radius,
		dab:     dab,
	}
	first := pointOf(p.Points[0])
	dab(first.x, first.y)
	for i := 1; i < len(p.Points); i++ {
		seg.walk(pointOf(p.Points[i-1]), pointOf(p.Points[i]))
	}
	return pt.area
}

// span returns the half-open range of [c-r, c+r] that lies within [0, n).
func span(c, r, n int64) (int64, int64) {
	return max(c-r, 0), min(c+r+1, n)
}

type point64 struct {
	x, y int64
}

func pointOf(p protocol.Point) point64 {
	return point64{x: int64(p.X), y: int64(p.Y)}
}

// segmenter walks stroke segments. Only the parts of a segment whose dabs
// can reach the canvas are walked, so the work of a stroke is bounded by
// the canvas size and not by its coordinates.
type segmenter struct {
	spacing int64
	reach   int64
	w, h    int64
	limit   int64
	dab     func(x, y int64)
}

func (sg *segmenter) walk(a, b point64) {
	x0, x1 := min(a.x, b.x), max(a.x, b.x)
	y0, y1 := min(a.y, b.y), max(a.y, b.y)
	if x1 < -sg.reach || y1 < -sg.reach || x0 >= sg.w+sg.reach || y0 >= sg.h+sg.reach {
		return
	}
	if x1-x0 <= sg.limit && y1-y0 <= sg.limit {
		line(a, b, sg.spacing, sg.dab)
		return
	}
	mid := point64{x: (a.x + b.x) / 2, y: (a.y + b.y) / 2}
	sg.walk(a, mid)
	sg.walk(mid, b)
}

// line visits every spacing-th point of a Bresenham line from a to b,
// always including b.
func line(a, b point64, spacing int64, fn func(x, y int64)) {
	x, y := a.x, a.y
	dx := abs64(b.x - a.x)
	dy := -abs64(b.y - a.y)
	sx, sy := int64(1), int64(1)
	if a.x > b.x {
		sx = -1
	}
	if a.y > b.y {
		sy = -1
	}
	errv := dx + dy
	var step int64
	for {
		if x == b.x && y == b.y {
			fn(x, y)
			return
		}
		step++
		if step%spacing == 0 {
			fn(x, y)
		}
		e2 := 2 * errv
		if e2 >= dy {
			errv += dy
			x += sx
		}
		if e2 <= dx {
			errv += dx
			y += sy
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// rect is a half-open pixel rectangle.
type rect struct {
	x0, y0, x1, y1 int32
}

func (r rect) empty() bool { return r.x1 <= r.x0 || r.y1 <= r.y0 }

func (r rect) clip(w, h int32) rect {
	if r.x0 < 0 {
		r.x0 = 0
	}
	if r.y0 < 0 {
		r.y0 = 0
	}
	if r.x1 > w {
		r.x1 = w
	}
	if r.y1 > h {
		r.y1 = h
	}
	return r
}

func (r rect) include(x, y int32) rect {
	if r.empty() {
		return rect{x0: x, y0: y, x1: x + 1, y1: y + 1}
	}
	if x < r.x0 {
		r.x0 = x
	}
	if y < r.y0 {
		r.y0 = y
	}
	if x+1 > r.x1 {
		r.x1 = x + 1
	}
	if y+1 > r.y1 {
		r.y1 = y + 1
	}
	return r
}

func (r rect) proto() protocol.Rect {
	if r.empty() {
		return protocol.Rect{}
	}
	return protocol.Rect{X: r.x0, Y: r.y0, W: r.x1 - r.x0, H: r.y1 - r.y0}
}
