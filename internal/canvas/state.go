// Package canvas holds the layered raster document and the deterministic
// transition function that applies commands to it.
package canvas

import (
	"sort"

	"layersync/server/internal/protocol"
)

// MaxDimension bounds canvas width and height.
const MaxDimension = 32767

// Layer is one node of the layer arena. Parent and Children hold arena
// indices, never pointers; deleted nodes stay in the arena as tombstones so
// handles remain stable.
type Layer struct {
	ID       uint16
	Parent   int
	Group    bool
	Children []int
	Title    string
	Opacity  uint8
	Hidden   bool
	Blend    uint8
	Fill     uint32
	Deleted  bool

	tiles map[tileKey]*tile
}

type Annotation struct {
	ID         uint16
	Rect       protocol.Rect
	Background uint32
	Text       string
}

// State is an immutable-by-convention canvas. Use Apply for a pure
// transition or Clone followed by Mutate when the caller owns the copy.
type State struct {
	Width      int32
	Height     int32
	Background uint32

	layers      []Layer
	root        []int
	byID        map[uint16]int
	annotations []Annotation
	metadata    map[string]string
	frames      map[uint16][]uint16
}

// New returns an empty canvas.
func New(width, height int32, background uint32) *State {
	return &State{
		Width:      clampDim(width),
		Height:     clampDim(height),
		Background: background,
		byID:       make(map[uint16]int),
		metadata:   make(map[string]string),
		frames:     make(map[uint16][]uint16),
	}
}

func clampDim(v int32) int32 {
	if v < 0 {
		return 0
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return v
}

// Clone returns a copy that can be mutated without affecting s. Pixel tiles
// are shared and copied on write.
func (s *State) Clone() *State {
	c := &State{
		Width:       s.Width,
		Height:      s.Height,
		Background:  s.Background,
		layers:      make([]Layer, len(s.layers)),
		root:        append([]int(nil), s.root...),
		byID:        make(map[uint16]int, len(s.byID)),
		annotations: append([]Annotation(nil), s.annotations...),
		metadata:    make(map[string]string, len(s.metadata)),
		frames:      make(map[uint16][]uint16, len(s.frames)),
	}
	for i, l := range s.layers {
		l.Children = append([]int(nil), l.Children...)
		tiles := make(map[tileKey]*tile, len(l.tiles))
		for k, t := range l.tiles {
			tiles[k] = t
		}
		l.tiles = tiles
		c.layers[i] = l
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	for k, v := range s.metadata {
		c.metadata[k] = v
	}
	for k, v := range s.frames {
		c.frames[k] = append([]uint16(nil), v...)
	}
	return c
}

// Layer returns a copy of the live layer with the given id.
func (s *State) Layer(id uint16) (Layer, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return Layer{}, false
	}
	return s.layers[idx], true
}

// LayerIDs lists live layers bottom to top in depth-first order.
func (s *State) LayerIDs() []uint16 {
	var ids []uint16
	s.walk(s.root, func(l *Layer) {
		ids = append(ids, l.ID)
	})
	return ids
}

// ChildIDs lists the direct children of a group, or of the root when
// parent is zero.
func (s *State) ChildIDs(parent uint16) []uint16 {
	children := s.root
	if parent != 0 {
		idx, ok := s.byID[parent]
		if !ok {
			return nil
		}
		children = s.layers[idx].Children
	}
	ids := make([]uint16, 0, len(children))
	for _, idx := range children {
		ids = append(ids, s.layers[idx].ID)
	}
	return ids
}

func (s *State) walk(children []int, fn func(*Layer)) {
	for _, idx := range children {
		l := &s.layers[idx]
		if l.Deleted {
			continue
		}
		fn(l)
		if l.Group {
			s.walk(l.Children, fn)
		}
	}
}

// Pixel returns the color of a layer pixel. Out of range reads return 0.
func (s *State) Pixel(id uint16, x, y int32) uint32 {
	idx, ok := s.byID[id]
	if !ok || x < 0 || y < 0 || x >= s.Width || y >= s.Height {
		return 0
	}
	return s.layers[idx].pixel(x, y)
}

func (s *State) Annotations() []Annotation {
	return append([]Annotation(nil), s.annotations...)
}

func (s *State) Annotation(id uint16) (Annotation, bool) {
	i, ok := s.annotationIndex(id)
	if !ok {
		return Annotation{}, false
	}
	return s.annotations[i], true
}

func (s *State) annotationIndex(id uint16) (int, bool) {
	i := sort.Search(len(s.annotations), func(i int) bool { return s.annotations[i].ID >= id })
	return i, i < len(s.annotations) && s.annotations[i].ID == id
}

func (s *State) Metadata(field string) string {
	return s.metadata[field]
}

// Frame returns the layers assigned to a timeline frame.
func (s *State) Frame(frame uint16) []uint16 {
	return append([]uint16(nil), s.frames[frame]...)
}

// Equal reports whether two states are observationally identical.
func Equal(a, b *State) bool {
	return a.Fingerprint() == b.Fingerprint()
}
