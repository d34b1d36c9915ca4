package canvas

import (
	"sort"

	"layersync/server/internal/protocol"
)

// Change describes the effect of one command for the presentation layer.
type Change struct {
	Kind        protocol.Kind
	Layers      []uint16
	Area        protocol.Rect
	Annotations []uint16
	Structure   bool
	Full        bool
}

// Empty reports whether the command had no visible effect.
func (c Change) Empty() bool {
	return len(c.Layers) == 0 && len(c.Annotations) == 0 && !c.Structure && !c.Full &&
		c.Area == (protocol.Rect{})
}

// FullChange signals that the whole canvas must be redrawn.
func FullChange() Change {
	return Change{Full: true}
}

// Apply is the pure transition function. It never modifies s. Commands
// that do not affect the canvas, or whose targets do not exist, return an
// equivalent state and an empty change.
func Apply(s *State, cmd protocol.Command) (*State, Change) {
	if !cmd.Kind.Canvas() {
		return s, Change{Kind: cmd.Kind}
	}
	next := s.Clone()
	return next, next.Mutate(cmd)
}

// Mutate applies cmd to s in place. The caller must own s.
func (s *State) Mutate(cmd protocol.Command) Change {
	ch := Change{Kind: cmd.Kind}
	switch p := cmd.Payload.(type) {
	case *protocol.DrawStroke:
		if r := s.drawStroke(p); !r.empty() {
			ch.Layers = []uint16{p.Layer}
			ch.Area = r.proto()
		}
	case *protocol.FillRect:
		if r := s.fillRect(p); !r.empty() {
			ch.Layers = []uint16{p.Layer}
			ch.Area = r.proto()
		}
	case *protocol.LayerCreate:
		if s.createLayer(p) {
			ch.Layers = []uint16{p.ID}
			ch.Structure = true
		}
	case *protocol.LayerDelete:
		if removed := s.deleteLayer(p.ID); len(removed) > 0 {
			ch.Layers = removed
			ch.Structure = true
		}
	case *protocol.LayerMove:
		if s.moveLayer(p) {
			ch.Layers = []uint16{p.ID}
			ch.Structure = true
		}
	case *protocol.LayerAttributes:
		if idx, ok := s.byID[p.ID]; ok {
			l := &s.layers[idx]
			l.Opacity = p.Opacity
			l.Hidden = p.Hidden
			l.Blend = p.Blend
			if p.Title != "" {
				l.Title = p.Title
			}
			ch.Layers = []uint16{p.ID}
		}
	case *protocol.AnnotationCreate:
		if p.ID != 0 {
			if i, ok := s.annotationIndex(p.ID); !ok {
				a := Annotation{ID: p.ID, Rect: p.Rect}
				s.annotations = append(s.annotations, Annotation{})
				copy(s.annotations[i+1:], s.annotations[i:])
				s.annotations[i] = a
				ch.Annotations = []uint16{p.ID}
			}
		}
	case *protocol.AnnotationReshape:
		if i, ok := s.annotationIndex(p.ID); ok {
			s.annotations[i].Rect = p.Rect
			ch.Annotations = []uint16{p.ID}
		}
	case *protocol.AnnotationEdit:
		if i, ok := s.annotationIndex(p.ID); ok {
			s.annotations[i].Background = p.Background
			s.annotations[i].Text = p.Text
			ch.Annotations = []uint16{p.ID}
		}
	case *protocol.AnnotationDelete:
		if i, ok := s.annotationIndex(p.ID); ok {
			s.annotations = append(s.annotations[:i], s.annotations[i+1:]...)
			ch.Annotations = []uint16{p.ID}
		}
	case *protocol.CanvasResize:
		if s.resize(p) {
			ch.Full = true
		}
	case *protocol.CanvasBackground:
		if s.Background != p.Color {
			s.Background = p.Color
			ch.Full = true
		}
	case *protocol.MetadataSet:
		if p.Field != "" {
			if p.Value == "" {
				delete(s.metadata, p.Field)
			} else {
				s.metadata[p.Field] = p.Value
			}
		}
	case *protocol.FrameSet:
		if len(p.Layers) == 0 {
			delete(s.frames, p.Frame)
		} else {
			s.frames[p.Frame] = append([]uint16(nil), p.Layers...)
		}
		ch.Structure = true
	}
	return ch
}

func (s *State) children(parent int) *[]int {
	if parent < 0 {
		return &s.root
	}
	return &s.layers[parent].Children
}

func (s *State) createLayer(p *protocol.LayerCreate) bool {
	if p.ID == 0 {
		return false
	}
	if _, exists := s.byID[p.ID]; exists {
		return false
	}
	parent := -1
	if p.Parent != 0 {
		idx, ok := s.byID[p.Parent]
		if !ok || !s.layers[idx].Group {
			return false
		}
		parent = idx
	}
	idx := len(s.layers)
	s.layers = append(s.layers, Layer{
		ID:      p.ID,
		Parent:  parent,
		Group:   p.Group,
		Title:   p.Title,
		Opacity: 255,
		Fill:    p.Fill,
		tiles:   make(map[tileKey]*tile),
	})
	kids := s.children(parent)
	*kids = append(*kids, idx)
	s.byID[p.ID] = idx
	return true
}

func (s *State) deleteLayer(id uint16) []uint16 {
	idx, ok := s.byID[id]
	if !ok {
		return nil
	}
	kids := s.children(s.layers[idx].Parent)
	*kids = removeIndex(*kids, idx)
	var removed []uint16
	var tombstone func(i int)
	tombstone = func(i int) {
		l := &s.layers[i]
		l.Deleted = true
		l.tiles = nil
		delete(s.byID, l.ID)
		removed = append(removed, l.ID)
		for _, c := range l.Children {
			tombstone(c)
		}
	}
	tombstone(idx)
	return removed
}

func (s *State) moveLayer(p *protocol.LayerMove) bool {
	idx, ok := s.byID[p.ID]
	if !ok {
		return false
	}
	parent := -1
	if p.Parent != 0 {
		pidx, ok := s.byID[p.Parent]
		if !ok || !s.layers[pidx].Group {
			return false
		}
		// A group cannot be moved into itself or one of its descendants.
		for a := pidx; a >= 0; a = s.layers[a].Parent {
			if a == idx {
				return false
			}
		}
		parent = pidx
	}
	old := s.children(s.layers[idx].Parent)
	*old = removeIndex(*old, idx)
	kids := s.children(parent)
	pos := int(p.Index)
	if pos > len(*kids) {
		pos = len(*kids)
	}
	*kids = append(*kids, 0)
	copy((*kids)[pos+1:], (*kids)[pos:])
	(*kids)[pos] = idx
	s.layers[idx].Parent = parent
	return true
}

func removeIndex(list []int, v int) []int {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (s *State) resize(p *protocol.CanvasResize) bool {
	w := s.Width + p.Left + p.Right
	h := s.Height + p.Top + p.Bottom
	if w <= 0 || h <= 0 || w > MaxDimension || h > MaxDimension {
		return false
	}
	if w == s.Width && h == s.Height && p.Left == 0 && p.Top == 0 {
		return false
	}
	for i := range s.layers {
		l := &s.layers[i]
		if l.Deleted || l.Group || len(l.tiles) == 0 {
			continue
		}
		shifted := &Layer{Fill: l.Fill, tiles: make(map[tileKey]*tile)}
		pt := newPainter(shifted)
		keys := sortedTileKeys(l.tiles)
		for _, k := range keys {
			t := l.tiles[k]
			for i, c := range t {
				x := k.X*tileSize + int32(i%tileSize) + p.Left
				y := k.Y*tileSize + int32(i/tileSize) + p.Top
				if x < 0 || y < 0 || x >= w || y >= h || c == l.Fill {
					continue
				}
				pt.set(x, y, c)
			}
		}
		l.tiles = shifted.tiles
	}
	for i := range s.annotations {
		s.annotations[i].Rect.X += p.Left
		s.annotations[i].Rect.Y += p.Top
	}
	s.Width, s.Height = w, h
	return true
}

func sortedTileKeys(tiles map[tileKey]*tile) []tileKey {
	keys := make([]tileKey, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].X < keys[j].X
	})
	return keys
}
