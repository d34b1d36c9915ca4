package canvas

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"layersync/server/internal/protocol"
)

// MarshalBinary encodes the observable state canonically: live layers in
// tree order, tiles that differ from the layer fill only, and sorted
// metadata and frames. Two states that are Equal encode identically.
func (s *State) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	e.Uint(1, uint64(s.Width))
	e.Uint(2, uint64(s.Height))
	e.Uint(3, uint64(s.Background))
	s.walk(s.root, func(l *Layer) {
		e.Raw(4, s.marshalLayer(l))
	})
	for _, a := range s.annotations {
		var ae protocol.Encoder
		ae.Uint(1, uint64(a.ID))
		ae.Int(2, int64(a.Rect.X))
		ae.Int(3, int64(a.Rect.Y))
		ae.Int(4, int64(a.Rect.W))
		ae.Int(5, int64(a.Rect.H))
		ae.Uint(6, uint64(a.Background))
		ae.String(7, a.Text)
		e.Raw(5, ae.Bytes())
	}
	fields := make([]string, 0, len(s.metadata))
	for f := range s.metadata {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		var me protocol.Encoder
		me.String(1, f)
		me.String(2, s.metadata[f])
		e.Raw(6, me.Bytes())
	}
	frames := make([]int, 0, len(s.frames))
	for f := range s.frames {
		frames = append(frames, int(f))
	}
	sort.Ints(frames)
	for _, f := range frames {
		var fe protocol.Encoder
		fe.Uint(1, uint64(f))
		layers := make([]uint64, len(s.frames[uint16(f)]))
		for i, id := range s.frames[uint16(f)] {
			layers[i] = uint64(id)
		}
		fe.Packed(2, layers)
		// Frame zero with no other field would otherwise vanish.
		fe.Bool(3, true)
		e.Raw(7, fe.Bytes())
	}
	return e.Bytes(), nil
}

func (s *State) marshalLayer(l *Layer) []byte {
	var e protocol.Encoder
	e.Uint(1, uint64(l.ID))
	if l.Parent >= 0 {
		e.Uint(2, uint64(s.layers[l.Parent].ID))
	}
	e.Bool(3, l.Group)
	e.String(4, l.Title)
	e.Uint(5, uint64(l.Opacity))
	e.Bool(6, l.Hidden)
	e.Uint(7, uint64(l.Blend))
	e.Uint(8, uint64(l.Fill))
	for _, k := range sortedTileKeys(l.tiles) {
		t := l.tiles[k]
		if uniform(t, l.Fill) {
			continue
		}
		var te protocol.Encoder
		te.Int(1, int64(k.X))
		te.Int(2, int64(k.Y))
		px := make([]byte, 0, len(t)*4)
		for _, c := range t {
			px = binary.LittleEndian.AppendUint32(px, c)
		}
		te.Raw(3, px)
		e.Raw(9, te.Bytes())
	}
	return e.Bytes()
}

func uniform(t *tile, c uint32) bool {
	for _, v := range t {
		if v != c {
			return false
		}
	}
	return true
}

// Decode rebuilds a state from MarshalBinary output.
func Decode(b []byte) (*State, error) {
	s := New(0, 0, 0)
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return s, nil
}

// UnmarshalBinary replaces s with the decoded state.
func (s *State) UnmarshalBinary(b []byte) error {
	*s = *New(0, 0, 0)
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			s.Width = clampDim(int32(f.Varint))
		case 2:
			s.Height = clampDim(int32(f.Varint))
		case 3:
			s.Background = uint32(f.Varint)
		case 4:
			return s.unmarshalLayer(f.Data)
		case 5:
			var a Annotation
			err := protocol.Fields(f.Data, func(f protocol.Field) error {
				switch f.Num {
				case 1:
					a.ID = uint16(f.Varint)
				case 2:
					a.Rect.X = int32(f.Int())
				case 3:
					a.Rect.Y = int32(f.Int())
				case 4:
					a.Rect.W = int32(f.Int())
				case 5:
					a.Rect.H = int32(f.Int())
				case 6:
					a.Background = uint32(f.Varint)
				case 7:
					a.Text = f.String()
				}
				return nil
			})
			if err != nil {
				return err
			}
			i, exists := s.annotationIndex(a.ID)
			if exists {
				return fmt.Errorf("duplicate annotation %d: %w", a.ID, protocol.ErrMalformed)
			}
			s.annotations = append(s.annotations, Annotation{})
			copy(s.annotations[i+1:], s.annotations[i:])
			s.annotations[i] = a
		case 6:
			var key, value string
			err := protocol.Fields(f.Data, func(f protocol.Field) error {
				switch f.Num {
				case 1:
					key = f.String()
				case 2:
					value = f.String()
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.metadata[key] = value
		case 7:
			var frame uint16
			var layers []uint16
			err := protocol.Fields(f.Data, func(f protocol.Field) error {
				switch f.Num {
				case 1:
					frame = uint16(f.Varint)
				case 2:
					vs, err := f.Packed()
					if err != nil {
						return err
					}
					for _, v := range vs {
						layers = append(layers, uint16(v))
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.frames[frame] = layers
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decode canvas: %w", err)
	}
	return nil
}

func (s *State) unmarshalLayer(b []byte) error {
	l := Layer{Parent: -1, tiles: make(map[tileKey]*tile)}
	var parentID uint16
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			l.ID = uint16(f.Varint)
		case 2:
			parentID = uint16(f.Varint)
		case 3:
			l.Group = f.Bool()
		case 4:
			l.Title = f.String()
		case 5:
			l.Opacity = uint8(f.Varint)
		case 6:
			l.Hidden = f.Bool()
		case 7:
			l.Blend = uint8(f.Varint)
		case 8:
			l.Fill = uint32(f.Varint)
		case 9:
			var k tileKey
			var px []byte
			err := protocol.Fields(f.Data, func(f protocol.Field) error {
				switch f.Num {
				case 1:
					k.X = int32(f.Int())
				case 2:
					k.Y = int32(f.Int())
				case 3:
					px = f.Data
				}
				return nil
			})
			if err != nil {
				return err
			}
			if len(px) != tileSize*tileSize*4 {
				return fmt.Errorf("tile of %d bytes: %w", len(px), protocol.ErrMalformed)
			}
			t := new(tile)
			for i := range t {
				t[i] = binary.LittleEndian.Uint32(px[i*4:])
			}
			l.tiles[k] = t
		}
		return nil
	})
	if err != nil {
		return err
	}
	if l.ID == 0 {
		return fmt.Errorf("layer without id: %w", protocol.ErrMalformed)
	}
	if _, exists := s.byID[l.ID]; exists {
		return fmt.Errorf("duplicate layer %d: %w", l.ID, protocol.ErrMalformed)
	}
	if parentID != 0 {
		pidx, ok := s.byID[parentID]
		if !ok || !s.layers[pidx].Group {
			return fmt.Errorf("layer %d has unknown parent %d: %w", l.ID, parentID, protocol.ErrMalformed)
		}
		l.Parent = pidx
	}
	idx := len(s.layers)
	s.layers = append(s.layers, l)
	kids := s.children(l.Parent)
	*kids = append(*kids, idx)
	s.byID[l.ID] = idx
	return nil
}

// Fingerprint is a 64-bit digest of the canonical encoding.
func (s *State) Fingerprint() uint64 {
	b, _ := s.MarshalBinary()
	return xxhash.Sum64(b)
}
