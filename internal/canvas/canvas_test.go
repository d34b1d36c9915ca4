package canvas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/protocol"
)

func cmd(p protocol.Payload) protocol.Command {
	return protocol.New(1, p)
}

func applyAll(t *testing.T, s *State, cmds ...protocol.Command) *State {
	t.Helper()
	for _, c := range cmds {
		s, _ = Apply(s, c)
	}
	return s
}

func TestApplyIsPure(t *testing.T) {
	base := applyAll(t, New(100, 100, 0xffffffff),
		cmd(&protocol.LayerCreate{ID: 0x0101, Title: "ink"}),
	)
	before := base.Fingerprint()

	next, ch := Apply(base, cmd(&protocol.FillRect{Layer: 0x0101, X: 10, Y: 10, W: 5, H: 5, Color: 0xff0000ff}))
	require.Equal(t, before, base.Fingerprint())
	require.NotEqual(t, before, next.Fingerprint())
	require.Equal(t, []uint16{0x0101}, ch.Layers)
	require.Equal(t, protocol.Rect{X: 10, Y: 10, W: 5, H: 5}, ch.Area)
	require.Equal(t, uint32(0), base.Pixel(0x0101, 12, 12))
	require.Equal(t, uint32(0xff0000ff), next.Pixel(0x0101, 12, 12))
}

func TestApplyIsDeterministic(t *testing.T) {
	cmds := []protocol.Command{
		cmd(&protocol.LayerCreate{ID: 0x0101}),
		cmd(&protocol.LayerCreate{ID: 0x0102, Group: true}),
		cmd(&protocol.LayerCreate{ID: 0x0103, Parent: 0x0102}),
		cmd(&protocol.DrawStroke{Layer: 0x0103, Color: 0x80ff0000, Radius: 3, Points: []protocol.Point{{X: 1, Y: 1}, {X: 40, Y: 30}}}),
		cmd(&protocol.AnnotationCreate{ID: 7, Rect: protocol.Rect{X: 1, Y: 2, W: 30, H: 10}}),
		cmd(&protocol.MetadataSet{Field: "title", Value: "sketch"}),
		cmd(&protocol.FrameSet{Frame: 0, Layers: []uint16{0x0101}}),
	}
	a := applyAll(t, New(64, 64, 0), cmds...)
	b := applyAll(t, New(64, 64, 0), cmds...)
	require.True(t, Equal(a, b))
}

func TestMissingTargetIsNoop(t *testing.T) {
	s := New(32, 32, 0)
	before := s.Fingerprint()
	for _, c := range []protocol.Command{
		cmd(&protocol.DrawStroke{Layer: 9, Radius: 1, Points: []protocol.Point{{X: 1, Y: 1}}}),
		cmd(&protocol.LayerDelete{ID: 9}),
		cmd(&protocol.LayerMove{ID: 9}),
		cmd(&protocol.AnnotationEdit{ID: 3, Text: "x"}),
		cmd(&protocol.LayerCreate{ID: 4, Parent: 77}),
		cmd(&protocol.CanvasResize{Right: -32}),
		cmd(&protocol.Chat{Text: "hi"}),
	} {
		next, ch := Apply(s, c)
		require.True(t, ch.Empty(), c.String())
		require.Equal(t, before, next.Fingerprint())
	}
}

func TestDeleteGroupRemovesSubtree(t *testing.T) {
	s := applyAll(t, New(16, 16, 0),
		cmd(&protocol.LayerCreate{ID: 1, Group: true}),
		cmd(&protocol.LayerCreate{ID: 2, Parent: 1}),
		cmd(&protocol.LayerCreate{ID: 3}),
	)
	next, ch := Apply(s, cmd(&protocol.LayerDelete{ID: 1}))
	require.ElementsMatch(t, []uint16{1, 2}, ch.Layers)
	require.Equal(t, []uint16{3}, next.LayerIDs())

	// Ids of deleted layers may be reused.
	next = applyAll(t, next, cmd(&protocol.LayerCreate{ID: 2}))
	require.Equal(t, []uint16{3, 2}, next.LayerIDs())
}

func TestMoveRejectsCycle(t *testing.T) {
	s := applyAll(t, New(16, 16, 0),
		cmd(&protocol.LayerCreate{ID: 1, Group: true}),
		cmd(&protocol.LayerCreate{ID: 2, Group: true, Parent: 1}),
	)
	_, ch := Apply(s, cmd(&protocol.LayerMove{ID: 1, Parent: 2}))
	require.True(t, ch.Empty())

	next, ch := Apply(s, cmd(&protocol.LayerMove{ID: 2, Index: 0}))
	require.True(t, ch.Structure)
	require.Equal(t, []uint16{2, 1}, next.ChildIDs(0))
}

func TestStrokePaintsEachPixelOnce(t *testing.T) {
	s := applyAll(t, New(32, 32, 0), cmd(&protocol.LayerCreate{ID: 1}))
	// A doubled-back stroke with a half transparent color must not build
	// up alpha where it overlaps itself.
	s = applyAll(t, s, cmd(&protocol.DrawStroke{
		Layer: 1, Color: 0x80000000, Radius: 2,
		Points: []protocol.Point{{X: 5, Y: 5}, {X: 20, Y: 5}, {X: 5, Y: 5}},
	}))
	require.Equal(t, uint32(0x80000000), s.Pixel(1, 10, 5))
}

func TestResizeShiftsContent(t *testing.T) {
	s := applyAll(t, New(10, 10, 0),
		cmd(&protocol.LayerCreate{ID: 1}),
		cmd(&protocol.FillRect{Layer: 1, X: 0, Y: 0, W: 1, H: 1, Color: 0xff00ff00}),
		cmd(&protocol.AnnotationCreate{ID: 1, Rect: protocol.Rect{X: 2, Y: 2, W: 3, H: 3}}),
	)
	next, ch := Apply(s, cmd(&protocol.CanvasResize{Top: 5, Left: 3}))
	require.True(t, ch.Full)
	require.Equal(t, int32(13), next.Width)
	require.Equal(t, int32(15), next.Height)
	require.Equal(t, uint32(0xff00ff00), next.Pixel(1, 3, 5))
	require.Equal(t, uint32(0), next.Pixel(1, 0, 0))
	a, ok := next.Annotation(1)
	require.True(t, ok)
	require.Equal(t, protocol.Rect{X: 5, Y: 7, W: 3, H: 3}, a.Rect)

	_, ch = Apply(s, cmd(&protocol.CanvasResize{Right: MaxDimension}))
	require.True(t, ch.Empty())
}

func TestEncodeRoundTripPreservesFingerprint(t *testing.T) {
	s := applyAll(t, New(200, 120, 0xff202020),
		cmd(&protocol.LayerCreate{ID: 1, Fill: 0xffffffff, Title: "paper"}),
		cmd(&protocol.LayerCreate{ID: 2, Group: true}),
		cmd(&protocol.LayerCreate{ID: 3, Parent: 2}),
		cmd(&protocol.LayerCreate{ID: 4}),
		cmd(&protocol.LayerDelete{ID: 4}),
		cmd(&protocol.FillRect{Layer: 3, X: 60, Y: 60, W: 100, H: 10, Color: 0xff123456}),
		cmd(&protocol.LayerAttributes{ID: 3, Opacity: 100, Blend: 2, Hidden: true}),
		cmd(&protocol.AnnotationCreate{ID: 2, Rect: protocol.Rect{X: -4, Y: 1, W: 10, H: 10}}),
		cmd(&protocol.AnnotationEdit{ID: 2, Background: 0x11223344, Text: "note"}),
		cmd(&protocol.MetadataSet{Field: "dpi", Value: "300"}),
		cmd(&protocol.FrameSet{Frame: 0, Layers: []uint16{1, 3}}),
	)
	b, err := s.MarshalBinary()
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	require.True(t, Equal(s, decoded))
	require.Equal(t, s.LayerIDs(), decoded.LayerIDs())
	require.Equal(t, uint32(0xff123456), decoded.Pixel(3, 70, 65))
	require.Equal(t, uint32(0xffffffff), decoded.Pixel(1, 0, 0))
	require.Equal(t, "300", decoded.Metadata("dpi"))
	require.Equal(t, []uint16{1, 3}, decoded.Frame(0))
}

func TestFingerprintIgnoresUntouchedTiles(t *testing.T) {
	a := applyAll(t, New(64, 64, 0), cmd(&protocol.LayerCreate{ID: 1}))
	b := applyAll(t, a,
		cmd(&protocol.FillRect{Layer: 1, X: 0, Y: 0, W: 4, H: 4, Color: 0xffff0000}),
		cmd(&protocol.FillRect{Layer: 1, X: 0, Y: 0, W: 4, H: 4, Color: 0, Mode: protocol.FillReplace}),
	)
	require.True(t, Equal(a, b))
}

func TestDecodeRejectsTruncatedTile(t *testing.T) {
	var tileEnc protocol.Encoder
	tileEnc.Raw(3, []byte{1, 2, 3})
	var layer protocol.Encoder
	layer.Uint(1, 1)
	layer.Raw(9, tileEnc.Bytes())
	var e protocol.Encoder
	e.Uint(1, 10)
	e.Raw(4, layer.Bytes())
	_, err := Decode(e.Bytes())
	require.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestStrokeWorkIsBoundedByCanvas(t *testing.T) {
	s := applyAll(t, New(64, 64, 0), cmd(&protocol.LayerCreate{ID: 0x0101}))
	strokes := []*protocol.DrawStroke{
		{Layer: 0x0101, Color: 0xff000000, Radius: 1, Points: []protocol.Point{{X: 0, Y: 0}, {X: 1 << 30, Y: 1 << 29}}},
		{Layer: 0x0101, Color: 0xff000000, Radius: 2, Points: []protocol.Point{{X: -1 << 31, Y: 10}, {X: 1<<31 - 1, Y: 10}}},
		{Layer: 0x0101, Color: 0xff000000, Radius: protocol.MaxStrokeRadius, Points: []protocol.Point{{X: 32, Y: 32}}},
		{Layer: 0x0101, Color: 0xff000000, Radius: 65535, Points: []protocol.Point{{X: 1 << 30, Y: -1 << 30}, {X: -1 << 30, Y: 1 << 30}}},
	}
	done := make(chan *State, 1)
	go func() {
		next := s
		for _, p := range strokes {
			next, _ = Apply(next, cmd(p))
		}
		done <- next
	}()
	select {
	case got := <-done:
		require.Equal(t, uint32(0xff000000), got.Pixel(0x0101, 1, 0))
		require.Equal(t, uint32(0xff000000), got.Pixel(0x0101, 40, 10))
		require.Equal(t, uint32(0xff000000), got.Pixel(0x0101, 63, 63))
	case <-time.After(5 * time.Second):
		t.Fatal("stroke with far away points did not finish")
	}
}
