package undo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/canvas"
	"layersync/server/internal/protocol"
)

type harness struct {
	t      *testing.T
	seq    uint64
	ledger *Ledger
	canvas *canvas.State
}

func newHarness(t *testing.T, depth int) *harness {
	t.Helper()
	base := canvas.New(32, 32, 0)
	base.Mutate(protocol.New(0, &protocol.LayerCreate{ID: 1}))
	return &harness{t: t, ledger: NewLedger(base, depth), canvas: base.Clone()}
}

func (h *harness) add(user uint8, p protocol.Payload) uint64 {
	h.seq++
	cmd := protocol.New(user, p)
	cmd.Seq = h.seq
	h.canvas.Mutate(cmd)
	h.ledger.Record(cmd)
	return h.seq
}

func (h *harness) point(user uint8) uint64 {
	return h.add(user, &protocol.UndoPoint{})
}

func (h *harness) fill(user uint8, x int32, color uint32) uint64 {
	return h.add(user, &protocol.FillRect{Layer: 1, X: x, W: 1, H: 1, Color: color, Mode: protocol.FillReplace})
}

func (h *harness) undo(user uint8) bool {
	ok := h.ledger.Undo(user)
	if ok {
		h.canvas = h.ledger.Rebuild()
	}
	return ok
}

func (h *harness) redo(user uint8) bool {
	ok := h.ledger.Redo(user)
	if ok {
		h.canvas = h.ledger.Rebuild()
	}
	return ok
}

func TestUndoRedoRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	h.point(1)
	h.fill(1, 0, 0xff0000ff)
	h.point(2)
	h.fill(2, 1, 0xff00ff00)
	h.point(1)
	a := h.fill(1, 2, 0xffff0000)
	before := h.canvas.Fingerprint()

	require.True(t, h.undo(1))
	require.Equal(t, Undone, h.ledger.Label(a))
	require.Equal(t, uint32(0), h.canvas.Pixel(1, 2, 0))
	require.Equal(t, uint32(0xff0000ff), h.canvas.Pixel(1, 0, 0))
	require.Equal(t, uint32(0xff00ff00), h.canvas.Pixel(1, 1, 0))

	require.True(t, h.redo(1))
	require.Equal(t, Active, h.ledger.Label(a))
	require.Equal(t, before, h.canvas.Fingerprint())
}

func TestUndoSkipsOtherUsers(t *testing.T) {
	h := newHarness(t, 0)
	h.point(1)
	mine := h.fill(1, 0, 0xff0000ff)
	h.point(2)
	theirs := h.fill(2, 1, 0xff00ff00)

	require.True(t, h.undo(1))
	require.Equal(t, Undone, h.ledger.Label(mine))
	require.Equal(t, Active, h.ledger.Label(theirs))
	require.Equal(t, uint32(0xff00ff00), h.canvas.Pixel(1, 1, 0))
}

func TestUndoStepsBackThroughRuns(t *testing.T) {
	h := newHarness(t, 0)
	h.point(1)
	first := h.fill(1, 0, 0xff0000ff)
	h.point(1)
	second := h.fill(1, 1, 0xff0000ff)

	require.True(t, h.undo(1))
	require.True(t, h.undo(1))
	require.Equal(t, Undone, h.ledger.Label(first))
	require.Equal(t, Undone, h.ledger.Label(second))
	require.False(t, h.undo(1))

	// Redo restores the oldest undone run first.
	require.True(t, h.redo(1))
	require.Equal(t, Active, h.ledger.Label(first))
	require.Equal(t, Undone, h.ledger.Label(second))
}

func TestNewRunDiscardsRedo(t *testing.T) {
	h := newHarness(t, 0)
	h.point(1)
	h.fill(1, 0, 0xff0000ff)
	require.True(t, h.undo(1))
	h.point(1)
	h.fill(1, 1, 0xff0000ff)
	require.False(t, h.redo(1))
}

func TestUndoDepthLimit(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 3; i++ {
		h.point(1)
		h.fill(1, int32(i), 0xff0000ff)
	}
	require.True(t, h.undo(1))
	require.True(t, h.undo(1))
	require.False(t, h.undo(1))
	require.Equal(t, uint32(0xff0000ff), h.canvas.Pixel(1, 0, 0))
}

func (h *harness) seal() []uint64 {
	h.seq++
	return h.ledger.Seal(h.seq)
}

func TestSealMakesUndoneBeyondDepthGone(t *testing.T) {
	h := newHarness(t, 1)
	point := h.point(1)
	dropped := h.fill(1, 0, 0xff0000ff)
	require.True(t, h.undo(1))
	h.point(1)
	kept := h.fill(1, 1, 0xff00ff00)
	require.Equal(t, Undone, h.ledger.Label(dropped))

	gone := h.seal()
	require.Equal(t, []uint64{point, dropped}, gone)
	require.Equal(t, Gone, h.ledger.Label(dropped))
	require.Equal(t, Active, h.ledger.Label(kept))
	require.Equal(t, gone, h.ledger.GoneAt(h.seq))
	require.True(t, canvas.Equal(h.canvas, h.ledger.Rebuild()))

	// The newest run is still within depth.
	require.True(t, h.undo(1))
	require.Equal(t, Undone, h.ledger.Label(kept))
	require.Equal(t, uint32(0), h.canvas.Pixel(1, 1, 0))
}

func TestSealKeepsRunsWithinDepth(t *testing.T) {
	h := newHarness(t, 0)
	h.point(1)
	first := h.fill(1, 0, 0xff0000ff)
	h.point(2)
	theirs := h.fill(2, 1, 0xff00ff00)
	h.point(1)
	second := h.fill(1, 2, 0xffff0000)
	require.True(t, h.undo(1))

	require.Empty(t, h.seal())
	require.Equal(t, 6, h.ledger.Len())
	require.Equal(t, Undone, h.ledger.Label(second))

	require.True(t, h.redo(1))
	require.Equal(t, uint32(0xffff0000), h.canvas.Pixel(1, 2, 0))
	require.True(t, h.undo(1))
	require.True(t, h.undo(1))
	require.Equal(t, Undone, h.ledger.Label(first))
	require.Equal(t, Active, h.ledger.Label(theirs))
	require.Equal(t, uint32(0), h.canvas.Pixel(1, 0, 0))
	require.Equal(t, uint32(0xff00ff00), h.canvas.Pixel(1, 1, 0))
}

func TestSealFoldsCommandsWithoutUndoPoints(t *testing.T) {
	h := newHarness(t, 0)
	plain := h.fill(1, 0, 0xff0000ff)
	require.Empty(t, h.seal())
	require.Equal(t, 0, h.ledger.Len())
	require.Equal(t, Active, h.ledger.Label(plain))
	require.Equal(t, uint32(0xff0000ff), h.ledger.Base().Pixel(1, 0, 0))
	require.False(t, h.undo(1))
}

func TestGoneIsForgottenAsGone(t *testing.T) {
	h := newHarness(t, 1)
	h.point(1)
	old := h.fill(1, 0, 0xff0000ff)
	h.point(1)
	h.fill(1, 1, 0xff0000ff)
	h.seal()
	require.Equal(t, Active, h.ledger.Label(old))

	for i := 0; i < goneWindows; i++ {
		h.point(1)
		h.fill(1, int32(2+i), 0xff0000ff)
		h.seal()
	}
	// Older than every remembered seal: the label only moves forward.
	require.Equal(t, Gone, h.ledger.Label(old))
	require.Equal(t, Unknown, h.ledger.Label(h.seq+1))
}

func TestLedgerEncodingRoundTrip(t *testing.T) {
	h := newHarness(t, 2)
	h.point(1)
	dropped := h.fill(1, 0, 0xff0000ff)
	require.True(t, h.undo(1))
	h.point(1)
	h.fill(1, 1, 0xff00ff00)
	h.point(1)
	h.fill(1, 2, 0xffff0000)
	h.seal()

	b, err := h.ledger.MarshalBinary()
	require.NoError(t, err)
	restored, err := Decode(b, h.canvas)
	require.NoError(t, err)
	require.Equal(t, h.ledger.Len(), restored.Len())
	require.Equal(t, h.ledger.SealedAt(), restored.SealedAt())
	require.Equal(t, 2, restored.Depth())
	require.Equal(t, Gone, restored.Label(dropped))
	require.True(t, canvas.Equal(h.ledger.Rebuild(), restored.Rebuild()))

	require.True(t, restored.Undo(1))
	require.True(t, h.ledger.Undo(1))
	require.True(t, canvas.Equal(h.ledger.Rebuild(), restored.Rebuild()))

	_, err = Decode([]byte{0x2a, 0x01, 0xff}, h.canvas)
	require.Error(t, err)
}
