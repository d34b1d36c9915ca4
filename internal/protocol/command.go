package protocol

import (
	"fmt"
)

// Command is one edit operation. Seq is zero until the session authority
// has accepted the command and assigned its canonical position.
type Command struct {
	Kind      Kind
	Issuer    uint8
	ClientSeq uint32
	Seq       uint64
	Payload   Payload
}

// Payload is the kind-specific body of a Command.
type Payload interface {
	Kind() Kind
	marshal(e *Encoder)
	unmarshal(f Field) error
}

// New builds a command from a payload. Kind is taken from the payload.
func New(issuer uint8, p Payload) Command {
	return Command{Kind: p.Kind(), Issuer: issuer, Payload: p}
}

func (c Command) String() string {
	return fmt.Sprintf("%s#%d(user=%d cseq=%d)", c.Kind, c.Seq, c.Issuer, c.ClientSeq)
}

// NewPayload returns an empty payload for k.
func NewPayload(k Kind) (Payload, error) {
	switch k {
	case KindJoin:
		return &Join{}, nil
	case KindLeave:
		return &Leave{}, nil
	case KindSnapshotPoint:
		return &SnapshotPoint{}, nil
	case KindSessionOwner:
		return &SessionOwner{}, nil
	case KindTrustedUsers:
		return &TrustedUsers{}, nil
	case KindChat:
		return &Chat{}, nil
	case KindUndoPoint:
		return &UndoPoint{}, nil
	case KindUndo:
		return &Undo{}, nil
	case KindUndoDepth:
		return &UndoDepth{}, nil
	case KindLayerACL:
		return &LayerACL{}, nil
	case KindUserACL:
		return &UserACL{}, nil
	case KindFeatureAccess:
		return &FeatureAccess{}, nil
	case KindDrawStroke:
		return &DrawStroke{}, nil
	case KindFillRect:
		return &FillRect{}, nil
	case KindLayerCreate:
		return &LayerCreate{}, nil
	case KindLayerDelete:
		return &LayerDelete{}, nil
	case KindLayerMove:
		return &LayerMove{}, nil
	case KindLayerAttributes:
		return &LayerAttributes{}, nil
	case KindAnnotationCreate:
		return &AnnotationCreate{}, nil
	case KindAnnotationReshape:
		return &AnnotationReshape{}, nil
	case KindAnnotationEdit:
		return &AnnotationEdit{}, nil
	case KindAnnotationDelete:
		return &AnnotationDelete{}, nil
	case KindCanvasResize:
		return &CanvasResize{}, nil
	case KindCanvasBackground:
		return &CanvasBackground{}, nil
	case KindMetadataSet:
		return &MetadataSet{}, nil
	case KindFrameSet:
		return &FrameSet{}, nil
	}
	return nil, fmt.Errorf("kind %d: %w", uint8(k), ErrMalformed)
}

type Join struct {
	Name       string `json:"name"`
	AuthID     string `json:"authId,omitempty"`
	Registered bool   `json:"registered,omitempty"`
}

func (*Join) Kind() Kind { return KindJoin }
func (p *Join) marshal(e *Encoder) {
	e.String(1, p.Name)
	e.String(2, p.AuthID)
	e.Bool(3, p.Registered)
}
func (p *Join) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Name = f.String()
	case 2:
		p.AuthID = f.String()
	case 3:
		p.Registered = f.Bool()
	}
	return nil
}

type Leave struct{}

func (*Leave) Kind() Kind            { return KindLeave }
func (*Leave) marshal(*Encoder)      {}
func (*Leave) unmarshal(Field) error { return nil }

// SnapshotPoint seals history: every replica bakes its undo ledger up to
// this command's sequence number.
type SnapshotPoint struct{}

func (*SnapshotPoint) Kind() Kind            { return KindSnapshotPoint }
func (*SnapshotPoint) marshal(*Encoder)      {}
func (*SnapshotPoint) unmarshal(Field) error { return nil }

type SessionOwner struct {
	Users []uint8 `json:"users"`
}

func (*SessionOwner) Kind() Kind { return KindSessionOwner }
func (p *SessionOwner) marshal(e *Encoder) {
	e.Packed(1, fromUint8s(p.Users))
}
func (p *SessionOwner) unmarshal(f Field) error {
	if f.Num == 1 {
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		p.Users = toUint8s(vs)
	}
	return nil
}

type TrustedUsers struct {
	Users []uint8 `json:"users"`
}

func (*TrustedUsers) Kind() Kind { return KindTrustedUsers }
func (p *TrustedUsers) marshal(e *Encoder) {
	e.Packed(1, fromUint8s(p.Users))
}
func (p *TrustedUsers) unmarshal(f Field) error {
	if f.Num == 1 {
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		p.Users = toUint8s(vs)
	}
	return nil
}

type Chat struct {
	Text string `json:"text"`
}

func (*Chat) Kind() Kind           { return KindChat }
func (p *Chat) marshal(e *Encoder) { e.String(1, p.Text) }
func (p *Chat) unmarshal(f Field) error {
	if f.Num == 1 {
		p.Text = f.String()
	}
	return nil
}

// UndoPoint starts a new undoable run for its issuer.
type UndoPoint struct{}

func (*UndoPoint) Kind() Kind            { return KindUndoPoint }
func (*UndoPoint) marshal(*Encoder)      {}
func (*UndoPoint) unmarshal(Field) error { return nil }

// Undo is the undo-marker. OverrideUser, when non-zero, undoes another
// user's run (operators only).
type Undo struct {
	OverrideUser uint8 `json:"overrideUser,omitempty"`
	Redo         bool  `json:"redo,omitempty"`
}

func (*Undo) Kind() Kind { return KindUndo }
func (p *Undo) marshal(e *Encoder) {
	e.Uint(1, uint64(p.OverrideUser))
	e.Bool(2, p.Redo)
}
func (p *Undo) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.OverrideUser = uint8(f.Varint)
	case 2:
		p.Redo = f.Bool()
	}
	return nil
}

type UndoDepth struct {
	Depth uint8 `json:"depth"`
}

func (*UndoDepth) Kind() Kind           { return KindUndoDepth }
func (p *UndoDepth) marshal(e *Encoder) { e.Uint(1, uint64(p.Depth)) }
func (p *UndoDepth) unmarshal(f Field) error {
	if f.Num == 1 {
		p.Depth = uint8(f.Varint)
	}
	return nil
}

type LayerACL struct {
	Layer     uint16  `json:"layer"`
	Locked    bool    `json:"locked,omitempty"`
	Tier      uint8   `json:"tier,omitempty"`
	Exclusive []uint8 `json:"exclusive,omitempty"`
}

func (*LayerACL) Kind() Kind { return KindLayerACL }
func (p *LayerACL) marshal(e *Encoder) {
	e.Uint(1, uint64(p.Layer))
	e.Bool(2, p.Locked)
	e.Uint(3, uint64(p.Tier))
	e.Packed(4, fromUint8s(p.Exclusive))
}
func (p *LayerACL) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Layer = uint16(f.Varint)
	case 2:
		p.Locked = f.Bool()
	case 3:
		p.Tier = uint8(f.Varint)
	case 4:
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		p.Exclusive = toUint8s(vs)
	}
	return nil
}

// UserACL replaces the set of users that may not edit the canvas. Session
// locks the canvas for every non-operator.
type UserACL struct {
	Locked  []uint8 `json:"locked"`
	Session bool    `json:"session,omitempty"`
}

func (*UserACL) Kind() Kind { return KindUserACL }
func (p *UserACL) marshal(e *Encoder) {
	e.Packed(1, fromUint8s(p.Locked))
	e.Bool(2, p.Session)
}
func (p *UserACL) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		p.Locked = toUint8s(vs)
	case 2:
		p.Session = f.Bool()
	}
	return nil
}

// FeatureAccess sets the minimum tier per feature, indexed by feature id.
type FeatureAccess struct {
	Tiers []uint8 `json:"tiers"`
}

func (*FeatureAccess) Kind() Kind { return KindFeatureAccess }
func (p *FeatureAccess) marshal(e *Encoder) {
	e.Packed(1, fromUint8s(p.Tiers))
}
func (p *FeatureAccess) unmarshal(f Field) error {
	if f.Num == 1 {
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		p.Tiers = toUint8s(vs)
	}
	return nil
}

type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// MaxStrokeRadius is the largest dab radius a stroke may use.
const MaxStrokeRadius = 255

// DrawStroke paints round dabs of the given radius along a polyline.
type DrawStroke struct {
	Layer  uint16  `json:"layer"`
	Color  uint32  `json:"color"`
	Radius uint16  `json:"radius"`
	Erase  bool    `json:"erase,omitempty"`
	Points []Point `json:"points"`
}

func (*DrawStroke) Kind() Kind { return KindDrawStroke }
func (p *DrawStroke) marshal(e *Encoder) {
	e.Uint(1, uint64(p.Layer))
	e.Uint(2, uint64(p.Color))
	e.Uint(3, uint64(p.Radius))
	e.Bool(4, p.Erase)
	coords := make([]uint64, 0, len(p.Points)*2)
	for _, pt := range p.Points {
		coords = append(coords, zigzag(pt.X), zigzag(pt.Y))
	}
	e.Packed(5, coords)
}
func (p *DrawStroke) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Layer = uint16(f.Varint)
	case 2:
		p.Color = uint32(f.Varint)
	case 3:
		p.Radius = uint16(f.Varint)
	case 4:
		p.Erase = f.Bool()
	case 5:
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		if len(vs)%2 != 0 {
			return fmt.Errorf("odd stroke coordinate count: %w", ErrMalformed)
		}
		p.Points = make([]Point, 0, len(vs)/2)
		for i := 0; i < len(vs); i += 2 {
			p.Points = append(p.Points, Point{X: unzigzag(vs[i]), Y: unzigzag(vs[i+1])})
		}
	}
	return nil
}

// Fill modes for FillRect.
const (
	FillOver uint8 = iota
	FillReplace
	FillErase
)

type FillRect struct {
	Layer uint16 `json:"layer"`
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
	W     int32  `json:"w"`
	H     int32  `json:"h"`
	Color uint32 `json:"color"`
	Mode  uint8  `json:"mode,omitempty"`
}

func (*FillRect) Kind() Kind { return KindFillRect }
func (p *FillRect) marshal(e *Encoder) {
	e.Uint(1, uint64(p.Layer))
	e.Int(2, int64(p.X))
	e.Int(3, int64(p.Y))
	e.Int(4, int64(p.W))
	e.Int(5, int64(p.H))
	e.Uint(6, uint64(p.Color))
	e.Uint(7, uint64(p.Mode))
}
func (p *FillRect) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Layer = uint16(f.Varint)
	case 2:
		p.X = int32(f.Int())
	case 3:
		p.Y = int32(f.Int())
	case 4:
		p.W = int32(f.Int())
	case 5:
		p.H = int32(f.Int())
	case 6:
		p.Color = uint32(f.Varint)
	case 7:
		p.Mode = uint8(f.Varint)
	}
	return nil
}

// LayerCreate adds a layer or group. Parent zero means the root stack.
type LayerCreate struct {
	ID     uint16 `json:"id"`
	Parent uint16 `json:"parent,omitempty"`
	Group  bool   `json:"group,omitempty"`
	Fill   uint32 `json:"fill,omitempty"`
	Title  string `json:"title"`
}

func (*LayerCreate) Kind() Kind { return KindLayerCreate }
func (p *LayerCreate) marshal(e *Encoder) {
	e.Uint(1, uint64(p.ID))
	e.Uint(2, uint64(p.Parent))
	e.Bool(3, p.Group)
	e.Uint(4, uint64(p.Fill))
	e.String(5, p.Title)
}
func (p *LayerCreate) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.ID = uint16(f.Varint)
	case 2:
		p.Parent = uint16(f.Varint)
	case 3:
		p.Group = f.Bool()
	case 4:
		p.Fill = uint32(f.Varint)
	case 5:
		p.Title = f.String()
	}
	return nil
}

type LayerDelete struct {
	ID uint16 `json:"id"`
}

func (*LayerDelete) Kind() Kind           { return KindLayerDelete }
func (p *LayerDelete) marshal(e *Encoder) { e.Uint(1, uint64(p.ID)) }
func (p *LayerDelete) unmarshal(f Field) error {
	if f.Num == 1 {
		p.ID = uint16(f.Varint)
	}
	return nil
}

// LayerMove places a layer at Index (0 = bottom) among Parent's children.
type LayerMove struct {
	ID     uint16 `json:"id"`
	Parent uint16 `json:"parent,omitempty"`
	Index  uint16 `json:"index"`
}

func (*LayerMove) Kind() Kind { return KindLayerMove }
func (p *LayerMove) marshal(e *Encoder) {
	e.Uint(1, uint64(p.ID))
	e.Uint(2, uint64(p.Parent))
	e.Uint(3, uint64(p.Index))
}
func (p *LayerMove) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.ID = uint16(f.Varint)
	case 2:
		p.Parent = uint16(f.Varint)
	case 3:
		p.Index = uint16(f.Varint)
	}
	return nil
}

// LayerAttributes sets layer properties. An empty Title keeps the old one.
type LayerAttributes struct {
	ID      uint16 `json:"id"`
	Opacity uint8  `json:"opacity"`
	Hidden  bool   `json:"hidden,omitempty"`
	Blend   uint8  `json:"blend,omitempty"`
	Title   string `json:"title,omitempty"`
}

func (*LayerAttributes) Kind() Kind { return KindLayerAttributes }
func (p *LayerAttributes) marshal(e *Encoder) {
	e.Uint(1, uint64(p.ID))
	e.Uint(2, uint64(p.Opacity))
	e.Bool(3, p.Hidden)
	e.Uint(4, uint64(p.Blend))
	e.String(5, p.Title)
}
func (p *LayerAttributes) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.ID = uint16(f.Varint)
	case 2:
		p.Opacity = uint8(f.Varint)
	case 3:
		p.Hidden = f.Bool()
	case 4:
		p.Blend = uint8(f.Varint)
	case 5:
		p.Title = f.String()
	}
	return nil
}

type Rect struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	W int32 `json:"w"`
	H int32 `json:"h"`
}

func marshalRect(e *Encoder, base int, r Rect) {
	e.Int(protoNum(base), int64(r.X))
	e.Int(protoNum(base+1), int64(r.Y))
	e.Int(protoNum(base+2), int64(r.W))
	e.Int(protoNum(base+3), int64(r.H))
}

func unmarshalRect(f Field, base int, r *Rect) {
	switch int(f.Num) - base {
	case 0:
		r.X = int32(f.Int())
	case 1:
		r.Y = int32(f.Int())
	case 2:
		r.W = int32(f.Int())
	case 3:
		r.H = int32(f.Int())
	}
}

type AnnotationCreate struct {
	ID   uint16 `json:"id"`
	Rect Rect   `json:"rect"`
}

func (*AnnotationCreate) Kind() Kind { return KindAnnotationCreate }
func (p *AnnotationCreate) marshal(e *Encoder) {
	e.Uint(1, uint64(p.ID))
	marshalRect(e, 2, p.Rect)
}
func (p *AnnotationCreate) unmarshal(f Field) error {
	if f.Num == 1 {
		p.ID = uint16(f.Varint)
		return nil
	}
	unmarshalRect(f, 2, &p.Rect)
	return nil
}

type AnnotationReshape struct {
	ID   uint16 `json:"id"`
	Rect Rect   `json:"rect"`
}

func (*AnnotationReshape) Kind() Kind { return KindAnnotationReshape }
func (p *AnnotationReshape) marshal(e *Encoder) {
	e.Uint(1, uint64(p.ID))
	marshalRect(e, 2, p.Rect)
}
func (p *AnnotationReshape) unmarshal(f Field) error {
	if f.Num == 1 {
		p.ID = uint16(f.Varint)
		return nil
	}
	unmarshalRect(f, 2, &p.Rect)
	return nil
}

type AnnotationEdit struct {
	ID         uint16 `json:"id"`
	Background uint32 `json:"background,omitempty"`
	Text       string `json:"text"`
}

func (*AnnotationEdit) Kind() Kind { return KindAnnotationEdit }
func (p *AnnotationEdit) marshal(e *Encoder) {
	e.Uint(1, uint64(p.ID))
	e.Uint(2, uint64(p.Background))
	e.String(3, p.Text)
}
func (p *AnnotationEdit) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.ID = uint16(f.Varint)
	case 2:
		p.Background = uint32(f.Varint)
	case 3:
		p.Text = f.String()
	}
	return nil
}

type AnnotationDelete struct {
	ID uint16 `json:"id"`
}

func (*AnnotationDelete) Kind() Kind           { return KindAnnotationDelete }
func (p *AnnotationDelete) marshal(e *Encoder) { e.Uint(1, uint64(p.ID)) }
func (p *AnnotationDelete) unmarshal(f Field) error {
	if f.Num == 1 {
		p.ID = uint16(f.Varint)
	}
	return nil
}

// CanvasResize grows (positive) or shrinks (negative) each edge.
type CanvasResize struct {
	Top    int32 `json:"top"`
	Right  int32 `json:"right"`
	Bottom int32 `json:"bottom"`
	Left   int32 `json:"left"`
}

func (*CanvasResize) Kind() Kind { return KindCanvasResize }
func (p *CanvasResize) marshal(e *Encoder) {
	e.Int(1, int64(p.Top))
	e.Int(2, int64(p.Right))
	e.Int(3, int64(p.Bottom))
	e.Int(4, int64(p.Left))
}
func (p *CanvasResize) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Top = int32(f.Int())
	case 2:
		p.Right = int32(f.Int())
	case 3:
		p.Bottom = int32(f.Int())
	case 4:
		p.Left = int32(f.Int())
	}
	return nil
}

type CanvasBackground struct {
	Color uint32 `json:"color"`
}

func (*CanvasBackground) Kind() Kind           { return KindCanvasBackground }
func (p *CanvasBackground) marshal(e *Encoder) { e.Uint(1, uint64(p.Color)) }
func (p *CanvasBackground) unmarshal(f Field) error {
	if f.Num == 1 {
		p.Color = uint32(f.Varint)
	}
	return nil
}

// MetadataSet sets a document metadata field. An empty value clears it.
type MetadataSet struct {
	Field string `json:"field"`
	Value string `json:"value,omitempty"`
}

func (*MetadataSet) Kind() Kind { return KindMetadataSet }
func (p *MetadataSet) marshal(e *Encoder) {
	e.String(1, p.Field)
	e.String(2, p.Value)
}
func (p *MetadataSet) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Field = f.String()
	case 2:
		p.Value = f.String()
	}
	return nil
}

// FrameSet assigns the layers shown in one timeline frame.
type FrameSet struct {
	Frame  uint16   `json:"frame"`
	Layers []uint16 `json:"layers,omitempty"`
}

func (*FrameSet) Kind() Kind { return KindFrameSet }
func (p *FrameSet) marshal(e *Encoder) {
	e.Uint(1, uint64(p.Frame))
	e.Packed(2, fromUint16s(p.Layers))
}
func (p *FrameSet) unmarshal(f Field) error {
	switch f.Num {
	case 1:
		p.Frame = uint16(f.Varint)
	case 2:
		vs, err := f.Packed()
		if err != nil {
			return err
		}
		p.Layers = toUint16s(vs)
	}
	return nil
}
