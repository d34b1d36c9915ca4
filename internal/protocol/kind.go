package protocol

import "fmt"

// Kind identifies the variant of a Command.
type Kind uint8

const (
	// Server issued.
	KindJoin Kind = iota + 1
	KindLeave
	KindSnapshotPoint
	KindSessionOwner
	KindTrustedUsers

	// Meta.
	KindChat
	KindUndoPoint
	KindUndo
	KindUndoDepth
	KindLayerACL
	KindUserACL
	KindFeatureAccess

	// Canvas.
	KindDrawStroke
	KindFillRect
	KindLayerCreate
	KindLayerDelete
	KindLayerMove
	KindLayerAttributes
	KindAnnotationCreate
	KindAnnotationReshape
	KindAnnotationEdit
	KindAnnotationDelete
	KindCanvasResize
	KindCanvasBackground
	KindMetadataSet
	KindFrameSet

	kindEnd
)

var kindNames = map[Kind]string{
	KindJoin:              "join",
	KindLeave:             "leave",
	KindSnapshotPoint:     "snapshot-point",
	KindSessionOwner:      "session-owner",
	KindTrustedUsers:      "trusted-users",
	KindChat:              "chat",
	KindUndoPoint:         "undo-point",
	KindUndo:              "undo",
	KindUndoDepth:         "undo-depth",
	KindLayerACL:          "layer-acl",
	KindUserACL:           "user-acl",
	KindFeatureAccess:     "feature-access",
	KindDrawStroke:        "draw-stroke",
	KindFillRect:          "fill-rect",
	KindLayerCreate:       "layer-create",
	KindLayerDelete:       "layer-delete",
	KindLayerMove:         "layer-move",
	KindLayerAttributes:   "layer-attributes",
	KindAnnotationCreate:  "annotation-create",
	KindAnnotationReshape: "annotation-reshape",
	KindAnnotationEdit:    "annotation-edit",
	KindAnnotationDelete:  "annotation-delete",
	KindCanvasResize:      "canvas-resize",
	KindCanvasBackground:  "canvas-background",
	KindMetadataSet:       "metadata-set",
	KindFrameSet:          "frame-set",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String for known kinds.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command kind %q", name)
}

func (k Kind) Valid() bool {
	return k > 0 && k < kindEnd
}

// ServerOnly reports whether only the session authority may issue k.
// Session-owner and trusted-users requests are accepted from clients but
// rewritten by the authority before they are appended.
func (k Kind) ServerOnly() bool {
	switch k {
	case KindJoin, KindLeave, KindSnapshotPoint:
		return true
	}
	return false
}

// Canvas reports whether k modifies canvas content.
func (k Kind) Canvas() bool {
	return k >= KindDrawStroke && k < kindEnd
}

// Undoable reports whether commands of kind k take part in undo runs.
// Undo points are included: they are flipped together with their run.
func (k Kind) Undoable() bool {
	return k == KindUndoPoint || k.Canvas()
}

// LayerScoped reports whether k targets a single layer and is therefore
// subject to layer locks and exclusive access.
func (k Kind) LayerScoped() bool {
	switch k {
	case KindDrawStroke, KindFillRect, KindLayerAttributes, KindLayerDelete, KindLayerMove:
		return true
	}
	return false
}
