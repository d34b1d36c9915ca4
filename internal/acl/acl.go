// Package acl is the permission gate. It validates commands against the
// access control state current at arrival time and folds accepted ACL
// commands back into that state.
package acl

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"layersync/server/internal/protocol"
)

// Tier is an ordered permission level.
type Tier uint8

const (
	Everyone Tier = iota
	Registered
	Trusted
	Operator
)

var tierNames = []string{"everyone", "registered", "trusted", "operator"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// ParseTier accepts the names produced by Tier.String.
func ParseTier(name string) (Tier, error) {
	for i, n := range tierNames {
		if strings.EqualFold(n, name) {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", name)
}

func clampTier(v uint8) Tier {
	if Tier(v) > Operator {
		return Operator
	}
	return Tier(v)
}

// Feature is a session capability whose minimum tier operators can set.
type Feature uint8

const (
	FeatureResize Feature = iota
	FeatureBackground
	FeatureEditLayers
	FeatureOwnLayers
	FeatureAnnotations
	FeatureUndo
	FeatureMetadata
	FeatureTimeline
	featureCount
)

var featureNames = [featureCount]string{
	"resize", "background", "edit-layers", "own-layers",
	"annotations", "undo", "metadata", "timeline",
}

func (f Feature) String() string {
	if f < featureCount {
		return featureNames[f]
	}
	return fmt.Sprintf("feature(%d)", uint8(f))
}

// ParseFeature accepts the names produced by Feature.String.
func ParseFeature(name string) (Feature, error) {
	for i, n := range featureNames {
		if n == name {
			return Feature(i), nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// Features holds the minimum tier for every feature.
type Features [featureCount]Tier

func DefaultFeatures() Features {
	return Features{
		FeatureResize:      Operator,
		FeatureBackground:  Operator,
		FeatureEditLayers:  Operator,
		FeatureOwnLayers:   Everyone,
		FeatureAnnotations: Everyone,
		FeatureUndo:        Everyone,
		FeatureMetadata:    Operator,
		FeatureTimeline:    Operator,
	}
}

// Denial is returned by Validate when a command must not be accepted.
type Denial struct {
	Reason protocol.Reason
	Detail string
}

func (d *Denial) Error() string {
	if d.Detail == "" {
		return "denied: " + d.Reason.String()
	}
	return "denied: " + d.Reason.String() + ": " + d.Detail
}

// ReasonOf extracts the denial reason from err, or ReasonInvalid.
func ReasonOf(err error) protocol.Reason {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	return protocol.ReasonInvalid
}

func deny(r protocol.Reason, format string, args ...any) error {
	return &Denial{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Users is a set of context ids.
type Users [4]uint64

func UsersOf(ids []uint8) Users {
	var u Users
	for _, id := range ids {
		u.Add(id)
	}
	return u
}

func (u *Users) Add(id uint8)     { u[id/64] |= 1 << (id % 64) }
func (u *Users) Remove(id uint8)  { u[id/64] &^= 1 << (id % 64) }
func (u Users) Has(id uint8) bool { return u[id/64]&(1<<(id%64)) != 0 }
func (u Users) Empty() bool       { return u == Users{} }

// List returns the members in ascending order.
func (u Users) List() []uint8 {
	var out []uint8
	for i := 0; i < 256; i++ {
		if u.Has(uint8(i)) {
			out = append(out, uint8(i))
		}
	}
	return out
}

// LayerRule restricts access to one layer.
type LayerRule struct {
	Locked    bool
	Tier      Tier
	Exclusive Users
}

func (r LayerRule) zero() bool {
	return !r.Locked && r.Tier == Everyone && r.Exclusive.Empty()
}

// State is the access control state of one replica.
type State struct {
	owners        Users
	trusted       Users
	registered    Users
	present       Users
	locked        Users
	sessionLocked bool
	layers        map[uint16]LayerRule
	features      Features
	names         map[uint8]string
	undoDepth     uint8
}

// New returns a state with the given feature tiers and no users.
func New(features Features) *State {
	return &State{
		layers:   make(map[uint16]LayerRule),
		features: features,
		names:    make(map[uint8]string),
	}
}

func (s *State) Clone() *State {
	c := *s
	c.layers = make(map[uint16]LayerRule, len(s.layers))
	for k, v := range s.layers {
		c.layers[k] = v
	}
	c.names = make(map[uint8]string, len(s.names))
	for k, v := range s.names {
		c.names[k] = v
	}
	return &c
}

// TierOf returns the effective tier of a user.
func (s *State) TierOf(user uint8) Tier {
	switch {
	case s.owners.Has(user):
		return Operator
	case s.trusted.Has(user):
		return Trusted
	case s.registered.Has(user):
		return Registered
	}
	return Everyone
}

func (s *State) Owners() []uint8    { return s.owners.List() }
func (s *State) Trusted() []uint8   { return s.trusted.List() }
func (s *State) Present() []uint8   { return s.present.List() }
func (s *State) HasOwner() bool     { return !s.owners.Empty() }
func (s *State) Features() Features { return s.features }

// Name returns the display name a user joined with.
func (s *State) Name(user uint8) string { return s.names[user] }

func (s *State) Layer(id uint16) LayerRule { return s.layers[id] }

func (s *State) UserLocked(user uint8) bool { return s.locked.Has(user) }

func (s *State) SessionLocked() bool { return s.sessionLocked }

// UndoDepth is the depth set by the last undo-depth command, or zero.
func (s *State) UndoDepth() uint8 { return s.undoDepth }

// Validate checks a client-submitted command against s. It returns nil or
// a *Denial.
func (s *State) Validate(cmd protocol.Command) error {
	if !cmd.Kind.Valid() || cmd.Payload == nil || cmd.Payload.Kind() != cmd.Kind {
		return deny(protocol.ReasonInvalid, "malformed %s", cmd.Kind)
	}
	if cmd.Kind.ServerOnly() {
		return deny(protocol.ReasonServerOnly, "%s", cmd.Kind)
	}
	user := cmd.Issuer
	tier := s.TierOf(user)
	op := tier == Operator

	if (cmd.Kind.Undoable() || cmd.Kind == protocol.KindUndo) && !op {
		if s.sessionLocked {
			return deny(protocol.ReasonUserLocked, "session locked")
		}
		if s.locked.Has(user) {
			return deny(protocol.ReasonUserLocked, "user %d locked", user)
		}
	}

	switch p := cmd.Payload.(type) {
	case *protocol.Chat, *protocol.UndoPoint:
		return nil
	case *protocol.SessionOwner, *protocol.TrustedUsers, *protocol.UserACL,
		*protocol.FeatureAccess, *protocol.UndoDepth:
		if !op {
			return deny(protocol.ReasonNotOwner, "%s requires operator", cmd.Kind)
		}
		return nil
	case *protocol.LayerACL:
		if !op && p.Layer>>8 != uint16(user) {
			return deny(protocol.ReasonNotOwner, "layer %#04x", p.Layer)
		}
		return nil
	case *protocol.Undo:
		if p.OverrideUser != 0 && p.OverrideUser != user && !op {
			return deny(protocol.ReasonNotOwner, "undo for user %d", p.OverrideUser)
		}
		return s.need(tier, FeatureUndo)
	case *protocol.DrawStroke:
		if p.Radius > protocol.MaxStrokeRadius {
			return deny(protocol.ReasonInvalid, "stroke radius %d", p.Radius)
		}
		return s.checkLayer(user, tier, p.Layer)
	case *protocol.FillRect:
		return s.checkLayer(user, tier, p.Layer)
	case *protocol.LayerCreate:
		if p.ID>>8 != uint16(user) && !op {
			return deny(protocol.ReasonInvalid, "layer %#04x outside id space of user %d", p.ID, user)
		}
		return s.needLayerEdit(user, tier, p.ID)
	case *protocol.LayerDelete:
		if err := s.needLayerEdit(user, tier, p.ID); err != nil {
			return err
		}
		return s.checkLayer(user, tier, p.ID)
	case *protocol.LayerMove:
		if err := s.needLayerEdit(user, tier, p.ID); err != nil {
			return err
		}
		return s.checkLayer(user, tier, p.ID)
	case *protocol.LayerAttributes:
		if err := s.needLayerEdit(user, tier, p.ID); err != nil {
			return err
		}
		return s.checkLayer(user, tier, p.ID)
	case *protocol.AnnotationCreate, *protocol.AnnotationReshape,
		*protocol.AnnotationEdit, *protocol.AnnotationDelete:
		return s.need(tier, FeatureAnnotations)
	case *protocol.CanvasResize:
		return s.need(tier, FeatureResize)
	case *protocol.CanvasBackground:
		return s.need(tier, FeatureBackground)
	case *protocol.MetadataSet:
		return s.need(tier, FeatureMetadata)
	case *protocol.FrameSet:
		return s.need(tier, FeatureTimeline)
	}
	return deny(protocol.ReasonInvalid, "unhandled %s", cmd.Kind)
}

func (s *State) need(tier Tier, f Feature) error {
	if tier < s.features[f] {
		return deny(protocol.ReasonTier, "%s requires %s", f, s.features[f])
	}
	return nil
}

// needLayerEdit allows edits to a user's own layers under the own-layers
// feature and to any layer under edit-layers.
func (s *State) needLayerEdit(user uint8, tier Tier, layer uint16) error {
	if layer>>8 == uint16(user) && tier >= s.features[FeatureOwnLayers] {
		return nil
	}
	return s.need(tier, FeatureEditLayers)
}

func (s *State) checkLayer(user uint8, tier Tier, layer uint16) error {
	rule, ok := s.layers[layer]
	if !ok {
		return nil
	}
	if rule.Locked && tier != Operator {
		return deny(protocol.ReasonLayerLocked, "layer %#04x", layer)
	}
	if tier < rule.Tier {
		return deny(protocol.ReasonTier, "layer %#04x requires %s", layer, rule.Tier)
	}
	if !rule.Exclusive.Empty() && !rule.Exclusive.Has(user) && tier != Operator {
		return deny(protocol.ReasonExclusive, "layer %#04x", layer)
	}
	return nil
}

// Apply folds an accepted command into the state. Commands that do not
// affect access control are ignored.
func (s *State) Apply(cmd protocol.Command) {
	switch p := cmd.Payload.(type) {
	case *protocol.Join:
		s.present.Add(cmd.Issuer)
		s.names[cmd.Issuer] = p.Name
		if p.Registered {
			s.registered.Add(cmd.Issuer)
		} else {
			s.registered.Remove(cmd.Issuer)
		}
	case *protocol.Leave:
		// Context ids are reused, so nothing granted to the old holder of
		// the id may survive.
		id := cmd.Issuer
		s.present.Remove(id)
		s.owners.Remove(id)
		s.trusted.Remove(id)
		s.registered.Remove(id)
		s.locked.Remove(id)
		delete(s.names, id)
		for layer, rule := range s.layers {
			if rule.Exclusive.Has(id) {
				rule.Exclusive.Remove(id)
				s.setLayer(layer, rule)
			}
		}
	case *protocol.SessionOwner:
		s.owners = UsersOf(p.Users)
	case *protocol.TrustedUsers:
		s.trusted = UsersOf(p.Users)
	case *protocol.UserACL:
		s.locked = UsersOf(p.Locked)
		s.sessionLocked = p.Session
	case *protocol.FeatureAccess:
		for i, t := range p.Tiers {
			if i >= int(featureCount) {
				break
			}
			s.features[i] = clampTier(t)
		}
	case *protocol.LayerACL:
		s.setLayer(p.Layer, LayerRule{
			Locked:    p.Locked,
			Tier:      clampTier(p.Tier),
			Exclusive: UsersOf(p.Exclusive),
		})
	case *protocol.LayerDelete:
		delete(s.layers, p.ID)
	case *protocol.UndoDepth:
		s.undoDepth = p.Depth
	}
}

func (s *State) setLayer(id uint16, rule LayerRule) {
	if rule.zero() {
		delete(s.layers, id)
		return
	}
	s.layers[id] = rule
}

// MarshalBinary encodes the state canonically.
func (s *State) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	e.Packed(1, widen(s.owners.List()))
	e.Packed(2, widen(s.trusted.List()))
	e.Packed(3, widen(s.registered.List()))
	e.Packed(4, widen(s.present.List()))
	e.Packed(5, widen(s.locked.List()))
	e.Bool(6, s.sessionLocked)
	tiers := make([]uint64, featureCount)
	for i, t := range s.features {
		tiers[i] = uint64(t)
	}
	// Always written: an all-everyone table is not the default.
	var fe protocol.Encoder
	for _, t := range tiers {
		fe.Uint(1, t+1)
	}
	e.Raw(7, fe.Bytes())

	ids := make([]int, 0, len(s.layers))
	for id := range s.layers {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		rule := s.layers[uint16(id)]
		var le protocol.Encoder
		le.Uint(1, uint64(id))
		le.Bool(2, rule.Locked)
		le.Uint(3, uint64(rule.Tier))
		le.Packed(4, widen(rule.Exclusive.List()))
		e.Raw(8, le.Bytes())
	}
	users := s.present.List()
	for _, id := range users {
		var ne protocol.Encoder
		ne.Uint(1, uint64(id)+1)
		ne.String(2, s.names[id])
		e.Raw(9, ne.Bytes())
	}
	e.Uint(10, uint64(s.undoDepth))
	return e.Bytes(), nil
}

// Decode rebuilds a state from MarshalBinary output.
func Decode(b []byte) (*State, error) {
	s := New(Features{})
	var feature int
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1, 2, 3, 4, 5:
			vs, err := f.Packed()
			if err != nil {
				return err
			}
			u := UsersOf(narrow(vs))
			switch f.Num {
			case 1:
				s.owners = u
			case 2:
				s.trusted = u
			case 3:
				s.registered = u
			case 4:
				s.present = u
			case 5:
				s.locked = u
			}
		case 6:
			s.sessionLocked = f.Bool()
		case 7:
			return protocol.Fields(f.Data, func(f protocol.Field) error {
				if f.Num == 1 && f.Varint > 0 && feature < int(featureCount) {
					s.features[feature] = clampTier(uint8(f.Varint - 1))
					feature++
				}
				return nil
			})
		case 8:
			var id uint16
			var rule LayerRule
			err := protocol.Fields(f.Data, func(f protocol.Field) error {
				switch f.Num {
				case 1:
					id = uint16(f.Varint)
				case 2:
					rule.Locked = f.Bool()
				case 3:
					rule.Tier = clampTier(uint8(f.Varint))
				case 4:
					vs, err := f.Packed()
					if err != nil {
						return err
					}
					rule.Exclusive = UsersOf(narrow(vs))
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.setLayer(id, rule)
		case 9:
			var id uint64
			var name string
			err := protocol.Fields(f.Data, func(f protocol.Field) error {
				switch f.Num {
				case 1:
					id = f.Varint
				case 2:
					name = f.String()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if id == 0 || id > 256 {
				return fmt.Errorf("user name entry: %w", protocol.ErrMalformed)
			}
			s.names[uint8(id-1)] = name
		case 10:
			s.undoDepth = uint8(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode acl: %w", err)
	}
	return s, nil
}

func widen(vs []uint8) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

func narrow(vs []uint64) []uint8 {
	out := make([]uint8, len(vs))
	for i, v := range vs {
		out[i] = uint8(v)
	}
	return out
}
