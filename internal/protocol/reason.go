package protocol

import "fmt"

// Reason is the code carried by a Deny message.
type Reason uint8

const (
	ReasonTier Reason = iota + 1
	ReasonLayerLocked
	ReasonExclusive
	ReasonUserLocked
	ReasonNotOwner
	ReasonServerOnly
	ReasonOverLimit
	ReasonResetting
	ReasonInvalid
)

var reasonCodes = map[Reason]string{
	ReasonTier:        "tier",
	ReasonLayerLocked: "layer-locked",
	ReasonExclusive:   "exclusive",
	ReasonUserLocked:  "user-locked",
	ReasonNotOwner:    "not-owner",
	ReasonServerOnly:  "server-only",
	ReasonOverLimit:   "over-limit",
	ReasonResetting:   "resetting",
	ReasonInvalid:     "invalid",
}

func (r Reason) String() string {
	if code, ok := reasonCodes[r]; ok {
		return code
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}
