package policy

import (
	"fmt"
	"strings"
)

// Mode indicates whether access checks fail open or closed when the policy
// engine returns an error.
type Mode string

const (
	// ModeFailClosed denies the remote server when evaluation fails.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen admits the remote server when evaluation fails.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant. An
// empty value selects ModeFailClosed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// OnError returns the decision that stands in for a failed evaluation.
func (m Mode) OnError(err error) Decision {
	if m == ModeFailOpen {
		return Decision{Action: ActionAllow, Reason: "policy error ignored: " + err.Error(), Metadata: map[string]string{"posture": string(m)}}
	}
	return Decision{Action: ActionBlock, Reason: "policy error: " + err.Error(), Metadata: map[string]string{"posture": string(ModeFailClosed)}}
}
