package approval

import (
	"errors"
	"strconv"
	"strings"
)

// State is a step of the approval state machine.
type State string

const (
	StateUnknown                State = "UNKNOWN"
	StateChecking               State = "CHECKING"
	StateNoneNeeded             State = "NONE_NEEDED"
	StateNeedsReset             State = "NEEDS_RESET"
	StateNeedsTokenApproval     State = "NEEDS_TOKEN_APPROVAL"
	StateNeedsDelegatedApproval State = "NEEDS_DELEGATED_APPROVAL"
	StateSubmitting             State = "SUBMITTING"
	StateConfirming             State = "CONFIRMING"
	StateDone                   State = "DONE"
	StateRejected               State = "REJECTED"
	StateFailed                 State = "FAILED"
)

// ErrInvalidTransition indicates that a requested transition is not allowed.
var ErrInvalidTransition = errors.New("invalid approval state transition")

// NeedsAction reports whether s is a pending step the user must act on.
func (s State) NeedsAction() bool {
	switch s {
	case StateNeedsReset, StateNeedsTokenApproval, StateNeedsDelegatedApproval:
		return true
	}
	return false
}

// Busy reports whether a step is in flight.
func (s State) Busy() bool {
	return s == StateSubmitting || s == StateConfirming
}

// validTransitions contains the permitted transitions. Any state may return
// to UNKNOWN when the inputs change.
var validTransitions = map[State][]State{
	StateUnknown: {
		StateChecking,
	},
	StateChecking: {
		StateNoneNeeded,
		StateNeedsReset,
		StateNeedsTokenApproval,
		StateNeedsDelegatedApproval,
		StateFailed,
	},
	StateNoneNeeded: {
		StateChecking,
	},
	StateNeedsReset: {
		StateSubmitting,
		StateChecking,
	},
	StateNeedsTokenApproval: {
		StateSubmitting,
		StateChecking,
	},
	StateNeedsDelegatedApproval: {
		StateSubmitting,
		StateChecking,
	},
	StateSubmitting: {
		StateConfirming,
		StateDone,
		StateRejected,
		StateFailed,
	},
	StateConfirming: {
		StateDone,
		StateRejected,
		StateFailed,
	},
	StateDone: {
		StateChecking,
	},
	StateRejected: {
		StateNeedsReset,
		StateNeedsTokenApproval,
		StateNeedsDelegatedApproval,
		StateChecking,
	},
	StateFailed: {
		StateChecking,
	},
}

// IsTransitionAllowed reports whether moving from one state to another is valid.
func IsTransitionAllowed(from, to State) bool {
	if to == StateUnknown {
		return true
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, state := range allowed {
		if state == to {
			return true
		}
	}

	return false
}

var transitionRecorder = func(from, to string) {}

// RegisterTransitionRecorder allows external packages to observe transitions.
func RegisterTransitionRecorder(recorder func(from, to string)) {
	if recorder == nil {
		transitionRecorder = func(string, string) {}
		return
	}

	transitionRecorder = recorder
}

// ResetPolicy lists tokens that must be approved down to zero before an
// existing non-zero allowance can be raised.
type ResetPolicy struct {
	tokens map[string]struct{}
}

// NewResetPolicy builds a policy from chain ID to token addresses.
func NewResetPolicy(tokens map[int64][]string) ResetPolicy {
	p := ResetPolicy{tokens: make(map[string]struct{})}
	for chainID, addrs := range tokens {
		for _, a := range addrs {
			p.tokens[policyKey(chainID, a)] = struct{}{}
		}
	}
	return p
}

// RequiresReset reports whether token on chainID is listed.
func (p ResetPolicy) RequiresReset(chainID int64, token string) bool {
	_, ok := p.tokens[policyKey(chainID, token)]
	return ok
}

func policyKey(chainID int64, token string) string {
	return strings.ToLower(token) + "@" + strconv.FormatInt(chainID, 10)
}
