package retry

import (
	"fmt"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// State is a step in the per-provider attempt lifecycle.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateSucceeded
	StateRetrying
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Machine tracks attempts against one provider:
//
//	Idle -> Attempting -> Succeeded
//	                   -> Retrying(delay) -> Attempting
//	                   -> GivenUp
//
// It never sleeps; the caller waits out Delay between Retrying and Begin.
type Machine struct {
	policy   *Policy
	state    State
	attempts int
	delay    time.Duration
	last     *types.ClassifiedError
}

func NewMachine(policy *Policy) *Machine {
	return &Machine{policy: policy, state: StateIdle}
}

// Begin starts the next attempt.
func (m *Machine) Begin() error {
	if m.state != StateIdle && m.state != StateRetrying {
		return fmt.Errorf("retry: cannot begin attempt in state %s", m.state)
	}
	m.state = StateAttempting
	m.attempts++
	m.delay = 0
	return nil
}

// Succeed records a successful attempt.
func (m *Machine) Succeed() error {
	if m.state != StateAttempting {
		return fmt.Errorf("retry: cannot succeed in state %s", m.state)
	}
	m.state = StateSucceeded
	return nil
}

// Fail records a failed attempt and consults the policy.
func (m *Machine) Fail(err *types.ClassifiedError) (Decision, error) {
	if m.state != StateAttempting {
		return GiveUp, fmt.Errorf("retry: cannot fail in state %s", m.state)
	}
	m.last = err
	d := m.policy.Decide(err, m.attempts)
	if d.Retry {
		m.state = StateRetrying
		m.delay = d.Delay
	} else {
		m.state = StateGivenUp
	}
	return d, nil
}

// Abandon gives up immediately, e.g. when the dispatch deadline fires while waiting.
func (m *Machine) Abandon(err *types.ClassifiedError) {
	if err != nil {
		m.last = err
	}
	m.state = StateGivenUp
	m.delay = 0
}

func (m *Machine) State() State                 { return m.state }
func (m *Machine) Attempts() int                { return m.attempts }
func (m *Machine) Delay() time.Duration         { return m.delay }
func (m *Machine) Last() *types.ClassifiedError { return m.last }
