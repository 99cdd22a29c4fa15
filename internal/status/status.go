// Package status tracks a job's lifecycle state and fan-out to status
// handlers. Terminal states latch: once a run is successful, failed,
// timed out, or canceled, nothing moves it again.
package status

import (
	"sync"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a job.
type Status string

const (
	Unstarted  Status = "unstarted"
	Starting   Status = "starting"
	Running    Status = "running"
	Successful Status = "successful"
	Failed     Status = "failed"
	Timeout    Status = "timeout"
	Canceled   Status = "canceled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case Successful, Failed, Timeout, Canceled:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case Unstarted, Starting, Running, Successful, Failed, Timeout, Canceled:
		return true
	}
	return false
}

// Handler observes every transition. It runs synchronously on the
// transitioning goroutine; panics are recovered and logged so a
// misbehaving observer cannot abort the run.
type Handler func(s Status)

// Machine serializes status transitions for one job.
type Machine struct {
	mu      sync.Mutex
	current Status
	handler Handler
	log     *zap.SugaredLogger
}

// NewMachine returns a machine in the unstarted state.
func NewMachine(handler Handler, log *zap.SugaredLogger) *Machine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Machine{current: Unstarted, handler: handler, log: log}
}

// Current returns the machine's present state.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to the given state and notifies the handler. It
// returns false when the move was suppressed because a terminal state
// was already reached or the target is not a valid state.
func (m *Machine) Transition(to Status) bool {
	m.mu.Lock()
	if m.current.Terminal() || !to.Valid() || to == m.current {
		m.mu.Unlock()
		return false
	}
	m.current = to
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		m.invoke(handler, to)
	}
	return true
}

// invoke isolates handler panics from the supervisor loop.
func (m *Machine) invoke(handler Handler, s Status) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("status handler panicked", "status", string(s), "panic", r)
		}
	}()
	handler(s)
}

// Resolve computes the terminal state for a finished child process.
// Precedence: canceled beats timeout beats failure; successful requires
// a zero exit with no outstanding failure flag.
func Resolve(exitCode int, timedOut, canceled, errored bool) Status {
	switch {
	case canceled:
		return Canceled
	case timedOut:
		return Timeout
	case errored:
		return Failed
	case exitCode == 0:
		return Successful
	default:
		return Failed
	}
}
