package status

import (
	"testing"
)

func TestTransitionSequence(t *testing.T) {
	var seen []Status
	m := NewMachine(func(s Status) { seen = append(seen, s) }, nil)

	for _, s := range []Status{Starting, Running, Successful} {
		if !m.Transition(s) {
			t.Fatalf("transition to %s suppressed", s)
		}
	}
	if len(seen) != 3 || seen[2] != Successful {
		t.Errorf("handler saw %v", seen)
	}
}

func TestTerminalLatches(t *testing.T) {
	m := NewMachine(nil, nil)
	m.Transition(Starting)
	m.Transition(Running)
	m.Transition(Canceled)

	for _, s := range []Status{Failed, Successful, Timeout, Running} {
		if m.Transition(s) {
			t.Errorf("transition to %s allowed after terminal state", s)
		}
	}
	if m.Current() != Canceled {
		t.Errorf("current = %s, want canceled", m.Current())
	}
}

func TestInvalidStateRejected(t *testing.T) {
	m := NewMachine(nil, nil)
	if m.Transition(Status("exploded")) {
		t.Error("undefined state should be rejected")
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	m := NewMachine(func(s Status) { panic("observer bug") }, nil)
	if !m.Transition(Starting) {
		t.Fatal("transition should survive a panicking handler")
	}
	if m.Current() != Starting {
		t.Errorf("current = %s", m.Current())
	}
}

func TestResolvePrecedence(t *testing.T) {
	cases := []struct {
		name                        string
		rc                          int
		timedOut, canceled, errored bool
		want                        Status
	}{
		{"clean exit", 0, false, false, false, Successful},
		{"nonzero exit", 2, false, false, false, Failed},
		{"timeout", 0, true, false, false, Timeout},
		{"cancel beats timeout", 0, true, true, false, Canceled},
		{"io error beats rc", 0, false, false, true, Failed},
		{"timeout beats error", 1, true, false, true, Timeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.rc, tc.timedOut, tc.canceled, tc.errored); got != tc.want {
				t.Errorf("Resolve = %s, want %s", got, tc.want)
			}
		})
	}
}
