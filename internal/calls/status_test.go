package calls

import (
	"errors"
	"testing"
)

var allStatuses = []CallStatus{
	CallStatusQueued,
	CallStatusInitiating,
	CallStatusRinging,
	CallStatusInProgress,
	CallStatusCompleted,
	CallStatusVoicemail,
	CallStatusFailed,
	CallStatusCancelled,
}

func TestTransitions_NeverMoveBackward(t *testing.T) {
	rank := map[CallStatus]int{
		CallStatusQueued:     0,
		CallStatusInitiating: 1,
		CallStatusRinging:    2,
		CallStatusInProgress: 3,
		CallStatusCompleted:  4,
		CallStatusVoicemail:  5,
		CallStatusFailed:     4,
		CallStatusCancelled:  4,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanTransition(from, to) && rank[to] <= rank[from] {
				t.Fatalf("transition %s -> %s moves backward", from, to)
			}
		}
	}
}

func TestTransitions_TerminalStatesAreSticky(t *testing.T) {
	for _, from := range []CallStatus{CallStatusVoicemail, CallStatusFailed, CallStatusCancelled} {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not move to %s", from, to)
			}
		}
	}
	if CanTransition(CallStatusCompleted, CallStatusRinging) {
		t.Fatalf("completed -> ringing must be forbidden")
	}
	if CanTransition(CallStatusCompleted, CallStatusInProgress) {
		t.Fatalf("completed -> in_progress must be forbidden")
	}
}

func TestCheckTransition_WrapsSentinel(t *testing.T) {
	err := CheckTransition(CallStatusCompleted, CallStatusRinging)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := CheckTransition(CallStatusQueued, CallStatus("bogus")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
	if err := CheckTransition(CallStatusRinging, CallStatusInProgress); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestParseOutcome(t *testing.T) {
	cases := map[string]Outcome{
		"schedule_appointment": OutcomeAppointmentScheduled,
		"Appointment":          OutcomeAppointmentScheduled,
		"not interested":       OutcomeNotInterested,
		"request_callback":     OutcomeCallbackRequested,
		"machine":              OutcomeVoicemail,
		"no-answer":            OutcomeNoAnswer,
	}
	for in, want := range cases {
		got, ok := ParseOutcome(in)
		if !ok || got != want {
			t.Fatalf("%q: expected %q, got %q (ok=%v)", in, want, got, ok)
		}
	}
	if _, ok := ParseOutcome("maybe later"); ok {
		t.Fatalf("expected no match")
	}
}
