package calls

import "fmt"

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusVoicemail  CallStatus = "voicemail"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCancelled  CallStatus = "cancelled"
)

// transitions is the complete set of legal status moves. Anything not listed
// is rejected, which is what keeps late or reordered webhooks from moving a
// call backward. completed -> voicemail is allowed because machine detection
// can report after the hangup.
var transitions = map[CallStatus][]CallStatus{
	CallStatusQueued:     {CallStatusInitiating, CallStatusCancelled},
	CallStatusInitiating: {CallStatusRinging, CallStatusInProgress, CallStatusCompleted, CallStatusVoicemail, CallStatusFailed, CallStatusCancelled},
	CallStatusRinging:    {CallStatusInProgress, CallStatusCompleted, CallStatusVoicemail, CallStatusFailed},
	CallStatusInProgress: {CallStatusCompleted, CallStatusVoicemail, CallStatusFailed},
	CallStatusCompleted:  {CallStatusVoicemail},
	CallStatusVoicemail:  nil,
	CallStatusFailed:     nil,
	CallStatusCancelled:  nil,
}

func (s CallStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusVoicemail, CallStatusFailed, CallStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a call in status from may move to to.
// A same-status write is not a transition.
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition with an error for callers that must
// surface the rejection.
func CheckTransition(from, to CallStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Outcome string

const (
	OutcomeAppointmentScheduled Outcome = "appointment_scheduled"
	OutcomeNotInterested        Outcome = "not_interested"
	OutcomeCallbackRequested    Outcome = "callback_requested"
	OutcomeVoicemail            Outcome = "voicemail"
	OutcomeNoAnswer             Outcome = "no_answer"
	OutcomeBusy                 Outcome = "busy"
	OutcomeWrongNumber          Outcome = "wrong_number"
	OutcomeDoNotCall            Outcome = "do_not_call"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAppointmentScheduled, OutcomeNotInterested, OutcomeCallbackRequested,
		OutcomeVoicemail, OutcomeNoAnswer, OutcomeBusy, OutcomeWrongNumber, OutcomeDoNotCall:
		return true
	default:
		return false
	}
}

// ParseOutcome maps loose provider or operator wording onto an Outcome.
// The second return is false when nothing matches.
func ParseOutcome(s string) (Outcome, bool) {
	switch normalizeWord(s) {
	case "appointment_scheduled", "appointment", "schedule_appointment", "scheduled", "converted":
		return OutcomeAppointmentScheduled, true
	case "not_interested", "mark_not_interested", "declined":
		return OutcomeNotInterested, true
	case "callback_requested", "callback", "request_callback", "call_back":
		return OutcomeCallbackRequested, true
	case "voicemail", "machine", "answering_machine":
		return OutcomeVoicemail, true
	case "no_answer", "noanswer", "no-answer":
		return OutcomeNoAnswer, true
	case "busy":
		return OutcomeBusy, true
	case "wrong_number":
		return OutcomeWrongNumber, true
	case "do_not_call", "dnc":
		return OutcomeDoNotCall, true
	}
	return "", false
}

func normalizeWord(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b = append(b, c+('a'-'A'))
		case c == ' ':
			b = append(b, '_')
		default:
			b = append(b, c)
		}
	}
	return string(b)
}

// Field names reported by MergePatch and sync results.
const (
	FieldStatus              = "status"
	FieldOutcome             = "outcome"
	FieldProviderCallID      = "provider_call_id"
	FieldDurationSeconds     = "duration_seconds"
	FieldRecordingURL        = "recording_url"
	FieldTranscript          = "transcript"
	FieldSummary             = "summary"
	FieldNotes               = "notes"
	FieldAppointmentAt       = "appointment_at"
	FieldCallbackPreferredAt = "callback_preferred_at"
	FieldStartedAt           = "started_at"
	FieldEndedAt             = "ended_at"
)
