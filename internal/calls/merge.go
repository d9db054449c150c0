package calls

import (
	"strings"
	"time"
)

// Patch is a field-scoped change to a Call. Nil pointers and empty append
// strings mean "leave alone".
type Patch struct {
	Status         *CallStatus
	Outcome        *Outcome
	ProviderCallID *string

	DurationSeconds *int
	RecordingURL    *string
	Transcript      *string
	Summary         *string
	Notes           *string

	AppointmentAt       *string
	CallbackPreferredAt *string

	StartedAt *time.Time
	EndedAt   *time.Time

	// AppendTranscript and AppendSummary add a fragment instead of filling
	// an empty field. Every non-empty fragment is appended, repeats included;
	// callers drop redelivered events before building the patch.
	AppendTranscript string
	AppendSummary    string
}

// IsZero reports whether the patch carries no change at all.
func (p Patch) IsZero() bool {
	return p.Status == nil && p.Outcome == nil && p.ProviderCallID == nil &&
		p.DurationSeconds == nil && p.RecordingURL == nil && p.Transcript == nil &&
		p.Summary == nil && p.Notes == nil && p.AppointmentAt == nil &&
		p.CallbackPreferredAt == nil && p.StartedAt == nil && p.EndedAt == nil &&
		p.AppendTranscript == "" && p.AppendSummary == ""
}

// MergeMode selects who is writing.
type MergeMode int

const (
	// MergeFillEmpty is used by every automatic writer (dialer, webhooks, sync):
	// a field is only written while it is still empty.
	MergeFillEmpty MergeMode = iota
	// MergeOverride is an explicit operator action. Outcome, notes and the
	// appointment/callback times replace what is stored.
	MergeOverride
)

// MergePatch applies p to c and returns the new call with the names of the
// fields that actually changed. It is the single merge rule shared by all
// writers; stores call it inside their read-modify-write.
//
// Status moves only along the transition table. Entering a terminal status
// backfills StartedAt if it was never set. EndedAt and DurationSeconds are
// dropped unless the resulting status is terminal.
func MergePatch(c Call, p Patch, mode MergeMode, now time.Time) (Call, []string) {
	var changed []string
	mark := func(f string) { changed = append(changed, f) }

	entered := false
	if p.Status != nil && *p.Status != c.Status && CanTransition(c.Status, *p.Status) {
		c.Status = *p.Status
		mark(FieldStatus)
		entered = c.Status.IsTerminal()
	}

	if p.ProviderCallID != nil && *p.ProviderCallID != "" && c.ProviderCallID == "" {
		c.ProviderCallID = *p.ProviderCallID
		mark(FieldProviderCallID)
	}

	if p.StartedAt != nil && c.StartedAt == nil {
		t := *p.StartedAt
		c.StartedAt = &t
		mark(FieldStartedAt)
	}

	if c.Status.IsTerminal() {
		if entered && c.StartedAt == nil && (c.Status == CallStatusCompleted || c.Status == CallStatusVoicemail) {
			t := now
			if p.EndedAt != nil {
				t = *p.EndedAt
			}
			c.StartedAt = &t
			mark(FieldStartedAt)
		}
		if p.EndedAt != nil && c.EndedAt == nil {
			t := *p.EndedAt
			c.EndedAt = &t
			mark(FieldEndedAt)
		}
		if p.DurationSeconds != nil && *p.DurationSeconds >= 0 && c.DurationSeconds == nil {
			d := *p.DurationSeconds
			c.DurationSeconds = &d
			mark(FieldDurationSeconds)
		}
	}

	if p.Outcome != nil && *p.Outcome != "" && *p.Outcome != c.Outcome {
		if c.Outcome == "" || mode == MergeOverride {
			c.Outcome = *p.Outcome
			mark(FieldOutcome)
		}
	}

	fillOrOverride := func(dst *string, v *string, field string, overridable bool) {
		if v == nil || *v == "" || *v == *dst {
			return
		}
		if *dst == "" || (overridable && mode == MergeOverride) {
			*dst = *v
			mark(field)
		}
	}
	fillOrOverride(&c.RecordingURL, p.RecordingURL, FieldRecordingURL, false)
	fillOrOverride(&c.Transcript, p.Transcript, FieldTranscript, false)
	fillOrOverride(&c.Summary, p.Summary, FieldSummary, false)
	fillOrOverride(&c.Notes, p.Notes, FieldNotes, true)
	fillOrOverride(&c.AppointmentAt, p.AppointmentAt, FieldAppointmentAt, true)
	fillOrOverride(&c.CallbackPreferredAt, p.CallbackPreferredAt, FieldCallbackPreferredAt, true)

	if next, ok := appendFragment(c.Transcript, p.AppendTranscript, "\n"); ok {
		c.Transcript = next
		if !contains(changed, FieldTranscript) {
			mark(FieldTranscript)
		}
	}
	if next, ok := appendFragment(c.Summary, p.AppendSummary, "\n\n"); ok {
		c.Summary = next
		if !contains(changed, FieldSummary) {
			mark(FieldSummary)
		}
	}

	if len(changed) > 0 {
		c.UpdatedAt = now
	}
	return c, changed
}

func appendFragment(cur, frag, sep string) (string, bool) {
	frag = strings.TrimSpace(frag)
	if frag == "" {
		return cur, false
	}
	if cur == "" {
		return frag, true
	}
	return cur + sep + frag, true
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// DeriveContactStatus maps a call's state onto its contact's status.
// The outcome wins over the call status so a converted lead is not demoted
// to "called" when the hangup lands after the appointment was booked.
// ok is false when the call says nothing about the contact yet.
func DeriveContactStatus(c Call) (ContactStatus, bool) {
	switch c.Outcome {
	case OutcomeAppointmentScheduled:
		return ContactConverted, true
	case OutcomeNotInterested, OutcomeDoNotCall:
		return ContactNotInterested, true
	case OutcomeCallbackRequested:
		return ContactCallback, true
	case "":
	default:
		return ContactCalled, true
	}
	switch c.Status {
	case CallStatusCompleted, CallStatusVoicemail:
		return ContactCalled, true
	case CallStatusFailed, CallStatusCancelled:
		// Back in the pool for a later run.
		return ContactPending, true
	}
	return "", false
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }
