package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind is the provider-neutral meaning of an inbound webhook.
type EventKind string

const (
	EventInitiated         EventKind = "initiated"
	EventAnswered          EventKind = "answered"
	EventHangup            EventKind = "hangup"
	EventFailed            EventKind = "failed"
	EventMachineDetection  EventKind = "machine_detection"
	EventRecordingSaved    EventKind = "recording_saved"
	EventTranscription     EventKind = "transcription"
	EventFunctionCall      EventKind = "function_call"
	EventConversationEnded EventKind = "conversation_ended"
	EventUnknown           EventKind = "unknown"
)

// AI assistant tool names the engine reacts to.
const (
	FuncScheduleAppointment = "schedule_appointment"
	FuncMarkNotInterested   = "mark_not_interested"
	FuncRequestCallback     = "request_callback"
)

// Event is a parsed webhook. Raw keeps the provider payload untouched so it
// can be logged verbatim and replayed later.
type Event struct {
	Provider string    `json:"provider"`
	Kind     EventKind `json:"kind"`
	// Name is the provider's own event type string.
	Name    string `json:"name"`
	EventID string `json:"event_id,omitempty"`

	ProviderCallID string    `json:"provider_call_id,omitempty"`
	AltCallID      string    `json:"alt_call_id,omitempty"`
	ClientState    string    `json:"client_state,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`

	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	MachineResult   string `json:"machine_result,omitempty"`
	RecordingURL    string `json:"recording_url,omitempty"`
	TranscriptText  string `json:"transcript_text,omitempty"`
	Summary         string `json:"summary,omitempty"`

	// HangupOutcome carries a provider disposition such as "busy" or
	// "no_answer" when the call ended without a conversation.
	HangupOutcome string `json:"hangup_outcome,omitempty"`

	FunctionName string          `json:"function_name,omitempty"`
	FunctionArgs json.RawMessage `json:"function_args,omitempty"`

	Raw json.RawMessage `json:"raw"`
}

// IsMachine reports whether answering-machine detection found a machine.
func (e Event) IsMachine() bool {
	r := strings.ToLower(e.MachineResult)
	return r == "machine" || strings.HasPrefix(r, "machine_")
}

// Arg returns the first non-empty function argument among keys. Arguments
// may arrive as a JSON object, a JSON string holding an object, or a bare
// string; a bare string is returned for any key.
func (e Event) Arg(keys ...string) string {
	obj, bare := e.functionArgs()
	if obj == nil {
		return bare
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}

// AppointmentTime is the time a schedule_appointment call asked for. Without
// a recognized key the raw arguments are kept so nothing is lost.
func (e Event) AppointmentTime() string {
	if s := e.Arg("date", "time", "datetime", "appointment_time"); s != "" {
		return s
	}
	return e.ArgsText()
}

// CallbackTime is the preferred time of a request_callback call, falling
// back to the raw arguments like AppointmentTime.
func (e Event) CallbackTime() string {
	if s := e.Arg("preferred_time", "time", "callback_time"); s != "" {
		return s
	}
	return e.ArgsText()
}

// ArgsText renders the function arguments as a compact string.
func (e Event) ArgsText() string {
	obj, bare := e.functionArgs()
	if obj == nil {
		return bare
	}
	b, _ := json.Marshal(obj)
	return string(b)
}

func (e Event) functionArgs() (map[string]any, string) {
	if len(e.FunctionArgs) == 0 {
		return nil, ""
	}
	var obj map[string]any
	if err := json.Unmarshal(e.FunctionArgs, &obj); err == nil {
		return obj, ""
	}
	var s string
	if err := json.Unmarshal(e.FunctionArgs, &s); err != nil {
		return nil, strings.TrimSpace(string(e.FunctionArgs))
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, ""
	}
	return nil, strings.TrimSpace(s)
}
