package telephony

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

var ErrInvalidWebhook = errors.New("telephony: invalid webhook payload")

// telnyxEnvelope is the v2 webhook envelope: {"data": {"event_type", "id", "occurred_at", "payload"}}.
type telnyxEnvelope struct {
	Data struct {
		EventType  string          `json:"event_type"`
		ID         string          `json:"id"`
		OccurredAt string          `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	} `json:"data"`
}

type telnyxPayload struct {
	CallControlID   string   `json:"call_control_id"`
	CallSID         string   `json:"call_sid"`
	CallLegID       string   `json:"call_leg_id"`
	ClientState     string   `json:"client_state"`
	DurationSeconds *float64 `json:"duration_seconds"`
	Result          string   `json:"result"`
	HangupCause     string   `json:"hangup_cause"`

	RecordingURLs       map[string]string `json:"recording_urls"`
	PublicRecordingURLs map[string]string `json:"public_recording_urls"`

	TranscriptionData struct {
		Transcript string `json:"transcript"`
	} `json:"transcription_data"`

	FunctionCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`

	ConversationSummary string `json:"conversation_summary"`
}

// ParseTelnyxWebhook decodes a Telnyx webhook body into an Event. Unknown
// event types parse fine and come back as EventUnknown.
func ParseTelnyxWebhook(body []byte, receivedAt time.Time) (Event, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, ErrInvalidWebhook
	}
	if env.Data.EventType == "" {
		return Event{}, ErrInvalidWebhook
	}

	var p telnyxPayload
	if len(env.Data.Payload) > 0 && string(env.Data.Payload) != "null" {
		if err := json.Unmarshal(env.Data.Payload, &p); err != nil {
			return Event{}, ErrInvalidWebhook
		}
	}

	ev := Event{
		Provider:       "telnyx",
		Kind:           telnyxKind(env.Data.EventType),
		Name:           env.Data.EventType,
		EventID:        env.Data.ID,
		ProviderCallID: p.CallControlID,
		AltCallID:      p.CallSID,
		ClientState:    p.ClientState,
		OccurredAt:     receivedAt,
		Raw:            json.RawMessage(body),
	}
	if ev.ProviderCallID == "" {
		ev.ProviderCallID, ev.AltCallID = p.CallSID, ""
	}
	if t, err := time.Parse(time.RFC3339Nano, env.Data.OccurredAt); err == nil {
		ev.OccurredAt = t
	}

	switch ev.Kind {
	case EventHangup:
		if p.DurationSeconds != nil && *p.DurationSeconds >= 0 {
			d := int(math.Round(*p.DurationSeconds))
			ev.DurationSeconds = &d
		}
		ev.HangupOutcome = telnyxHangupOutcome(p.HangupCause)
	case EventMachineDetection:
		ev.MachineResult = p.Result
	case EventRecordingSaved:
		ev.RecordingURL = p.RecordingURLs["mp3"]
		if ev.RecordingURL == "" {
			ev.RecordingURL = p.PublicRecordingURLs["mp3"]
		}
	case EventTranscription:
		ev.TranscriptText = p.TranscriptionData.Transcript
	case EventFunctionCall:
		ev.FunctionName = p.FunctionCall.Name
		ev.FunctionArgs = p.FunctionCall.Arguments
	case EventConversationEnded:
		ev.Summary = p.ConversationSummary
	}
	return ev, nil
}

func telnyxKind(eventType string) EventKind {
	switch eventType {
	case "call.initiated":
		return EventInitiated
	case "call.answered":
		return EventAnswered
	case "call.hangup":
		return EventHangup
	case "call.machine.detection.ended", "call.machine.premium.detection.ended":
		return EventMachineDetection
	case "call.recording.saved":
		return EventRecordingSaved
	case "call.transcription":
		return EventTranscription
	case "ai.assistant.function_call":
		return EventFunctionCall
	case "ai.assistant.conversation.ended":
		return EventConversationEnded
	}
	return EventUnknown
}

func telnyxHangupOutcome(cause string) string {
	switch cause {
	case "user_busy":
		return "busy"
	case "timeout", "no_answer":
		return "no_answer"
	}
	return ""
}
