package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

var received = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClientStateRoundTrip(t *testing.T) {
	tok := EncodeClientState("call-42")
	id, err := DecodeClientState(tok)
	if err != nil || id != "call-42" {
		t.Fatalf("expected call-42, got %q %v", id, err)
	}
	for _, bad := range []string{"", "not base64!", "e30="} {
		if _, err := DecodeClientState(bad); !errors.Is(err, ErrInvalidClientState) {
			t.Fatalf("expected invalid client state for %q, got %v", bad, err)
		}
	}
}

func TestParseTelnyxWebhookHangup(t *testing.T) {
	body := `{"data":{"event_type":"call.hangup","id":"evt-1","occurred_at":"2025-03-01T10:05:00.123Z",
		"payload":{"call_control_id":"ctrl-1","client_state":"` + EncodeClientState("call-1") + `","duration_seconds":61.4,"hangup_cause":"normal_clearing"}}}`

	ev, err := ParseTelnyxWebhook([]byte(body), received)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Kind != EventHangup || ev.Name != "call.hangup" || ev.EventID != "evt-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.ProviderCallID != "ctrl-1" || ev.ClientState == "" {
		t.Fatalf("expected ids, got %+v", ev)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 61 {
		t.Fatalf("expected rounded duration, got %v", ev.DurationSeconds)
	}
	if !ev.OccurredAt.Equal(time.Date(2025, 3, 1, 10, 5, 0, 123e6, time.UTC)) {
		t.Fatalf("unexpected occurred_at %v", ev.OccurredAt)
	}
	if string(ev.Raw) != body {
		t.Fatalf("expected raw body kept verbatim")
	}
}

func TestParseTelnyxWebhookKinds(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		check func(Event) bool
	}{
		{
			name:  "recording falls back to public url",
			body:  `{"data":{"event_type":"call.recording.saved","payload":{"call_sid":"sid-1","public_recording_urls":{"mp3":"https://r/1.mp3"}}}}`,
			check: func(e Event) bool { return e.Kind == EventRecordingSaved && e.RecordingURL == "https://r/1.mp3" && e.ProviderCallID == "sid-1" },
		},
		{
			name:  "machine detection",
			body:  `{"data":{"event_type":"call.machine.detection.ended","payload":{"call_control_id":"c","result":"machine"}}}`,
			check: func(e Event) bool { return e.Kind == EventMachineDetection && e.IsMachine() },
		},
		{
			name:  "transcription",
			body:  `{"data":{"event_type":"call.transcription","payload":{"call_control_id":"c","transcription_data":{"transcript":"hello there"}}}}`,
			check: func(e Event) bool { return e.Kind == EventTranscription && e.TranscriptText == "hello there" },
		},
		{
			name: "function call",
			body: `{"data":{"event_type":"ai.assistant.function_call","payload":{"call_control_id":"c",
				"function_call":{"name":"request_callback","arguments":{"preferred_time":"tomorrow 3pm"}}}}}`,
			check: func(e Event) bool {
				return e.Kind == EventFunctionCall && e.FunctionName == FuncRequestCallback && e.Arg("preferred_time", "time") == "tomorrow 3pm"
			},
		},
		{
			name:  "conversation ended",
			body:  `{"data":{"event_type":"ai.assistant.conversation.ended","payload":{"call_control_id":"c","conversation_summary":"Wants a callback"}}}`,
			check: func(e Event) bool { return e.Kind == EventConversationEnded && e.Summary == "Wants a callback" },
		},
		{
			name:  "unknown type is still an event",
			body:  `{"data":{"event_type":"call.bridged","payload":{"call_control_id":"c"}}}`,
			check: func(e Event) bool { return e.Kind == EventUnknown && e.Name == "call.bridged" },
		},
	}
	for _, tc := range cases {
		ev, err := ParseTelnyxWebhook([]byte(tc.body), received)
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		if !tc.check(ev) {
			t.Fatalf("%s: unexpected event %+v", tc.name, ev)
		}
		if !ev.OccurredAt.Equal(received) {
			t.Fatalf("%s: expected receive time fallback", tc.name)
		}
	}
}

func TestParseTelnyxWebhookRejectsGarbage(t *testing.T) {
	for _, body := range []string{"", "nope", `{"data":{}}`} {
		if _, err := ParseTelnyxWebhook([]byte(body), received); !errors.Is(err, ErrInvalidWebhook) {
			t.Fatalf("expected invalid webhook for %q, got %v", body, err)
		}
	}
}

func TestEventArgForms(t *testing.T) {
	obj := Event{FunctionArgs: []byte(`{"date":"2025-03-04","time":"10am"}`)}
	if obj.Arg("date", "time") != "2025-03-04" {
		t.Fatalf("expected first key to win")
	}
	encoded := Event{FunctionArgs: []byte(`"{\"reason\":\"sold already\"}"`)}
	if encoded.Arg("reason") != "sold already" {
		t.Fatalf("expected json-in-string args to decode")
	}
	bare := Event{FunctionArgs: []byte(`"next week"`)}
	if bare.Arg("preferred_time") != "next week" || bare.ArgsText() != "next week" {
		t.Fatalf("expected bare string args")
	}
}

func TestEventFunctionTimes(t *testing.T) {
	appt := Event{FunctionArgs: []byte(`{"datetime":"Friday 9am","notes":"bring keys"}`)}
	if got := appt.AppointmentTime(); got != "Friday 9am" {
		t.Fatalf("expected datetime arg, got %q", got)
	}
	cb := Event{FunctionArgs: []byte(`{"callback_time":"after 6pm"}`)}
	if got := cb.CallbackTime(); got != "after 6pm" {
		t.Fatalf("expected callback_time arg, got %q", got)
	}
	other := Event{FunctionArgs: []byte(`{"when":"soon"}`)}
	if got := other.CallbackTime(); got != `{"when":"soon"}` {
		t.Fatalf("expected raw args fallback, got %q", got)
	}
	if got := (Event{}).AppointmentTime(); got != "" {
		t.Fatalf("expected empty without args, got %q", got)
	}
}

func twilioRequest(form, query string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status"+query, strings.NewReader(form))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseTwilioStatusForm(t *testing.T) {
	r := twilioRequest("CallSid=CA123&CallStatus=busy&CallDuration=0&SequenceNumber=3", "?client_state="+EncodeClientState("call-7"))
	form, err := ParseTwilioStatusForm(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ev := form.ToEvent(received)
	if ev.Kind != EventHangup || ev.HangupOutcome != "busy" {
		t.Fatalf("expected busy hangup, got %+v", ev)
	}
	if id, _ := DecodeClientState(ev.ClientState); id != "call-7" {
		t.Fatalf("expected client state from callback url, got %q", ev.ClientState)
	}
	if ev.EventID != "CA123:3" {
		t.Fatalf("unexpected event id %q", ev.EventID)
	}

	if _, err := ParseTwilioStatusForm(twilioRequest("CallStatus=ringing", "")); !errors.Is(err, ErrInvalidWebhook) {
		t.Fatalf("expected missing CallSid to fail, got %v", err)
	}
}

func TestTwilioStatusKinds(t *testing.T) {
	cases := []struct {
		form string
		want EventKind
	}{
		{"CallSid=CA1&CallStatus=initiated", EventInitiated},
		{"CallSid=CA1&CallStatus=in-progress", EventAnswered},
		{"CallSid=CA1&CallStatus=in-progress&AnsweredBy=machine_start", EventMachineDetection},
		{"CallSid=CA1&CallStatus=failed", EventFailed},
		{"CallSid=CA1&RecordingUrl=https%3A%2F%2Fapi%2Frec&RecordingStatus=completed", EventRecordingSaved},
	}
	for _, tc := range cases {
		f, err := ParseTwilioStatusForm(twilioRequest(tc.form, ""))
		if err != nil {
			t.Fatalf("%s: %v", tc.form, err)
		}
		if got := f.ToEvent(received).Kind; got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.form, tc.want, got)
		}
	}
}

type fakeTwilioCalls struct {
	created *api.CreateCallParams
	call    *api.ApiV2010Call
	recs    []api.ApiV2010Recording
	err     error
}

func (f *fakeTwilioCalls) CreateCall(p *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.created = p
	if f.err != nil {
		return nil, f.err
	}
	sid := "CA999"
	return &api.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeTwilioCalls) FetchCall(sid string, p *api.FetchCallParams) (*api.ApiV2010Call, error) {
	return f.call, f.err
}

func (f *fakeTwilioCalls) ListRecording(p *api.ListRecordingParams) ([]api.ApiV2010Recording, error) {
	return f.recs, f.err
}

func strp(s string) *string { return &s }

func TestTwilioProvider(t *testing.T) {
	fake := &fakeTwilioCalls{
		call: &api.ApiV2010Call{
			Sid:      strp("CA999"),
			Status:   strp("completed"),
			Duration: strp("33"),
			EndTime:  strp("Sat, 01 Mar 2025 10:05:00 +0000"),
		},
		recs: []api.ApiV2010Recording{{
			Sid:         strp("RE1"),
			CallSid:     strp("CA999"),
			DateCreated: strp("Sat, 01 Mar 2025 10:06:00 +0000"),
			Uri:         strp("/2010-04-01/Accounts/AC1/Recordings/RE1.json"),
		}},
	}
	p := newTwilioProvider(fake, "https://calls.example.com/webhooks/twilio/status", nil)
	ctx := context.Background()

	res, err := p.PlaceCall(ctx, PlaceCallRequest{From: "+15550000001", To: "+15551112222", AssistantRef: "https://twiml/app", ClientState: "abc="})
	if err != nil || res.ProviderCallID != "CA999" {
		t.Fatalf("place call: %+v %v", res, err)
	}
	if fake.created.StatusCallback == nil || *fake.created.StatusCallback != "https://calls.example.com/webhooks/twilio/status?client_state=abc%3D" {
		t.Fatalf("unexpected status callback %v", fake.created.StatusCallback)
	}

	d, err := p.GetCallDetail(ctx, "CA999")
	if err != nil || d == nil || !d.Ended || d.DurationSeconds == nil || *d.DurationSeconds != 33 {
		t.Fatalf("unexpected detail %+v %v", d, err)
	}

	recs, err := p.ListRecordings(ctx, RecordingFilter{Key: RecordingByCallSID, Value: "CA999"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("recordings: %+v %v", recs, err)
	}
	if recs[0].DownloadURL != "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1.mp3" {
		t.Fatalf("unexpected media url %q", recs[0].DownloadURL)
	}
	if recs[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to parse")
	}

	if _, err := p.ListCallEvents(ctx, CallEventsQuery{LegID: "x"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
