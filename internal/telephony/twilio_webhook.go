package telephony

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	twclient "github.com/twilio/twilio-go/client"
)

// TwilioStatusForm captures the status-callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid         string `json:"CallSid"`
	AccountSid      string `json:"AccountSid"`
	From            string `json:"From"`
	To              string `json:"To"`
	CallStatus      string `json:"CallStatus"`
	CallDuration    string `json:"CallDuration,omitempty"`
	AnsweredBy      string `json:"AnsweredBy,omitempty"`
	RecordingURL    string `json:"RecordingUrl,omitempty"`
	RecordingStatus string `json:"RecordingStatus,omitempty"`
	Timestamp       string `json:"Timestamp,omitempty"`
	SequenceNumber  string `json:"SequenceNumber,omitempty"`

	// ClientState comes from our own status callback url, not from Twilio.
	ClientState string `json:"client_state,omitempty"`
}

func ParseTwilioStatusForm(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:         r.PostFormValue("CallSid"),
		AccountSid:      r.PostFormValue("AccountSid"),
		From:            strings.TrimSpace(r.PostFormValue("From")),
		To:              strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:      strings.ToLower(r.PostFormValue("CallStatus")),
		CallDuration:    r.PostFormValue("CallDuration"),
		AnsweredBy:      r.PostFormValue("AnsweredBy"),
		RecordingURL:    r.PostFormValue("RecordingUrl"),
		RecordingStatus: r.PostFormValue("RecordingStatus"),
		Timestamp:       r.PostFormValue("Timestamp"),
		SequenceNumber:  r.PostFormValue("SequenceNumber"),
		ClientState:     r.URL.Query().Get("client_state"),
	}
	if f.CallSid == "" {
		return TwilioStatusForm{}, ErrInvalidWebhook
	}
	return f, nil
}

// ToEvent maps a status callback onto the provider-neutral event.
func (f TwilioStatusForm) ToEvent(receivedAt time.Time) Event {
	raw, _ := json.Marshal(f)
	ev := Event{
		Provider:       "twilio",
		Name:           "twilio." + f.CallStatus,
		ProviderCallID: f.CallSid,
		ClientState:    f.ClientState,
		OccurredAt:     receivedAt,
		Raw:            raw,
	}
	if f.SequenceNumber != "" {
		ev.EventID = f.CallSid + ":" + f.SequenceNumber
	}
	if t := parseTimePtr(f.Timestamp); t != nil {
		ev.OccurredAt = *t
	}

	// Recording callbacks carry no CallStatus.
	if f.RecordingURL != "" && (f.RecordingStatus == "completed" || f.CallStatus == "") {
		ev.Kind = EventRecordingSaved
		ev.Name = "twilio.recording.completed"
		ev.RecordingURL = f.RecordingURL
		if !strings.HasSuffix(ev.RecordingURL, ".mp3") {
			ev.RecordingURL += ".mp3"
		}
		return ev
	}

	machine := strings.HasPrefix(f.AnsweredBy, "machine") || f.AnsweredBy == "fax"
	switch f.CallStatus {
	case "queued", "initiated", "ringing":
		ev.Kind = EventInitiated
	case "in-progress":
		ev.Kind = EventAnswered
		if machine {
			ev.Kind = EventMachineDetection
			ev.MachineResult = "machine"
		}
	case "completed", "busy", "no-answer":
		ev.Kind = EventHangup
		if n, err := strconv.Atoi(f.CallDuration); err == nil && n >= 0 {
			ev.DurationSeconds = &n
		}
		switch f.CallStatus {
		case "busy":
			ev.HangupOutcome = "busy"
		case "no-answer":
			ev.HangupOutcome = "no_answer"
		}
		if machine {
			ev.MachineResult = "machine"
		}
	case "failed", "canceled":
		ev.Kind = EventFailed
	default:
		ev.Kind = EventUnknown
	}
	return ev
}

// TwilioSignatureValidator checks X-Twilio-Signature on form callbacks.
type TwilioSignatureValidator struct {
	v twclient.RequestValidator
}

func NewTwilioSignatureValidator(authToken string) TwilioSignatureValidator {
	return TwilioSignatureValidator{v: twclient.NewRequestValidator(authToken)}
}

// Validate must be called after the form was parsed. fullURL is the public
// url Twilio posted to, query string included.
func (s TwilioSignatureValidator) Validate(r *http.Request, fullURL string) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	return s.v.Validate(fullURL, params, sig)
}
