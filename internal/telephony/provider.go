package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported is returned by adapters for operations their provider does not offer.
var ErrUnsupported = errors.New("telephony: operation not supported by provider")

// Provider is the provider-agnostic voice API used by the dialer, the
// ingestor and the reconciliation engine.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Request/response types stay provider-agnostic; raw payloads travel as json.RawMessage.
// - GetCallDetail returns (nil, nil) when the provider does not know the call.
type Provider interface {
	Name() string

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	UpdateAssistantScript(ctx context.Context, assistantRef string, s AssistantScript) error
	StartConversation(ctx context.Context, providerCallID, assistantRef string, vars map[string]string) error

	GetCallDetail(ctx context.Context, providerCallID string) (*CallDetail, error)
	ListRecordings(ctx context.Context, f RecordingFilter) ([]Recording, error)
	ListCallEvents(ctx context.Context, q CallEventsQuery) (CallEventsPage, error)
}

// PlaceCallRequest asks the provider to dial a contact with an AI assistant.
type PlaceCallRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	AssistantRef string `json:"assistant_ref"`

	// ClientState is echoed back on every webhook for this call.
	ClientState string `json:"client_state"`

	// Variables are exposed to the assistant as dynamic variables.
	Variables map[string]string `json:"variables,omitempty"`

	TimeLimitSecs      int  `json:"time_limit_secs,omitempty"`
	VoicemailDetection bool `json:"voicemail_detection"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
}

// AssistantScript is the per-call personalized prompt pushed to the assistant.
type AssistantScript struct {
	Instructions string `json:"instructions"`
	Greeting     string `json:"greeting"`
	Voice        string `json:"voice,omitempty"`
}

// CallDetail is the provider's current view of a call.
type CallDetail struct {
	ProviderCallID  string     `json:"provider_call_id"`
	State           string     `json:"state"`
	Ended           bool       `json:"ended"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`

	// LegID and SessionID scope event queries for providers that have them.
	LegID     string `json:"leg_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// RecordingFilter narrows a recording listing. An empty Key lists recent
// recordings account-wide.
type RecordingFilter struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

const (
	RecordingByLegID       = "call_leg_id"
	RecordingByCallControl = "call_control_id"
	RecordingByCallSID     = "call_sid"
)

type Recording struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	DownloadURL string    `json:"download_url"`
}

// CallEventsQuery pages through the provider's event history for one leg or session.
type CallEventsQuery struct {
	LegID     string
	SessionID string
	Since     time.Time
	Page      int
	PageSize  int
}

type CallEventsPage struct {
	Events  []ProviderEvent `json:"events"`
	HasMore bool            `json:"has_more"`
}

// ProviderEvent is one entry of a provider's call event history.
type ProviderEvent struct {
	Name       string          `json:"name"`
	OccurredAt time.Time       `json:"occurred_at"`
	LegID      string          `json:"leg_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// APIError is a non-2xx response from a provider REST API.
type APIError struct {
	Provider string
	Status   int
	Detail   string
	Body     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("telephony: %s api status %d: %s", e.Provider, e.Status, e.Detail)
	}
	return fmt.Sprintf("telephony: %s api status %d", e.Provider, e.Status)
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
