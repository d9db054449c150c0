package calls

import (
	"encoding/json"
	"strings"
	"time"
)

// Campaign is an outbound calling campaign and the script its AI assistant runs.
//
// Campaigns are created and edited through CRUD surfaces; the engine only reads
// them, flips Status, and pushes script edits to the provider assistant.
type Campaign struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`

	Instructions string `json:"instructions,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	BotName      string `json:"bot_name,omitempty"`

	// CallerID is the E.164 number calls are placed from.
	CallerID      string `json:"caller_id"`
	CallbackPhone string `json:"callback_phone,omitempty"`

	TimeLimitSecs      int  `json:"time_limit_secs,omitempty"`
	VoicemailDetection bool `json:"voicemail_detection"`

	// AssistantRef is the provider-side AI assistant id.
	AssistantRef string `json:"assistant_ref,omitempty"`

	Status CampaignStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CampaignStatus string

const (
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
)

// ScriptUpdate carries an edit of the campaign's assistant script.
// Empty fields are left unchanged.
type ScriptUpdate struct {
	Instructions string `json:"instructions,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

// Contact is a lead owned by exactly one campaign.
type Contact struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`

	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name,omitempty"`
	Phone           string `json:"phone"`
	Email           string `json:"email,omitempty"`
	PropertyAddress string `json:"property_address,omitempty"`
	Notes           string `json:"notes,omitempty"`

	Status ContactStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type ContactStatus string

const (
	ContactPending       ContactStatus = "pending"
	ContactQueued        ContactStatus = "queued"
	ContactCalled        ContactStatus = "called"
	ContactCallback      ContactStatus = "callback"
	ContactConverted     ContactStatus = "converted"
	ContactNotInterested ContactStatus = "not_interested"
)

// Call is one outbound dial attempt of a contact.
//
// Invariants:
//   - Status only moves along the transition table in status.go.
//   - EndedAt and DurationSeconds are only set once Status is terminal.
//   - Outcome is written at most once by automatic writers; see MergePatch.
type Call struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`

	// ProviderCallID is empty until the provider accepts the call.
	ProviderCallID string `json:"provider_call_id,omitempty"`

	Status  CallStatus `json:"status"`
	Outcome Outcome    `json:"outcome,omitempty"`

	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	RecordingURL    string `json:"recording_url,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	Summary         string `json:"summary,omitempty"`
	Notes           string `json:"notes,omitempty"`

	// Verbatim values from the assistant or operator; not parsed.
	AppointmentAt       string `json:"appointment_at,omitempty"`
	CallbackPreferredAt string `json:"callback_preferred_at,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MissingFields lists the derived fields reconciliation still has to find.
func (c Call) MissingFields() []string {
	var out []string
	if c.Transcript == "" {
		out = append(out, FieldTranscript)
	}
	if c.Summary == "" {
		out = append(out, FieldSummary)
	}
	if c.RecordingURL == "" {
		out = append(out, FieldRecordingURL)
	}
	if c.Outcome == "" {
		out = append(out, FieldOutcome)
	}
	return out
}

// CallView is a Call joined with the display fields live clients show.
type CallView struct {
	Call

	ContactName     string `json:"contact_name"`
	ContactPhone    string `json:"contact_phone"`
	ContactEmail    string `json:"contact_email,omitempty"`
	PropertyAddress string `json:"property_address,omitempty"`
	CampaignName    string `json:"campaign_name"`
	CampaignType    string `json:"campaign_type"`
}

// NewCallView joins a call with its contact and campaign.
func NewCallView(c Call, ct Contact, cp Campaign) CallView {
	return CallView{
		Call:            c,
		ContactName:     ct.FullName(),
		ContactPhone:    ct.Phone,
		ContactEmail:    ct.Email,
		PropertyAddress: ct.PropertyAddress,
		CampaignName:    cp.Name,
		CampaignType:    cp.Type,
	}
}

// CallEvent is an append-only record of a raw provider event.
// CallID is empty for events that matched no local call.
type CallEvent struct {
	ID             string          `json:"id"`
	CallID         string          `json:"call_id,omitempty"`
	Provider       string          `json:"provider"`
	EventType      string          `json:"event_type"`
	ProviderCallID string          `json:"provider_call_id,omitempty"`
	// EventID is the provider's id for the delivery. Retries repeat it.
	EventID        string          `json:"event_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DNCEntry is a Do-Not-Call list row keyed by E.164 phone.
type DNCEntry struct {
	Phone     string    `json:"phone"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CallFilter narrows call listings. Zero values mean "any".
type CallFilter struct {
	CampaignID string
	Outcome    Outcome
	Statuses   []CallStatus
	Limit      int
	// Offset skips that many rows of the newest-first order.
	Offset int
}
