package audit

import "time"

// Event is an immutable, append-only record of an operator action.
//
// Invariants:
// - Events are never updated or deleted.
// - Type is required; actor and ip capture are best-effort.
// - Audit failures never block the action being audited.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP as gin reports it.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers, depending on the event type.
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	Phone      string `json:"phone,omitempty" db:"phone"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCampaignAction  EventType = "campaign_action"
	EventTypeScriptEdit      EventType = "script_edit"
	EventTypeOutcomeOverride EventType = "outcome_override"
	EventTypeDNCChange       EventType = "dnc_change"
	EventTypeCallInitiated   EventType = "call_initiated"
)

// Actor identifies who performed an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// Filter narrows an audit listing. Zero values match everything.
type Filter struct {
	Type       EventType
	CampaignID string
	CallID     string
	Limit      int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f
}

func (f Filter) matches(e Event) bool {
	return (f.Type == "" || e.Type == f.Type) &&
		(f.CampaignID == "" || e.CampaignID == f.CampaignID) &&
		(f.CallID == "" || e.CallID == f.CallID)
}
