package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the call store: campaigns, contacts, calls, the append-only
// event log and the Do-Not-Call list.
//
// Rules:
//   - Call writes go through ApplyPatch, which runs MergePatch under a row lock
//     and updates only the columns that changed.
//   - Events are never updated or deleted.
//   - Phones in the DNC list are stored E.164-normalized.
type Repository interface {
	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error
	UpdateCampaignScript(ctx context.Context, id string, u ScriptUpdate) (Campaign, error)

	CreateContact(ctx context.Context, c Contact) (Contact, error)
	GetContact(ctx context.Context, id string) (Contact, error)
	// ListContacts returns contacts of a campaign in a status, oldest first.
	ListContacts(ctx context.Context, campaignID string, status ContactStatus, limit int) ([]Contact, error)
	SetContactStatus(ctx context.Context, id string, status ContactStatus) error

	// QueueCalls creates one queued call per contact and flips the contacts to
	// queued, atomically.
	QueueCalls(ctx context.Context, campaignID string, contactIDs []string, now time.Time) ([]Call, error)
	// ClaimNextQueued moves the oldest queued call of a campaign to initiating
	// and stamps started_at. ok is false when the queue is empty.
	ClaimNextQueued(ctx context.Context, campaignID string, now time.Time) (c Call, ok bool, err error)
	// CancelPending cancels every queued or initiating call of a campaign and
	// returns their contacts to pending.
	CancelPending(ctx context.Context, campaignID string, now time.Time) ([]Call, error)

	GetCall(ctx context.Context, id string) (Call, error)
	FindCallByProviderID(ctx context.Context, providerCallID string) (Call, error)
	ApplyPatch(ctx context.Context, id string, p Patch, mode MergeMode, now time.Time) (Call, []string, error)
	GetCallView(ctx context.Context, id string) (CallView, error)
	ListCallViews(ctx context.Context, f CallFilter) ([]CallView, error)

	AppendEvent(ctx context.Context, e CallEvent) (CallEvent, error)
	// ListEvents returns the events of a call in arrival order.
	ListEvents(ctx context.Context, callID string) ([]CallEvent, error)

	ListDoNotCall(ctx context.Context) ([]DNCEntry, error)
	AddDoNotCall(ctx context.Context, e DNCEntry) (DNCEntry, error)
	RemoveDoNotCall(ctx context.Context, phone string) error
	IsDoNotCall(ctx context.Context, phone string) (bool, error)
}
