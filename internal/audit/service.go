package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// List returns matching events, newest first.
	List(ctx context.Context, f Filter) ([]Event, error)
}

// Service logs operator actions. Callers treat logging as best-effort;
// only owners can read the trail back.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.List(ctx, f.normalized())
}

func (s *Service) base(t EventType, a Actor, msg string, meta any) Event {
	e := Event{Type: t, ActorUserID: a.UserID, ActorRole: a.Role, IPAddress: a.IP, Message: msg}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			e.Metadata = string(b)
		}
	}
	return e
}

// LogCampaignAction records campaign lifecycle requests: create, start,
// stop, pause, resume and contact imports.
func (s *Service) LogCampaignAction(ctx context.Context, a Actor, campaignID, action string, meta any) error {
	e := s.base(EventTypeCampaignAction, a, "campaign "+action, meta)
	e.CampaignID = campaignID
	return s.Append(ctx, e)
}

// LogScriptEdit records a change to a campaign's assistant script.
func (s *Service) LogScriptEdit(ctx context.Context, a Actor, campaignID string, meta any) error {
	e := s.base(EventTypeScriptEdit, a, "script updated", meta)
	e.CampaignID = campaignID
	return s.Append(ctx, e)
}

// LogOutcomeOverride records a manual outcome change on a call.
func (s *Service) LogOutcomeOverride(ctx context.Context, a Actor, campaignID, callID string, meta any) error {
	e := s.base(EventTypeOutcomeOverride, a, "outcome overridden", meta)
	e.CampaignID, e.CallID = campaignID, callID
	return s.Append(ctx, e)
}

// LogDNC records an addition to or removal from the do-not-call list.
func (s *Service) LogDNC(ctx context.Context, a Actor, phone, action string) error {
	e := s.base(EventTypeDNCChange, a, "dnc "+action, nil)
	e.Phone = phone
	return s.Append(ctx, e)
}

// LogCallInitiated records a single call placed by hand.
func (s *Service) LogCallInitiated(ctx context.Context, a Actor, campaignID, callID string, meta any) error {
	e := s.base(EventTypeCallInitiated, a, "call initiated", meta)
	e.CampaignID, e.CallID = campaignID, callID
	return s.Append(ctx, e)
}
