package dialer

import (
	"context"
	"errors"
	"fmt"

	"outbound-caller/internal/calls"
)

var (
	ErrContactNotFound = errors.New("contact not found in campaign")
	ErrContactDNC      = errors.New("contact is on the do-not-call list")
	ErrContactBusy     = errors.New("contact already has a call queued or in progress")
	ErrNoFreeSlot      = errors.New("campaign has no free call slot")
	ErrPlacementFailed = errors.New("call placement failed")
	ErrMissingTarget   = errors.New("campaign id and contact id are required")
)

// InitiateCall places one call to a contact right away, outside the dial
// loops. It takes a slot under the same concurrency limit as the loops and
// goes through the same placement path, so a failure is recorded on the
// call and frees the slot. The call is returned in both cases.
func (p *Processor) InitiateCall(ctx context.Context, campaignID, contactID string) (calls.Call, error) {
	if campaignID == "" || contactID == "" {
		return calls.Call{}, ErrMissingTarget
	}
	camp, err := p.repo.GetCampaign(ctx, campaignID)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.Call{}, ErrCampaignNotFound
	}
	if err != nil {
		return calls.Call{}, err
	}
	contact, err := p.repo.GetContact(ctx, contactID)
	if errors.Is(err, calls.ErrNotFound) || (err == nil && contact.CampaignID != campaignID) {
		return calls.Call{}, ErrContactNotFound
	}
	if err != nil {
		return calls.Call{}, err
	}
	if contact.Status == calls.ContactQueued {
		return calls.Call{}, ErrContactBusy
	}
	dnc, err := p.isDoNotCall(ctx, contact.Phone)
	if err != nil {
		return calls.Call{}, fmt.Errorf("check do-not-call: %w", err)
	}
	if dnc {
		return calls.Call{}, ErrContactDNC
	}

	limit := p.cfg.DefaultMaxConcurrent
	if opts, ok := p.options(campaignID); ok {
		limit = opts.MaxConcurrent
	}
	lease, acquired, err := p.slots.Acquire(ctx, campaignID, limit)
	if err != nil {
		return calls.Call{}, fmt.Errorf("acquire slot: %w", err)
	}
	if !acquired {
		return calls.Call{}, ErrNoFreeSlot
	}
	held := slotLease{campaignID: campaignID, id: lease}

	queued, err := p.repo.QueueCalls(ctx, campaignID, []string{contactID}, p.now())
	if err != nil || len(queued) != 1 {
		p.releaseLease(ctx, held)
		if err == nil {
			err = fmt.Errorf("queued %d calls", len(queued))
		}
		return calls.Call{}, fmt.Errorf("queue call: %w", err)
	}
	now := p.now()
	call, _, err := p.repo.ApplyPatch(ctx, queued[0].ID, calls.Patch{
		Status:    calls.Ptr(calls.CallStatusInitiating),
		StartedAt: &now,
	}, calls.MergeFillEmpty, now)
	if err != nil {
		p.releaseLease(ctx, held)
		return calls.Call{}, fmt.Errorf("claim call: %w", err)
	}
	p.mu.Lock()
	p.inFlight[call.ID] = held
	p.mu.Unlock()
	p.reportActive(ctx, campaignID)
	p.publish(ctx, call.ID)

	p.log.Info("single call initiated", "campaign_id", campaignID, "call_id", call.ID, "contact_id", contactID)
	placeErr := p.place(ctx, camp, call)

	if latest, err := p.repo.GetCall(ctx, call.ID); err == nil {
		call = latest
	}
	if placeErr != nil {
		return call, fmt.Errorf("%w: %v", ErrPlacementFailed, placeErr)
	}
	return call, nil
}
