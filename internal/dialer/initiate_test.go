package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/telephony"
)

func TestInitiateCall_PlacesOneCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "(555) 000-0001", "+15550000002")

	call, err := h.p.InitiateCall(ctx, h.campaign.ID, h.contacts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, calls.CallStatusRinging, call.Status)
	assert.Equal(t, "v3:fake-1", call.ProviderCallID)
	require.NotNil(t, call.StartedAt)

	require.Len(t, h.provider.Placed, 1)
	assert.Equal(t, "+15550000001", h.provider.Placed[0].To)
	assert.Contains(t, h.provider.Scripts["assistant-1"].Instructions, "You are calling Lead A about 12 Elm St.")

	active, err := h.p.Active(ctx, h.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	_, err = h.p.InitiateCall(ctx, h.campaign.ID, h.contacts[0].ID)
	assert.ErrorIs(t, err, ErrContactBusy)

	// The hangup frees the slot like any loop call.
	h.p.CallTerminated(ctx, call)
	active, err = h.p.Active(ctx, h.campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestInitiateCall_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "+15550000001", "+15550000002")
	_, err := h.repo.AddDoNotCall(ctx, calls.DNCEntry{Phone: "+15550000002"})
	require.NoError(t, err)

	other, err := h.repo.CreateCampaign(ctx, calls.Campaign{Name: "Other", Type: "buyer_outreach"})
	require.NoError(t, err)

	_, err = h.p.InitiateCall(ctx, "", h.contacts[0].ID)
	assert.ErrorIs(t, err, ErrMissingTarget)
	_, err = h.p.InitiateCall(ctx, "missing", h.contacts[0].ID)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	_, err = h.p.InitiateCall(ctx, other.ID, h.contacts[0].ID)
	assert.ErrorIs(t, err, ErrContactNotFound)
	_, err = h.p.InitiateCall(ctx, h.campaign.ID, h.contacts[1].ID)
	assert.ErrorIs(t, err, ErrContactDNC)
	assert.Empty(t, h.provider.Placed)
	assert.Empty(t, h.callsIn(t))
}

func TestInitiateCall_RespectsConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "+15550000001", "+15550000002", "+15550000003")

	_, err := h.p.StartCampaign(ctx, h.campaign.ID, Options{MaxConcurrent: 1, Delay: time.Minute})
	require.NoError(t, err)
	h.clock.Advance(0)
	require.Equal(t, 1, h.provider.PlacedCount())

	extra, err := h.repo.CreateContact(ctx, calls.Contact{CampaignID: h.campaign.ID, FirstName: "Walk", Phone: "+15550000009"})
	require.NoError(t, err)
	_, err = h.p.InitiateCall(ctx, h.campaign.ID, extra.ID)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
	assert.Equal(t, 1, h.provider.PlacedCount())
}

func TestInitiateCall_PlacementFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "+15550000001")
	h.provider.PlaceErr = &telephony.APIError{Provider: "fake", Status: 422, Detail: "invalid destination"}

	call, err := h.p.InitiateCall(ctx, h.campaign.ID, h.contacts[0].ID)
	assert.ErrorIs(t, err, ErrPlacementFailed)
	assert.Equal(t, calls.CallStatusFailed, call.Status)

	ct, err := h.repo.GetContact(ctx, h.contacts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, calls.ContactPending, ct.Status)

	active, err := h.p.Active(ctx, h.campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, active)

	events, err := h.repo.ListEvents(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventPlacementFailed, events[0].EventType)
}
