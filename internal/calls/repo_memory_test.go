package calls

import (
	"context"
	"errors"
	"testing"
)

func seedCampaign(t *testing.T, r *MemoryRepo, phones ...string) (Campaign, []Contact) {
	t.Helper()
	ctx := context.Background()
	cp, err := r.CreateCampaign(ctx, Campaign{Name: "Spring sellers", Type: "seller_outreach", CallerID: "+15550000000"})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	var out []Contact
	for _, p := range phones {
		ct, err := r.CreateContact(ctx, Contact{CampaignID: cp.ID, FirstName: "Lead", Phone: p})
		if err != nil {
			t.Fatalf("create contact: %v", err)
		}
		out = append(out, ct)
	}
	return cp, out
}

func TestMemoryRepo_QueueClaimCancel(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	cp, cts := seedCampaign(t, r, "+15550000001", "+15550000002", "+15550000003")

	queued, err := r.QueueCalls(ctx, cp.ID, []string{cts[0].ID, cts[1].ID, cts[2].ID}, t0)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued calls, got %d", len(queued))
	}

	first, ok, err := r.ClaimNextQueued(ctx, cp.ID, t0)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if first.ID != queued[0].ID {
		t.Fatalf("expected oldest call claimed first")
	}
	if first.Status != CallStatusInitiating || first.StartedAt == nil {
		t.Fatalf("claimed call must be initiating with started_at, got %+v", first)
	}

	cancelled, err := r.CancelPending(ctx, cp.ID, t0)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(cancelled) != 3 {
		t.Fatalf("expected initiating and queued calls cancelled, got %d", len(cancelled))
	}
	for _, ct := range cts {
		got, _ := r.GetContact(ctx, ct.ID)
		if got.Status != ContactPending {
			t.Fatalf("expected contact back to pending, got %s", got.Status)
		}
	}
	if _, ok, _ := r.ClaimNextQueued(ctx, cp.ID, t0); ok {
		t.Fatalf("expected empty queue after cancel")
	}
}

func TestMemoryRepo_ApplyPatchReportsChanges(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	cp, cts := seedCampaign(t, r, "+15550000001")
	queued, _ := r.QueueCalls(ctx, cp.ID, []string{cts[0].ID}, t0)

	_, changed, err := r.ApplyPatch(ctx, queued[0].ID, Patch{Status: Ptr(CallStatusInitiating)}, MergeFillEmpty, t0)
	if err != nil || len(changed) != 1 {
		t.Fatalf("expected one change, got %v %v", changed, err)
	}
	_, changed, err = r.ApplyPatch(ctx, queued[0].ID, Patch{Status: Ptr(CallStatusQueued)}, MergeFillEmpty, t0)
	if err != nil || len(changed) != 0 {
		t.Fatalf("backward status must not change the row, got %v %v", changed, err)
	}
	if _, _, err := r.ApplyPatch(ctx, "missing", Patch{}, MergeFillEmpty, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_ListCallViewsJoinsDisplayFields(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	cp, cts := seedCampaign(t, r, "+15550000001", "+15550000002")
	queued, _ := r.QueueCalls(ctx, cp.ID, []string{cts[0].ID, cts[1].ID}, t0)
	_, _, _ = r.ApplyPatch(ctx, queued[1].ID, Patch{Outcome: Ptr(OutcomeCallbackRequested)}, MergeFillEmpty, t0)

	views, err := r.ListCallViews(ctx, CallFilter{Outcome: OutcomeCallbackRequested})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 || views[0].ID != queued[1].ID {
		t.Fatalf("expected only the callback call, got %+v", views)
	}
	if views[0].CampaignName != "Spring sellers" || views[0].ContactPhone != "+15550000002" {
		t.Fatalf("expected joined display fields, got %+v", views[0])
	}
}

func TestMemoryRepo_ListCallViewsPages(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	cp, cts := seedCampaign(t, r, "+15550000001", "+15550000002", "+15550000003")
	queued, _ := r.QueueCalls(ctx, cp.ID, []string{cts[0].ID, cts[1].ID, cts[2].ID}, t0)

	page, err := r.ListCallViews(ctx, CallFilter{CampaignID: cp.ID, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != queued[1].ID || page[1].ID != queued[0].ID {
		t.Fatalf("expected the second and third newest calls, got %+v", page)
	}
	past, _ := r.ListCallViews(ctx, CallFilter{CampaignID: cp.ID, Offset: 10})
	if len(past) != 0 {
		t.Fatalf("expected an empty page past the end, got %d rows", len(past))
	}
}

func TestMemoryRepo_EventsKeepOrphans(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	if _, err := r.AppendEvent(ctx, CallEvent{EventType: "call.hangup", Provider: "telnyx"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.AppendEvent(ctx, CallEvent{CallID: "c1", EventType: "call.answered", Provider: "telnyx", EventID: "evt-9"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := len(r.Events()); got != 2 {
		t.Fatalf("expected both events logged, got %d", got)
	}
	evs, _ := r.ListEvents(ctx, "c1")
	if len(evs) != 1 || evs[0].EventType != "call.answered" || evs[0].EventID != "evt-9" {
		t.Fatalf("unexpected events for c1: %+v", evs)
	}
}

func TestMemoryRepo_DoNotCall(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	first, _ := r.AddDoNotCall(ctx, DNCEntry{Phone: "+15550000009", Reason: "Not interested"})
	again, _ := r.AddDoNotCall(ctx, DNCEntry{Phone: "+15550000009", Reason: "other"})
	if again.Reason != first.Reason {
		t.Fatalf("first reason must win, got %q", again.Reason)
	}
	if ok, _ := r.IsDoNotCall(ctx, "+15550000009"); !ok {
		t.Fatalf("expected listed")
	}
	if err := r.RemoveDoNotCall(ctx, "+15550000009"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.RemoveDoNotCall(ctx, "+15550000009"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}
