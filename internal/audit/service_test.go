package audit

import (
	"context"
	"encoding/json"
	"testing"
)

func TestService_AppendRequiresType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{CampaignID: "c"}); err == nil {
		t.Fatalf("expected error")
	}
	var nilSvc *Service
	if err := nilSvc.Append(context.Background(), Event{Type: EventTypeDNCChange}); err == nil {
		t.Fatalf("expected error from unconfigured service")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	actor := Actor{UserID: "u", Role: "operator", IP: "1.2.3.4"}

	if err := svc.LogCampaignAction(context.Background(), actor, "camp-1", "start", map[string]int{"max_concurrent": 3}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogDNC(context.Background(), actor, "+15550102000", "add"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].ActorRole != "operator" {
		t.Fatalf("expected actor captured: %+v", evs[0])
	}
	if evs[0].Type != EventTypeCampaignAction || evs[0].CampaignID != "camp-1" || evs[0].Message != "campaign start" {
		t.Fatalf("unexpected campaign event: %+v", evs[0])
	}
	var meta map[string]int
	if err := json.Unmarshal([]byte(evs[0].Metadata), &meta); err != nil || meta["max_concurrent"] != 3 {
		t.Fatalf("expected metadata json, got %q", evs[0].Metadata)
	}
	if evs[1].ID == "" || evs[1].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be filled")
	}
	if evs[1].Phone != "+15550102000" || evs[1].Metadata != "" {
		t.Fatalf("unexpected dnc event: %+v", evs[1])
	}
}

func TestService_OutcomeOverrideCarriesTargets(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogOutcomeOverride(context.Background(), Actor{UserID: "u"}, "camp-1", "call-9", map[string]string{"outcome": "not_interested"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ev := repo.Events()[0]
	if ev.CallID != "call-9" || ev.CampaignID != "camp-1" || ev.Type != EventTypeOutcomeOverride {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestService_ListNewestFirstWithFilters(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	a := Actor{UserID: "u", Role: "owner"}

	_ = svc.LogCampaignAction(ctx, a, "camp-1", "start", nil)
	_ = svc.LogDNC(ctx, a, "+15550102000", "add")
	_ = svc.LogCampaignAction(ctx, a, "camp-2", "start", nil)
	_ = svc.LogCampaignAction(ctx, a, "camp-1", "stop", nil)

	evs, err := svc.List(ctx, Filter{CampaignID: "camp-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 2 || evs[0].Message != "campaign stop" || evs[1].Message != "campaign start" {
		t.Fatalf("expected camp-1 events newest first, got %+v", evs)
	}

	evs, _ = svc.List(ctx, Filter{Type: EventTypeCampaignAction, Limit: 2})
	if len(evs) != 2 || evs[0].CampaignID != "camp-1" || evs[1].CampaignID != "camp-2" {
		t.Fatalf("expected limit 2 of campaign actions, got %+v", evs)
	}

	var nilSvc *Service
	if _, err := nilSvc.List(ctx, Filter{}); err == nil {
		t.Fatalf("expected error from unconfigured service")
	}
}

func TestService_CallInitiatedCarriesTargets(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogCallInitiated(context.Background(), Actor{UserID: "u"}, "camp-1", "call-9", map[string]string{"contact_id": "ct-1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].Type != EventTypeCallInitiated {
		t.Fatalf("expected one call_initiated event, got %+v", evs)
	}
	if evs[0].CampaignID != "camp-1" || evs[0].CallID != "call-9" || evs[0].Metadata != `{"contact_id":"ct-1"}` {
		t.Fatalf("expected targets and metadata, got %+v", evs[0])
	}
}
