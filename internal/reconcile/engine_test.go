package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/telephony"
	"outbound-caller/internal/telephony/telephonytest"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type terminalRecorder struct{ ids []string }

func (r *terminalRecorder) CallTerminated(_ context.Context, c calls.Call) { r.ids = append(r.ids, c.ID) }

type fixture struct {
	repo     *calls.MemoryRepo
	provider *telephonytest.Provider
	notes    *notify.Recorder
	terminal *terminalRecorder
	engine   *Engine
	call     calls.Call
}

func newFixture(t *testing.T, now func() time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		repo:     calls.NewMemoryRepo(),
		provider: telephonytest.New(),
		notes:    &notify.Recorder{},
		terminal: &terminalRecorder{},
	}
	cp, err := f.repo.CreateCampaign(ctx, calls.Campaign{Name: "Spring sellers", Type: "seller_outreach"})
	require.NoError(t, err)
	ct, err := f.repo.CreateContact(ctx, calls.Contact{CampaignID: cp.ID, FirstName: "Dana", Phone: "+15550102000"})
	require.NoError(t, err)
	_, err = f.repo.QueueCalls(ctx, cp.ID, []string{ct.ID}, t0)
	require.NoError(t, err)
	c, ok, err := f.repo.ClaimNextQueued(ctx, cp.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	f.call, _, err = f.repo.ApplyPatch(ctx, c.ID, calls.Patch{
		ProviderCallID: calls.Ptr("v3:ctrl-1"),
		Status:         calls.Ptr(calls.CallStatusRinging),
	}, calls.MergeFillEmpty, t0)
	require.NoError(t, err)

	if now == nil {
		now = func() time.Time { return t0.Add(10 * time.Minute) }
	}
	f.engine = NewEngine(Deps{
		Repo:     f.repo,
		Provider: f.provider,
		Notifier: f.notes,
		Log:      discard,
		Now:      now,
	}, Config{RecordingWindow: 20 * time.Minute})
	f.engine.AddObserver(f.terminal)
	return f
}

func (f *fixture) complete(t *testing.T) {
	t.Helper()
	var err error
	f.call, _, err = f.repo.ApplyPatch(context.Background(), f.call.ID, calls.Patch{
		Status:  calls.Ptr(calls.CallStatusCompleted),
		EndedAt: calls.Ptr(t0.Add(2 * time.Minute)),
	}, calls.MergeFillEmpty, t0.Add(2*time.Minute))
	require.NoError(t, err)
}

func (f *fixture) reload(t *testing.T) calls.Call {
	t.Helper()
	c, err := f.repo.GetCall(context.Background(), f.call.ID)
	require.NoError(t, err)
	return c
}

func debugContains(t *testing.T, res Result, fragment string) {
	t.Helper()
	for _, l := range res.Debug {
		if strings.Contains(l, fragment) {
			return
		}
	}
	t.Fatalf("debug trail %q has no line containing %q", res.Debug, fragment)
}

func TestSync_RecordingMatchedByTime(t *testing.T) {
	f := newFixture(t, nil)
	f.complete(t)
	f.provider.Recordings = []telephony.Recording{
		{ID: "rec-far", CreatedAt: t0.Add(45 * time.Minute), DownloadURL: "https://rec.example.com/far.mp3"},
		{ID: "rec-near", CreatedAt: t0.Add(4 * time.Minute), DownloadURL: "https://rec.example.com/near.mp3"},
	}

	res, err := f.engine.Sync(context.Background(), f.call.ID)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Contains(t, res.Updates, calls.FieldRecordingURL)
	assert.Equal(t, "https://rec.example.com/near.mp3", res.Call.RecordingURL)
	assert.Equal(t, "Dana", res.Call.ContactName)
	debugContains(t, res, "found recording by time match")

	last, ok := f.notes.Last(f.call.ID)
	require.True(t, ok)
	assert.Equal(t, notify.TypeCallUpdate, last.Type)
	assert.Empty(t, f.terminal.ids, "already terminal before the sync")
}

func TestSync_IdempotentWithoutNewData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.complete(t)
	before := f.reload(t)

	for i := 0; i < 2; i++ {
		res, err := f.engine.Sync(ctx, f.call.ID)
		require.NoError(t, err)
		assert.False(t, res.Synced)
		assert.Empty(t, res.Updates)
		assert.NotEmpty(t, res.Debug)
		debugContains(t, res, "no new data")
	}
	assert.Equal(t, before, f.reload(t))
	assert.Empty(t, f.notes.Messages())

	_, err := f.engine.Sync(ctx, "missing")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestSync_CallDetailCompletesCall(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.Details["v3:ctrl-1"] = &telephony.CallDetail{
		ProviderCallID:  "v3:ctrl-1",
		State:           "hangup",
		Ended:           true,
		DurationSeconds: calls.Ptr(95),
		EndTime:         calls.Ptr(t0.Add(3 * time.Minute)),
	}

	res, err := f.engine.Sync(context.Background(), f.call.ID)
	require.NoError(t, err)
	assert.True(t, res.Synced)

	c := f.reload(t)
	assert.Equal(t, calls.CallStatusCompleted, c.Status)
	require.NotNil(t, c.DurationSeconds)
	assert.Equal(t, 95, *c.DurationSeconds)
	require.NotNil(t, c.EndedAt)
	assert.True(t, c.EndedAt.Equal(t0.Add(3*time.Minute)))
	assert.Equal(t, []string{f.call.ID}, f.terminal.ids)

	ct, err := f.repo.GetContact(context.Background(), c.ContactID)
	require.NoError(t, err)
	assert.Equal(t, calls.ContactCalled, ct.Status)
}

func TestSync_ReplaysLocalEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.complete(t)

	rows := []calls.CallEvent{
		{Provider: "telnyx", EventType: "call.transcription", Payload: json.RawMessage(
			`{"data":{"event_type":"call.transcription","payload":{"call_control_id":"v3:ctrl-1","transcription_data":{"transcript":"Hi there"}}}}`)},
		{Provider: "telnyx", EventType: "ai.assistant.function_call", Payload: json.RawMessage(
			`{"data":{"event_type":"ai.assistant.function_call","payload":{"call_control_id":"v3:ctrl-1","function_call":{"name":"request_callback","arguments":{"time":"Friday"}}}}}`)},
		{Provider: "telnyx", EventType: "placement.failed", Payload: json.RawMessage(`{"error":"boom"}`)},
	}
	for _, r := range rows {
		r.CallID = f.call.ID
		_, err := f.repo.AppendEvent(ctx, r)
		require.NoError(t, err)
	}

	res, err := f.engine.Sync(ctx, f.call.ID)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.ElementsMatch(t, []string{calls.FieldTranscript, calls.FieldOutcome, calls.FieldCallbackPreferredAt}, res.Updates)
	debugContains(t, res, "local call events: 3")

	c := f.reload(t)
	assert.Equal(t, "Hi there", c.Transcript)
	assert.Equal(t, calls.OutcomeCallbackRequested, c.Outcome)
	assert.Equal(t, "Friday", c.CallbackPreferredAt)

	ct, err := f.repo.GetContact(ctx, c.ContactID)
	require.NoError(t, err)
	assert.Equal(t, calls.ContactCallback, ct.Status)
}

func TestFromLocalEvents_FirstOutcomeWinsWithItsArguments(t *testing.T) {
	fn := func(id, name, args string) calls.CallEvent {
		return calls.CallEvent{Provider: "telnyx", EventType: "ai.assistant.function_call", EventID: id, Payload: json.RawMessage(
			`{"data":{"id":"` + id + `","event_type":"ai.assistant.function_call","payload":{"call_control_id":"v3:ctrl-1","function_call":{"name":"` + name + `","arguments":` + args + `}}}}`)}
	}
	summary := func(id, text string) calls.CallEvent {
		return calls.CallEvent{Provider: "telnyx", EventType: "ai.assistant.conversation.ended", EventID: id, Payload: json.RawMessage(
			`{"data":{"id":"` + id + `","event_type":"ai.assistant.conversation.ended","payload":{"call_control_id":"v3:ctrl-1","conversation_summary":"` + text + `"}}}`)}
	}

	f := fromLocalEvents([]calls.CallEvent{
		fn("e1", "schedule_appointment", `{"appointment_time":"Tuesday 3pm"}`),
		fn("e2", "request_callback", `{"preferred_time":"next week"}`),
		summary("e3", "Booked a viewing."),
		summary("e3", "Booked a viewing."),
		summary("e4", "Prefers mornings."),
	})
	assert.Equal(t, string(calls.OutcomeAppointmentScheduled), f.outcome)
	assert.Equal(t, "Tuesday 3pm", f.appointmentAt)
	assert.Empty(t, f.callbackAt, "a later outcome does not bring its arguments along")
	assert.Equal(t, "Booked a viewing.\n\nPrefers mornings.", f.summary)

	var p calls.Patch
	f.apply(calls.Call{}, &p, "local call events")
	require.NotNil(t, p.AppointmentAt)
	assert.Equal(t, "Tuesday 3pm", *p.AppointmentAt)
	assert.Nil(t, p.CallbackPreferredAt)
}

func TestSync_ProviderEventsFallBackToSession(t *testing.T) {
	f := newFixture(t, nil)
	f.complete(t)
	f.provider.Details["v3:ctrl-1"] = &telephony.CallDetail{State: "hangup", Ended: true, LegID: "leg-1", SessionID: "sess-1"}
	f.provider.Events = []telephony.ProviderEvent{
		{Name: "conversation_ended", SessionID: "sess-1", Payload: json.RawMessage(
			`{"messages":[{"role":"assistant","content":"Hi, this is Julia"},{"role":"user","content":"Hello"}],"summary":"Owner wants a callback."}`)},
		{Name: "conversation_insights_generated", SessionID: "sess-1", Payload: json.RawMessage(
			`{"disposition":"callback_requested","sentiment":"positive"}`)},
		{Name: "conversation_ended", SessionID: "sess-other", Payload: json.RawMessage(`{"summary":"Someone else's call"}`)},
	}

	res, err := f.engine.Sync(context.Background(), f.call.ID)
	require.NoError(t, err)
	assert.True(t, res.Synced)

	require.Len(t, f.provider.EventQueries, 2)
	assert.Equal(t, "leg-1", f.provider.EventQueries[0].LegID)
	assert.Equal(t, "sess-1", f.provider.EventQueries[1].SessionID)
	debugContains(t, res, "provider events: 2 matching (2 total)")
	debugContains(t, res, "sentiment: positive")

	c := f.reload(t)
	assert.Equal(t, "AI: Hi, this is Julia\nContact: Hello", c.Transcript)
	assert.Equal(t, "Owner wants a callback.", c.Summary)
	assert.Equal(t, calls.OutcomeCallbackRequested, c.Outcome)
}

func TestFromProviderEvents_KeepsOnlyEventsForTheCall(t *testing.T) {
	events := []telephony.ProviderEvent{
		{Name: "call.transcription", Payload: json.RawMessage(`{"call_control_id":"v3:ctrl-2","transcript":"someone else"}`)},
		{Name: "call.transcription", Payload: json.RawMessage(`{"call_control_id":"v3:ctrl-1","transcription_data":{"transcript":"mine"}}`)},
		{Name: "call_hangup", LegID: "leg-1", Payload: json.RawMessage(`{"duration_secs":61.6}`)},
		{Name: "playback_started", SessionID: "sess-9", Payload: json.RawMessage(`{"text":"not ours"}`)},
	}
	got, matched := fromProviderEvents(events, callIdentity{callControlID: "v3:ctrl-1", legID: "leg-1"})
	assert.Equal(t, 2, matched)
	assert.Equal(t, []string{"mine"}, got.transcript)
	require.NotNil(t, got.duration)
	assert.Equal(t, 62, *got.duration)
}

func TestSync_RecordingByIDWhenTimeMatchFails(t *testing.T) {
	f := newFixture(t, nil)
	f.complete(t)
	f.provider.Recordings = []telephony.Recording{
		{ID: "rec-1", CallID: "v3:ctrl-1", CreatedAt: t0.Add(2 * time.Hour), DownloadURL: "https://rec.example.com/by-id.mp3"},
	}

	res, err := f.engine.Sync(context.Background(), f.call.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://rec.example.com/by-id.mp3", res.Call.RecordingURL)
	debugContains(t, res, "none match call time")
	debugContains(t, res, "found recording by call_control_id")
}

func TestSync_StepFailuresDoNotAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.complete(t)
	f.provider.DetailErr = errors.New("timeout")
	f.provider.RecordingsErr = errors.New("502 bad gateway")
	f.provider.EventsErr = &telephony.APIError{Provider: "fake", Status: 500}
	_, err := f.repo.AppendEvent(ctx, calls.CallEvent{
		CallID: f.call.ID, Provider: "telnyx", EventType: "ai.assistant.conversation.ended",
		Payload: json.RawMessage(`{"data":{"event_type":"ai.assistant.conversation.ended","payload":{"conversation_summary":"Left a message."}}}`),
	})
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, f.call.ID)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, []string{calls.FieldSummary}, res.Updates)
	debugContains(t, res, "call detail error: timeout")
	debugContains(t, res, "recordings list error")
	debugContains(t, res, "provider call events error")
}
