package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

type terminalRecorder struct{ calls []calls.Call }

func (r *terminalRecorder) CallTerminated(_ context.Context, c calls.Call) { r.calls = append(r.calls, c) }

type fixture struct {
	repo     *calls.MemoryRepo
	provider *telephonytest.Provider
	notes    *notify.Recorder
	terminal *terminalRecorder
	in       *Ingestor
	call     calls.Call
	contact  calls.Contact
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		repo:     calls.NewMemoryRepo(),
		provider: telephonytest.New(),
		notes:    &notify.Recorder{},
		terminal: &terminalRecorder{},
	}
	cp, err := f.repo.CreateCampaign(ctx, calls.Campaign{Name: "Spring sellers", Type: "seller_outreach", AssistantRef: "assistant-1"})
	require.NoError(t, err)
	f.contact, err = f.repo.CreateContact(ctx, calls.Contact{CampaignID: cp.ID, FirstName: "Dana", LastName: "Reyes", Phone: "(555) 010-2000", PropertyAddress: "4 Oak Ct"})
	require.NoError(t, err)

	_, err = f.repo.QueueCalls(ctx, cp.ID, []string{f.contact.ID}, t0)
	require.NoError(t, err)
	c, ok, err := f.repo.ClaimNextQueued(ctx, cp.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	f.call, _, err = f.repo.ApplyPatch(ctx, c.ID, calls.Patch{
		ProviderCallID: calls.Ptr("v3:ctrl-1"),
		Status:         calls.Ptr(calls.CallStatusRinging),
	}, calls.MergeFillEmpty, t0)
	require.NoError(t, err)

	f.in = New(Deps{
		Repo:      f.repo,
		Provider:  f.provider,
		Notifier:  f.notes,
		Observers: calls.TerminalObservers{f.terminal},
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return t0.Add(5 * time.Minute) },
	})
	return f
}

func (f *fixture) event(kind telephony.EventKind, name string) telephony.Event {
	return telephony.Event{
		Provider:       "telnyx",
		Kind:           kind,
		Name:           name,
		ProviderCallID: "v3:ctrl-1",
		ClientState:    telephony.EncodeClientState(f.call.ID),
		OccurredAt:     t0.Add(time.Minute),
		Raw:            json.RawMessage(`{"data":{"event_type":"` + name + `"}}`),
	}
}

func (f *fixture) reload(t *testing.T) calls.Call {
	t.Helper()
	c, err := f.repo.GetCall(context.Background(), f.call.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) contactStatus(t *testing.T) calls.ContactStatus {
	t.Helper()
	ct, err := f.repo.GetContact(context.Background(), f.contact.ID)
	require.NoError(t, err)
	return ct.Status
}

func TestHandle_AnswerThenHangup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.in.Handle(ctx, f.event(telephony.EventAnswered, "call.answered"))
	require.NoError(t, err)
	assert.Equal(t, f.call.ID, res.CallID)
	assert.Equal(t, calls.CallStatusInProgress, f.reload(t).Status)
	assert.Equal(t, []string{"v3:ctrl-1"}, f.provider.Conversations)

	hangup := f.event(telephony.EventHangup, "call.hangup")
	hangup.DurationSeconds = calls.Ptr(61)
	hangup.OccurredAt = t0.Add(2 * time.Minute)
	_, err = f.in.Handle(ctx, hangup)
	require.NoError(t, err)

	c := f.reload(t)
	assert.Equal(t, calls.CallStatusCompleted, c.Status)
	require.NotNil(t, c.DurationSeconds)
	assert.Equal(t, 61, *c.DurationSeconds)
	require.NotNil(t, c.EndedAt)
	assert.True(t, c.EndedAt.Equal(t0.Add(2*time.Minute)))
	assert.Equal(t, calls.ContactCalled, f.contactStatus(t))

	require.Len(t, f.terminal.calls, 1)
	last, ok := f.notes.Last(f.call.ID)
	require.True(t, ok)
	assert.Equal(t, calls.CallStatusCompleted, last.Call.Status)
}

func TestHandle_OutOfOrderAnswerAfterHangup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.in.Handle(ctx, f.event(telephony.EventHangup, "call.hangup"))
	require.NoError(t, err)
	res, err := f.in.Handle(ctx, f.event(telephony.EventAnswered, "call.answered"))
	require.NoError(t, err)

	assert.Empty(t, res.Changed)
	assert.Equal(t, calls.CallStatusCompleted, f.reload(t).Status)
	assert.Empty(t, f.provider.Conversations, "late answer does not start the assistant")

	events, err := f.repo.ListEvents(ctx, f.call.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "both deliveries are logged")
}

func TestHandle_DuplicateHangupNotifiesTerminalOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(telephony.EventHangup, "call.hangup")

	_, err := f.in.Handle(ctx, ev)
	require.NoError(t, err)
	_, err = f.in.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, f.terminal.calls, 1)
}

func TestHandle_MatchesByProviderIDWithoutClientState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(telephony.EventRecordingSaved, "call.recording.saved")
	ev.ClientState = ""
	ev.ProviderCallID = "unknown"
	ev.AltCallID = "v3:ctrl-1"
	ev.RecordingURL = "https://cdn.example.com/rec.mp3"

	_, err := f.in.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/rec.mp3", f.reload(t).RecordingURL)
}

func TestHandle_OrphanIsLoggedNotRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(telephony.EventHangup, "call.hangup")
	ev.ClientState = telephony.EncodeClientState("no-such-call")
	ev.ProviderCallID = "v3:other"

	res, err := f.in.Handle(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Orphan)

	all := f.repo.Events()
	require.Len(t, all, 1)
	assert.Empty(t, all[0].CallID)
	assert.Equal(t, "v3:other", all[0].ProviderCallID)
	assert.Equal(t, calls.CallStatusRinging, f.reload(t).Status)
}

func TestHandle_MachineDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	human := f.event(telephony.EventMachineDetection, "call.machine.detection.ended")
	human.MachineResult = "human"
	_, err := f.in.Handle(ctx, human)
	require.NoError(t, err)
	assert.Equal(t, calls.CallStatusRinging, f.reload(t).Status)

	machine := human
	machine.MachineResult = "machine"
	_, err = f.in.Handle(ctx, machine)
	require.NoError(t, err)
	c := f.reload(t)
	assert.Equal(t, calls.CallStatusVoicemail, c.Status)
	assert.Equal(t, calls.OutcomeVoicemail, c.Outcome)
	assert.Len(t, f.terminal.calls, 1)
}

func TestHandle_TranscriptAndSummaryAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, text := range []string{"Hello?", "Yes, this is Dana.", "Hello?"} {
		ev := f.event(telephony.EventTranscription, "call.transcription")
		ev.TranscriptText = text
		_, err := f.in.Handle(ctx, ev)
		require.NoError(t, err)
	}
	sum := f.event(telephony.EventConversationEnded, "ai.assistant.conversation.ended")
	sum.Summary = "Owner open to selling in spring."
	_, err := f.in.Handle(ctx, sum)
	require.NoError(t, err)

	c := f.reload(t)
	assert.Contains(t, c.Transcript, "Hello?")
	assert.Contains(t, c.Transcript, "Yes, this is Dana.")
	assert.Equal(t, "Owner open to selling in spring.", c.Summary)
}

func TestHandle_TranscriptKeepsRepeatedUtterances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	lines := []string{"Are you the owner?", "Yes.", "Would you sell?", "Yes.", "I am not interested", "no"}
	for i, text := range lines {
		ev := f.event(telephony.EventTranscription, "call.transcription")
		ev.EventID = fmt.Sprintf("evt-%d", i)
		ev.TranscriptText = text
		res, err := f.in.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Contains(t, res.Changed, calls.FieldTranscript, "fragment %q", text)
	}
	assert.Equal(t, strings.Join(lines, "\n"), f.reload(t).Transcript)
}

func TestHandle_RedeliveredEventAppendsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := f.event(telephony.EventTranscription, "call.transcription")
	ev.EventID = "evt-1"
	ev.TranscriptText = "Yes."
	_, err := f.in.Handle(ctx, ev)
	require.NoError(t, err)
	res, err := f.in.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, res.Changed)

	sum := f.event(telephony.EventConversationEnded, "ai.assistant.conversation.ended")
	sum.EventID = "evt-2"
	sum.Summary = "Owner will think about it."
	for range 2 {
		_, err = f.in.Handle(ctx, sum)
		require.NoError(t, err)
	}

	c := f.reload(t)
	assert.Equal(t, "Yes.", c.Transcript)
	assert.Equal(t, "Owner will think about it.", c.Summary)

	events, err := f.repo.ListEvents(ctx, f.call.ID)
	require.NoError(t, err)
	require.Len(t, events, 4, "redeliveries are still logged")
	assert.Equal(t, "evt-1", events[1].EventID)
}

func TestHandle_PublishesEveryMatchedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.in.Handle(ctx, f.event(telephony.EventUnknown, "call.bridged"))
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
	require.Len(t, f.notes.Messages(), 1)
	last, ok := f.notes.Last(f.call.ID)
	require.True(t, ok)
	assert.Equal(t, calls.CallStatusRinging, last.Call.Status)
	assert.Empty(t, f.terminal.calls)

	// A duplicate hangup publishes again but terminates once.
	hangup := f.event(telephony.EventHangup, "call.hangup")
	for range 2 {
		_, err = f.in.Handle(ctx, hangup)
		require.NoError(t, err)
	}
	assert.Len(t, f.notes.Messages(), 3)
	assert.Len(t, f.terminal.calls, 1)

	orphan := f.event(telephony.EventUnknown, "call.bridged")
	orphan.ClientState = ""
	orphan.ProviderCallID = "v3:nobody"
	_, err = f.in.Handle(ctx, orphan)
	require.NoError(t, err)
	assert.Len(t, f.notes.Messages(), 3, "orphans have no call to publish")
}

func TestHandle_FunctionCalls(t *testing.T) {
	ctx := context.Background()

	t.Run("schedule appointment", func(t *testing.T) {
		f := newFixture(t)
		ev := f.event(telephony.EventFunctionCall, "ai.assistant.function_call")
		ev.FunctionName = telephony.FuncScheduleAppointment
		ev.FunctionArgs = json.RawMessage(`{"date":"Tuesday 3pm"}`)
		_, err := f.in.Handle(ctx, ev)
		require.NoError(t, err)

		c := f.reload(t)
		assert.Equal(t, calls.OutcomeAppointmentScheduled, c.Outcome)
		assert.Equal(t, "Tuesday 3pm", c.AppointmentAt)
		assert.Equal(t, calls.ContactConverted, f.contactStatus(t))
	})

	t.Run("request callback keeps raw args", func(t *testing.T) {
		f := newFixture(t)
		ev := f.event(telephony.EventFunctionCall, "ai.assistant.function_call")
		ev.FunctionName = telephony.FuncRequestCallback
		ev.FunctionArgs = json.RawMessage(`"next week, evenings"`)
		_, err := f.in.Handle(ctx, ev)
		require.NoError(t, err)

		c := f.reload(t)
		assert.Equal(t, calls.OutcomeCallbackRequested, c.Outcome)
		assert.Equal(t, "next week, evenings", c.CallbackPreferredAt)
		assert.Equal(t, calls.ContactCallback, f.contactStatus(t))

		// A later hangup keeps the contact in callback.
		_, err = f.in.Handle(ctx, f.event(telephony.EventHangup, "call.hangup"))
		require.NoError(t, err)
		assert.Equal(t, calls.CallStatusCompleted, f.reload(t).Status)
		assert.Equal(t, calls.ContactCallback, f.contactStatus(t))
	})

	t.Run("not interested adds do-not-call", func(t *testing.T) {
		f := newFixture(t)
		ev := f.event(telephony.EventFunctionCall, "ai.assistant.function_call")
		ev.FunctionName = telephony.FuncMarkNotInterested
		ev.FunctionArgs = json.RawMessage(`{"reason":"already sold"}`)
		_, err := f.in.Handle(ctx, ev)
		require.NoError(t, err)

		c := f.reload(t)
		assert.Equal(t, calls.OutcomeNotInterested, c.Outcome)
		assert.Equal(t, "already sold", c.Notes)
		assert.Equal(t, calls.ContactNotInterested, f.contactStatus(t))

		dnc, err := f.repo.IsDoNotCall(ctx, "+15550102000")
		require.NoError(t, err)
		assert.True(t, dnc)
	})
}

type failingLog struct{ *calls.MemoryRepo }

func (failingLog) AppendEvent(context.Context, calls.CallEvent) (calls.CallEvent, error) {
	return calls.CallEvent{}, errors.New("disk full")
}

func TestHandle_EventLogFailureIsReported(t *testing.T) {
	f := newFixture(t)
	in := New(Deps{Repo: failingLog{f.repo}, Log: slog.New(slog.NewTextHandler(io.Discard, nil))})

	_, err := in.Handle(context.Background(), f.event(telephony.EventHangup, "call.hangup"))
	assert.ErrorIs(t, err, ErrEventLog)
	assert.Equal(t, calls.CallStatusRinging, f.reload(t).Status, "nothing applied without the log entry")
}
