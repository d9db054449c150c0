package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/scheduler"
	"outbound-caller/internal/telephony"
)

func TestRetrier_FollowUpsStopOnceComplete(t *testing.T) {
	clock := scheduler.NewManualClock(t0.Add(2 * time.Minute))
	queue := scheduler.NewQueue(clock, discard)
	defer queue.Close()

	f := newFixture(t, clock.Now)
	f.complete(t)
	r := NewRetrier(f.engine, queue, nil, discard)

	r.CallTerminated(context.Background(), f.reload(t))
	pending := r.Pending(f.call.ID)
	require.Len(t, pending, len(DefaultRetryDelays))
	assert.True(t, pending[0].Due.Equal(clock.Now().Add(3*time.Second)))
	assert.True(t, pending[3].Due.Equal(clock.Now().Add(5*time.Minute)))
	assert.False(t, r.Schedule(f.call.ID), "a series is already pending")

	clock.Advance(3 * time.Second)
	assert.Len(t, r.Pending(f.call.ID), 3, "nothing found, later attempts stay queued")

	f.provider.Details["v3:ctrl-1"] = &telephony.CallDetail{State: "hangup", Ended: true, SessionID: "sess-1"}
	f.provider.Recordings = []telephony.Recording{
		{ID: "rec-1", CreatedAt: t0.Add(3 * time.Minute), DownloadURL: "https://rec.example.com/1.mp3"},
	}
	f.provider.Events = []telephony.ProviderEvent{
		{Name: "conversation_ended", SessionID: "sess-1", Payload: json.RawMessage(
			`{"transcript":"AI: Hello Dana. Contact: Not interested, thanks.","summary":"Declined politely."}`)},
		{Name: "conversation_insights_generated", SessionID: "sess-1", Payload: json.RawMessage(`{"disposition":"not_interested"}`)},
	}

	clock.Advance(time.Minute)
	assert.Empty(t, r.Pending(f.call.ID))

	c := f.reload(t)
	assert.Empty(t, c.MissingFields())
	assert.Equal(t, calls.OutcomeNotInterested, c.Outcome)
	assert.Equal(t, "https://rec.example.com/1.mp3", c.RecordingURL)
}

func TestRetrier_SkipsCompleteCallsAndForgetsDeletedOnes(t *testing.T) {
	clock := scheduler.NewManualClock(t0)
	queue := scheduler.NewQueue(clock, discard)
	defer queue.Close()

	f := newFixture(t, clock.Now)
	r := NewRetrier(f.engine, queue, []time.Duration{time.Second, time.Minute}, discard)

	full := calls.Call{
		ID:           "done",
		Transcript:   "AI: hi",
		Summary:      "ok",
		RecordingURL: "https://rec.example.com/x.mp3",
		Outcome:      calls.OutcomeBusy,
	}
	r.CallTerminated(context.Background(), full)
	assert.Empty(t, r.Pending("done"))

	require.True(t, r.Schedule("ghost"))
	clock.Advance(time.Second)
	assert.Empty(t, r.Pending("ghost"), "unknown call drops the remaining attempts")
}
