package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/scheduler"
)

// DefaultRetryDelays are offsets from the moment a call ends. Providers
// publish recordings and conversation summaries a few minutes after hangup.
var DefaultRetryDelays = []time.Duration{3 * time.Second, time.Minute, 3 * time.Minute, 5 * time.Minute}

// Retrier schedules follow-up syncs for calls that ended with transcript,
// summary, recording or outcome still missing. The remaining follow-ups are
// cancelled as soon as one sync leaves nothing missing.
type Retrier struct {
	engine *Engine
	queue  *scheduler.Queue
	delays []time.Duration
	log    *slog.Logger
}

func NewRetrier(engine *Engine, queue *scheduler.Queue, delays []time.Duration, log *slog.Logger) *Retrier {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{engine: engine, queue: queue, delays: delays, log: log.With("component", "sync_retrier")}
}

func retryPrefix(callID string) string { return "sync/" + callID + "/" }

// CallTerminated implements calls.TerminalObserver.
func (r *Retrier) CallTerminated(_ context.Context, c calls.Call) {
	if len(c.MissingFields()) == 0 {
		return
	}
	r.Schedule(c.ID)
}

// Schedule queues the follow-up series for a call unless one is already
// pending. It reports whether a new series was queued.
func (r *Retrier) Schedule(callID string) bool {
	prefix := retryPrefix(callID)
	if len(r.queue.Pending(prefix)) > 0 {
		return false
	}
	for i, d := range r.delays {
		key := prefix + strconv.Itoa(i)
		r.queue.Schedule(key, d, func(ctx context.Context) { r.attempt(ctx, callID) })
	}
	return true
}

// Cancel drops every pending follow-up of a call.
func (r *Retrier) Cancel(callID string) int {
	return r.queue.CancelPrefix(retryPrefix(callID))
}

// Pending lists the follow-ups still waiting for a call.
func (r *Retrier) Pending(callID string) []scheduler.Scheduled {
	return r.queue.Pending(retryPrefix(callID))
}

func (r *Retrier) attempt(ctx context.Context, callID string) {
	res, err := r.engine.run(ctx, callID, TriggerRetry)
	if errors.Is(err, ErrCallNotFound) {
		r.Cancel(callID)
		return
	}
	if err != nil {
		r.log.Warn("scheduled sync failed", "call_id", callID, "err", err)
		return
	}
	if missing := res.Call.MissingFields(); len(missing) > 0 {
		r.log.Debug("call still missing fields", "call_id", callID, "missing", missing)
		return
	}
	if n := r.Cancel(callID); n > 0 {
		r.log.Info("call complete, follow-up syncs cancelled", "call_id", callID, "cancelled", n)
	}
}
