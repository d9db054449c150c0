// Package reconcile repairs call records when webhooks were missed or
// arrived incomplete. A sync walks a fixed sequence of provider lookups,
// each best-effort, and writes whatever it recovered in one fill-empty
// update.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/metrics"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/telephony"
)

var ErrCallNotFound = errors.New("call not found")

const (
	TriggerManual = "manual"
	TriggerRetry  = "retry"
)

// Result is returned to the caller of a sync. Synced is false when nothing
// new was found, which is a normal outcome.
type Result struct {
	Synced  bool           `json:"synced"`
	Updates []string       `json:"updates"`
	Call    calls.CallView `json:"call"`
	Debug   []string       `json:"debug"`
}

type Config struct {
	// RecordingWindow is how far a recording's creation time may be from
	// the call's start to be taken as that call's recording.
	RecordingWindow time.Duration
	EventsPageSize  int
	EventsMaxPages  int
}

func (c Config) withDefaults() Config {
	if c.RecordingWindow <= 0 {
		c.RecordingWindow = 20 * time.Minute
	}
	if c.EventsPageSize <= 0 {
		c.EventsPageSize = 50
	}
	if c.EventsMaxPages <= 0 {
		c.EventsMaxPages = 5
	}
	return c
}

type Engine struct {
	repo      calls.Repository
	provider  telephony.Provider
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	observers calls.TerminalObservers
	log       *slog.Logger
	now       func() time.Time
	cfg       Config
}

type Deps struct {
	Repo     calls.Repository
	Provider telephony.Provider
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Now      func() time.Time
}

func NewEngine(d Deps, cfg Config) *Engine {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		repo:     d.Repo,
		provider: d.Provider,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log.With("component", "reconcile"),
		now:      d.Now,
		cfg:      cfg.withDefaults(),
	}
}

// AddObserver registers a listener for calls a sync moves into a terminal
// status. Call it during wiring, before the engine is used.
func (e *Engine) AddObserver(o calls.TerminalObserver) {
	e.observers = append(e.observers, o)
}

// Sync runs the waterfall for one call on behalf of a user.
func (e *Engine) Sync(ctx context.Context, callID string) (Result, error) {
	return e.run(ctx, callID, TriggerManual)
}

type trace struct{ lines []string }

func (t *trace) add(format string, args ...any) {
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

func (e *Engine) run(ctx context.Context, callID, trigger string) (Result, error) {
	log := e.log.With("call_id", callID, "trigger", trigger)

	call, err := e.repo.GetCall(ctx, callID)
	if errors.Is(err, calls.ErrNotFound) {
		return Result{}, ErrCallNotFound
	}
	if err != nil {
		e.metrics.SyncRun(trigger, "error", nil)
		return Result{}, err
	}

	var (
		p     calls.Patch
		tr    trace
		now   = e.now().UTC()
		ident = callIdentity{callControlID: call.ProviderCallID}
	)

	detail := e.callDetail(ctx, call, &p, &tr, now)
	if detail != nil {
		ident.legID, ident.sessionID = detail.LegID, detail.SessionID
	}
	e.recordingByTime(ctx, call, &p, &tr)

	local, err := e.repo.ListEvents(ctx, call.ID)
	if err != nil {
		tr.add("local events error: %v", err)
	} else {
		tr.add("local call events: %d", len(local))
		f := fromLocalEvents(local)
		tr.lines = append(tr.lines, f.apply(call, &p, "local events")...)
	}

	e.providerEvents(ctx, call, ident, &p, &tr)
	e.recordingByID(ctx, call, ident, &p, &tr)

	var changed []string
	if !p.IsZero() {
		updated, ch, err := e.repo.ApplyPatch(ctx, call.ID, p, calls.MergeFillEmpty, now)
		if err != nil {
			log.Error("apply sync patch failed", "err", err)
			e.metrics.SyncRun(trigger, "error", nil)
			return Result{}, fmt.Errorf("apply sync patch: %w", err)
		}
		call, changed = updated, ch
	}

	if len(changed) > 0 {
		if cs, ok := calls.DeriveContactStatus(call); ok {
			if err := e.repo.SetContactStatus(ctx, call.ContactID, cs); err != nil {
				log.Warn("update contact status failed", "err", err)
			}
		}
	}

	view, err := e.repo.GetCallView(ctx, call.ID)
	if err != nil {
		view = calls.CallView{Call: call}
	}
	if len(changed) > 0 {
		e.notifier.Publish(ctx, notify.CallUpdate(view))
		if calls.EnteredTerminal(call, changed) {
			e.observers.CallTerminated(ctx, call)
		}
		e.metrics.SyncRun(trigger, "synced", changed)
		log.Info("call synced", "updates", changed)
	} else {
		e.metrics.SyncRun(trigger, "unchanged", nil)
		tr.add("no new data")
		log.Debug("sync found nothing new", "debug", tr.lines)
	}

	if changed == nil {
		changed = []string{}
	}
	return Result{Synced: len(changed) > 0, Updates: changed, Call: view, Debug: tr.lines}, nil
}

// callDetail asks the provider whether the call ended and backfills the end
// of a call whose hangup webhook never arrived.
func (e *Engine) callDetail(ctx context.Context, c calls.Call, p *calls.Patch, tr *trace, now time.Time) *telephony.CallDetail {
	if c.ProviderCallID == "" {
		tr.add("no provider call id; skipping provider lookups")
		return nil
	}
	d, err := e.provider.GetCallDetail(ctx, c.ProviderCallID)
	if err != nil {
		tr.add("call detail error: %v", err)
		return nil
	}
	if d == nil {
		tr.add("call detail: provider does not know the call")
		return nil
	}
	tr.add("call state: %s, ended: %t", d.State, d.Ended)

	if d.DurationSeconds != nil && c.DurationSeconds == nil {
		p.DurationSeconds = d.DurationSeconds
		tr.add("duration from provider: %ds", *d.DurationSeconds)
	}
	if d.Ended && !c.Status.IsTerminal() {
		p.Status = calls.Ptr(calls.CallStatusCompleted)
		end := now
		if d.EndTime != nil {
			end = *d.EndTime
		}
		p.EndedAt = &end
		if d.StartTime != nil {
			p.StartedAt = d.StartTime
		}
		tr.add("provider reports call ended; marking completed")
	}
	return d
}

// recordingByTime matches the account's recent recordings against the
// call's start time. Provider ids for recordings are not reliable enough
// to look them up directly for every call flavor.
func (e *Engine) recordingByTime(ctx context.Context, c calls.Call, p *calls.Patch, tr *trace) {
	if c.RecordingURL != "" {
		return
	}
	recs, err := e.provider.ListRecordings(ctx, telephony.RecordingFilter{})
	if err != nil {
		tr.add("recordings list error: %v", err)
		return
	}
	if len(recs) == 0 {
		tr.add("no recordings in provider account")
		return
	}
	anchor := c.CreatedAt
	if c.StartedAt != nil {
		anchor = *c.StartedAt
	}
	if anchor.IsZero() {
		tr.add("call has no start time to match recordings against")
		return
	}

	var best *telephony.Recording
	var bestGap time.Duration
	for i := range recs {
		r := &recs[i]
		if r.DownloadURL == "" || r.CreatedAt.IsZero() {
			continue
		}
		gap := r.CreatedAt.Sub(anchor)
		if gap < 0 {
			gap = -gap
		}
		if gap >= e.cfg.RecordingWindow {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = r, gap
		}
	}
	if best == nil {
		tr.add("%d recordings found but none match call time", len(recs))
		return
	}
	p.RecordingURL = calls.Ptr(best.DownloadURL)
	tr.add("found recording by time match (%s apart)", bestGap.Round(time.Second))
}

// providerEvents pages through the provider's event history for the call's
// leg, falling back to its session.
func (e *Engine) providerEvents(ctx context.Context, c calls.Call, id callIdentity, p *calls.Patch, tr *trace) {
	if c.ProviderCallID == "" {
		return
	}
	q := telephony.CallEventsQuery{Since: c.CreatedAt, PageSize: e.cfg.EventsPageSize}
	if id.legID != "" {
		q.LegID = id.legID
	} else {
		q.SessionID = firstNonEmpty(id.sessionID, c.ProviderCallID)
	}

	events, err := e.fetchEvents(ctx, q)
	if err == nil && len(events) == 0 && q.LegID != "" && id.sessionID != "" {
		q.LegID, q.SessionID = "", id.sessionID
		events, err = e.fetchEvents(ctx, q)
	}
	switch {
	case errors.Is(err, telephony.ErrUnsupported):
		tr.add("provider call events: not supported by %s", e.provider.Name())
		return
	case err != nil && len(events) == 0:
		tr.add("provider call events error: %v", err)
		return
	case err != nil:
		tr.add("provider call events partially fetched: %v", err)
	}
	if len(events) == 0 {
		tr.add("no provider call events found")
		return
	}

	f, matched := fromProviderEvents(events, id)
	tr.add("provider events: %d matching (%d total)", matched, len(events))
	tr.lines = append(tr.lines, f.apply(c, p, "provider events")...)
}

func (e *Engine) fetchEvents(ctx context.Context, q telephony.CallEventsQuery) ([]telephony.ProviderEvent, error) {
	var out []telephony.ProviderEvent
	for page := 1; page <= e.cfg.EventsMaxPages; page++ {
		q.Page = page
		res, err := e.provider.ListCallEvents(ctx, q)
		if err != nil {
			return out, err
		}
		out = append(out, res.Events...)
		if !res.HasMore || len(res.Events) == 0 {
			break
		}
	}
	return out, nil
}

// recordingByID tries the provider's recording filters one at a time and
// stops at the first hit.
func (e *Engine) recordingByID(ctx context.Context, c calls.Call, id callIdentity, p *calls.Patch, tr *trace) {
	if c.ProviderCallID == "" || c.RecordingURL != "" || p.RecordingURL != nil {
		return
	}
	filters := []telephony.RecordingFilter{
		{Key: telephony.RecordingByCallControl, Value: c.ProviderCallID},
		{Key: telephony.RecordingByCallSID, Value: c.ProviderCallID},
		{Key: telephony.RecordingByLegID, Value: firstNonEmpty(id.legID, c.ProviderCallID)},
	}
	for _, f := range filters {
		recs, err := e.provider.ListRecordings(ctx, f)
		if err != nil {
			tr.add("recordings by %s error: %v", f.Key, err)
			continue
		}
		for _, r := range recs {
			if r.DownloadURL != "" {
				p.RecordingURL = calls.Ptr(r.DownloadURL)
				tr.add("found recording by %s", f.Key)
				return
			}
		}
	}
	tr.add("no recording found by id")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
