// Package dialer runs campaign call queues: it turns pending contacts into
// queued calls and places them with the provider under a per-campaign
// concurrency limit and an inter-call delay.
package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/metrics"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/scheduler"
	"outbound-caller/internal/telephony"
	"outbound-caller/pkg/phone"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrNoPendingContacts = errors.New("no pending contacts to call")
	ErrAllContactsDNC    = errors.New("all pending contacts are on the do-not-call list")
)

// EventPlacementFailed is the call event logged when the provider rejects a call.
const EventPlacementFailed = "placement.failed"

// Options are the per-run knobs of a campaign.
type Options struct {
	MaxConcurrent int           `json:"max_concurrent"`
	Delay         time.Duration `json:"delay"`
}

type StartResult struct {
	Queued     int `json:"queued"`
	SkippedDNC int `json:"skipped_dnc"`
}

// Config holds process-wide defaults.
type Config struct {
	DefaultMaxConcurrent int
	DefaultDelay         time.Duration
	// Stagger spaces out the initial burst of loop iterations.
	Stagger time.Duration
	// BatchLimit caps how many pending contacts one start queues.
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 5
	}
	if c.DefaultDelay < 0 {
		c.DefaultDelay = 0
	}
	if c.Stagger <= 0 {
		c.Stagger = time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

// Processor owns the dial loops of every campaign in this process.
type Processor struct {
	repo     calls.Repository
	provider telephony.Provider
	queue    *scheduler.Queue
	slots    Slots
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config

	mu   sync.Mutex
	runs map[string]*run
	// inFlight holds the slot lease of every call placed by this process.
	inFlight map[string]slotLease
}

type run struct {
	opts    Options
	nextKey int
}

type Deps struct {
	Repo     calls.Repository
	Provider telephony.Provider
	Queue    *scheduler.Queue
	// Slots defaults to in-memory counters.
	Slots    Slots
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

func NewProcessor(d Deps, cfg Config) *Processor {
	if d.Slots == nil {
		d.Slots = NewMemorySlots(0)
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Processor{
		repo:     d.Repo,
		provider: d.Provider,
		queue:    d.Queue,
		slots:    d.Slots,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log.With("component", "dialer"),
		cfg:      cfg.withDefaults(),
		runs:     map[string]*run{},
		inFlight: map[string]slotLease{},
	}
}

func (p *Processor) now() time.Time { return p.queue.Clock().Now().UTC() }

func (p *Processor) normalizeOptions(o Options) Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = p.cfg.DefaultMaxConcurrent
	}
	if o.Delay <= 0 {
		o.Delay = p.cfg.DefaultDelay
	}
	return o
}

// StartCampaign queues a call for each pending contact that is not on the
// Do-Not-Call list and starts the dial loops.
func (p *Processor) StartCampaign(ctx context.Context, campaignID string, opts Options) (StartResult, error) {
	camp, err := p.repo.GetCampaign(ctx, campaignID)
	if errors.Is(err, calls.ErrNotFound) {
		return StartResult{}, ErrCampaignNotFound
	}
	if err != nil {
		return StartResult{}, err
	}
	opts = p.normalizeOptions(opts)

	pending, err := p.repo.ListContacts(ctx, campaignID, calls.ContactPending, p.cfg.BatchLimit)
	if err != nil {
		return StartResult{}, fmt.Errorf("list pending contacts: %w", err)
	}
	if len(pending) == 0 {
		return StartResult{}, ErrNoPendingContacts
	}

	ids := make([]string, 0, len(pending))
	skipped := 0
	for _, ct := range pending {
		dnc, err := p.isDoNotCall(ctx, ct.Phone)
		if err != nil {
			return StartResult{}, fmt.Errorf("check do-not-call: %w", err)
		}
		if dnc {
			skipped++
			continue
		}
		ids = append(ids, ct.ID)
	}
	if len(ids) == 0 {
		return StartResult{SkippedDNC: skipped}, fmt.Errorf("%w (%d contacts)", ErrAllContactsDNC, skipped)
	}

	queued, err := p.repo.QueueCalls(ctx, campaignID, ids, p.now())
	if err != nil {
		return StartResult{}, fmt.Errorf("queue calls: %w", err)
	}
	if camp.Status != calls.CampaignActive {
		if err := p.repo.SetCampaignStatus(ctx, campaignID, calls.CampaignActive); err != nil {
			return StartResult{}, err
		}
	}

	p.launch(campaignID, opts)
	p.log.Info("campaign started", "campaign_id", campaignID, "queued", len(queued), "skipped_dnc", skipped,
		"max_concurrent", opts.MaxConcurrent, "delay_ms", opts.Delay.Milliseconds())
	return StartResult{Queued: len(queued), SkippedDNC: skipped}, nil
}

func (p *Processor) isDoNotCall(ctx context.Context, raw string) (bool, error) {
	n, err := phone.Normalize(raw)
	if err != nil {
		n = raw
	}
	return p.repo.IsDoNotCall(ctx, n)
}

// StopCampaign cancels every queued or initiating call and returns their
// contacts to pending. Calls already ringing or connected are left alone.
func (p *Processor) StopCampaign(ctx context.Context, campaignID string) (int, error) {
	if _, err := p.repo.GetCampaign(ctx, campaignID); errors.Is(err, calls.ErrNotFound) {
		return 0, ErrCampaignNotFound
	} else if err != nil {
		return 0, err
	}

	p.mu.Lock()
	delete(p.runs, campaignID)
	p.mu.Unlock()
	p.queue.CancelPrefix(loopPrefix(campaignID))

	cancelled, err := p.repo.CancelPending(ctx, campaignID, p.now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending calls: %w", err)
	}
	for _, c := range cancelled {
		p.releaseSlot(ctx, c.ID)
		p.publish(ctx, c.ID)
	}
	p.log.Info("campaign stopped", "campaign_id", campaignID, "cancelled", len(cancelled))
	return len(cancelled), nil
}

// PauseCampaign takes effect on the next tick of each loop.
func (p *Processor) PauseCampaign(ctx context.Context, campaignID string) error {
	return p.setStatus(ctx, campaignID, calls.CampaignPaused)
}

// ResumeCampaign reactivates the campaign and restarts its loops with the
// options of the last start, or the defaults after a process restart.
func (p *Processor) ResumeCampaign(ctx context.Context, campaignID string) error {
	if err := p.setStatus(ctx, campaignID, calls.CampaignActive); err != nil {
		return err
	}
	p.mu.Lock()
	opts := Options{}
	if r, ok := p.runs[campaignID]; ok {
		opts = r.opts
	}
	p.mu.Unlock()
	p.queue.CancelPrefix(loopPrefix(campaignID))
	p.launch(campaignID, p.normalizeOptions(opts))
	return nil
}

func (p *Processor) setStatus(ctx context.Context, campaignID string, s calls.CampaignStatus) error {
	err := p.repo.SetCampaignStatus(ctx, campaignID, s)
	if errors.Is(err, calls.ErrNotFound) {
		return ErrCampaignNotFound
	}
	return err
}

// Active reports how many calls of a campaign hold a slot.
func (p *Processor) Active(ctx context.Context, campaignID string) (int, error) {
	return p.slots.Active(ctx, campaignID)
}

// CallTerminated frees the slot of a call that reached a terminal status and
// kicks the campaign so the queue keeps draining.
func (p *Processor) CallTerminated(ctx context.Context, c calls.Call) {
	if !p.releaseSlot(ctx, c.ID) {
		return
	}
	p.kick(c.CampaignID)
}

func loopPrefix(campaignID string) string { return "dial/" + campaignID + "/" }

// launch schedules the initial burst: one loop per slot, staggered.
func (p *Processor) launch(campaignID string, opts Options) {
	p.mu.Lock()
	r, ok := p.runs[campaignID]
	if !ok {
		r = &run{}
		p.runs[campaignID] = r
	}
	r.opts = opts
	keys := make([]string, opts.MaxConcurrent)
	for i := range keys {
		keys[i] = loopPrefix(campaignID) + strconv.Itoa(r.nextKey)
		r.nextKey++
	}
	p.mu.Unlock()

	for i, key := range keys {
		p.scheduleTick(campaignID, key, time.Duration(i)*p.cfg.Stagger)
	}
}

// kick starts one extra loop when fewer loops than slots are waiting.
func (p *Processor) kick(campaignID string) {
	p.mu.Lock()
	r, ok := p.runs[campaignID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if len(p.queue.Pending(loopPrefix(campaignID))) >= r.opts.MaxConcurrent {
		p.mu.Unlock()
		return
	}
	key := loopPrefix(campaignID) + strconv.Itoa(r.nextKey)
	r.nextKey++
	p.mu.Unlock()
	p.scheduleTick(campaignID, key, 0)
}

func (p *Processor) scheduleTick(campaignID, key string, delay time.Duration) {
	p.queue.Schedule(key, delay, func(ctx context.Context) { p.tick(ctx, campaignID, key) })
}

func (p *Processor) options(campaignID string) (Options, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[campaignID]
	if !ok {
		return Options{}, false
	}
	return r.opts, true
}

// tick is one iteration of a dial loop. A loop ends when the campaign is
// paused, stopped, out of slots or out of queued calls; CallTerminated and
// ResumeCampaign start new ones.
func (p *Processor) tick(ctx context.Context, campaignID, key string) {
	opts, ok := p.options(campaignID)
	if !ok {
		return
	}
	log := p.log.With("campaign_id", campaignID)

	camp, err := p.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Warn("dial tick: load campaign failed", "err", err)
		return
	}
	if camp.Status == calls.CampaignPaused {
		return
	}

	lease, acquired, err := p.slots.Acquire(ctx, campaignID, opts.MaxConcurrent)
	if err != nil {
		log.Warn("dial tick: acquire slot failed", "err", err)
		return
	}
	if !acquired {
		return
	}
	held := slotLease{campaignID: campaignID, id: lease}

	call, found, err := p.repo.ClaimNextQueued(ctx, campaignID, p.now())
	if err != nil || !found {
		p.releaseLease(ctx, held)
		if err != nil {
			log.Warn("dial tick: claim next call failed", "err", err)
		}
		return
	}
	p.mu.Lock()
	p.inFlight[call.ID] = held
	p.mu.Unlock()
	p.reportActive(ctx, campaignID)
	p.publish(ctx, call.ID)

	// Failures are recorded on the call; the loop moves on.
	_ = p.place(ctx, camp, call)

	p.scheduleTick(campaignID, key, opts.Delay)
}

// place issues the provider call. Failures end this call only and are
// returned after the call is marked failed.
func (p *Processor) place(ctx context.Context, camp calls.Campaign, call calls.Call) error {
	log := p.log.With("campaign_id", camp.ID, "call_id", call.ID)

	contact, err := p.repo.GetContact(ctx, call.ContactID)
	if err != nil {
		return p.fail(ctx, call, fmt.Errorf("load contact: %w", err))
	}
	to, err := phone.Normalize(contact.Phone)
	if err != nil {
		return p.fail(ctx, call, fmt.Errorf("contact phone %q: %w", contact.Phone, err))
	}

	if camp.AssistantRef != "" && (camp.Instructions != "" || camp.Greeting != "") {
		instructions, greeting := PersonalizedScript(contact, camp)
		err := p.provider.UpdateAssistantScript(ctx, camp.AssistantRef, telephony.AssistantScript{
			Instructions: instructions,
			Greeting:     greeting,
		})
		if err != nil && !errors.Is(err, telephony.ErrUnsupported) {
			log.Warn("assistant personalization failed, placing call with stored script", "err", err)
		}
	}

	res, err := p.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		From:               camp.CallerID,
		To:                 to,
		AssistantRef:       camp.AssistantRef,
		ClientState:        telephony.EncodeClientState(call.ID),
		Variables:          contactVariables(contact),
		TimeLimitSecs:      camp.TimeLimitSecs,
		VoicemailDetection: camp.VoicemailDetection,
	})
	if err != nil {
		return p.fail(ctx, call, err)
	}

	p.metrics.Placement(true)
	_, _, err = p.repo.ApplyPatch(ctx, call.ID, calls.Patch{
		ProviderCallID: &res.ProviderCallID,
		Status:         calls.Ptr(calls.CallStatusRinging),
	}, calls.MergeFillEmpty, p.now())
	if err != nil {
		log.Error("record provider call id failed", "provider_call_id", res.ProviderCallID, "err", err)
	}
	log.Info("call placed", "provider_call_id", res.ProviderCallID)
	p.publish(ctx, call.ID)
	return nil
}

func (p *Processor) fail(ctx context.Context, call calls.Call, cause error) error {
	log := p.log.With("campaign_id", call.CampaignID, "call_id", call.ID)
	log.Warn("call placement failed", "err", cause)
	p.metrics.Placement(false)

	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	now := p.now()
	if _, err := p.repo.AppendEvent(ctx, calls.CallEvent{
		CallID:     call.ID,
		Provider:   p.provider.Name(),
		EventType:  EventPlacementFailed,
		Payload:    payload,
		OccurredAt: now,
	}); err != nil {
		log.Error("log placement failure failed", "err", err)
	}

	updated, _, err := p.repo.ApplyPatch(ctx, call.ID, calls.Patch{Status: calls.Ptr(calls.CallStatusFailed)}, calls.MergeFillEmpty, now)
	if err != nil {
		log.Error("mark call failed failed", "err", err)
	} else if cs, ok := calls.DeriveContactStatus(updated); ok {
		if err := p.repo.SetContactStatus(ctx, updated.ContactID, cs); err != nil {
			log.Warn("reset contact status failed", "err", err)
		}
	}

	p.releaseSlot(ctx, call.ID)
	p.publish(ctx, call.ID)
	return cause
}

// releaseSlot frees the slot held by callID. It reports false when the call
// held none, which makes repeated terminal signals harmless.
func (p *Processor) releaseSlot(ctx context.Context, callID string) bool {
	p.mu.Lock()
	held, ok := p.inFlight[callID]
	if ok {
		delete(p.inFlight, callID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.releaseLease(ctx, held)
	return true
}

type slotLease struct {
	campaignID string
	id         string
}

func (p *Processor) releaseLease(ctx context.Context, l slotLease) {
	if err := p.slots.Release(ctx, l.campaignID, l.id); err != nil {
		p.log.Warn("release slot failed", "campaign_id", l.campaignID, "err", err)
	}
	p.reportActive(ctx, l.campaignID)
}

func (p *Processor) reportActive(ctx context.Context, campaignID string) {
	if p.metrics == nil {
		return
	}
	if n, err := p.slots.Active(ctx, campaignID); err == nil {
		p.metrics.SetActiveCalls(campaignID, n)
	}
}

func (p *Processor) publish(ctx context.Context, callID string) {
	v, err := p.repo.GetCallView(ctx, callID)
	if err != nil {
		p.log.Warn("load call view for notify failed", "call_id", callID, "err", err)
		return
	}
	p.notifier.Publish(ctx, notify.CallUpdate(v))
}
