// Package ingest applies provider webhook events to the call store.
//
// Every event is appended to the call event log before anything else, even
// when it matches no call. State changes then go through the same
// fill-empty merge every automatic writer uses, so duplicated or reordered
// deliveries cannot move a call backward or overwrite what is already known.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/metrics"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/telephony"
	"outbound-caller/pkg/phone"
)

// ErrEventLog is returned when the raw event could not be persisted. The
// provider should retry the delivery.
var ErrEventLog = errors.New("ingest: append event failed")

const reasonNotInterested = "Not interested"

type Ingestor struct {
	repo      calls.Repository
	provider  telephony.Provider
	notifier  notify.Notifier
	observers calls.TerminalObservers
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Repo calls.Repository
	// Provider is used to hand answered calls to the assistant.
	Provider  telephony.Provider
	Notifier  notify.Notifier
	Observers calls.TerminalObservers
	Metrics   *metrics.Metrics
	Log       *slog.Logger
	Now       func() time.Time
}

func New(d Deps) *Ingestor {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Ingestor{
		repo:      d.Repo,
		provider:  d.Provider,
		notifier:  d.Notifier,
		observers: d.Observers,
		metrics:   d.Metrics,
		log:       d.Log.With("component", "ingest"),
		now:       d.Now,
	}
}

// Result says what an event did.
type Result struct {
	CallID  string   `json:"call_id,omitempty"`
	Orphan  bool     `json:"orphan"`
	Changed []string `json:"changed,omitempty"`
}

// Handle logs ev and applies it to its call. Unmatched events are kept as
// orphans and are not an error. Only a failure to log the event is fatal.
func (in *Ingestor) Handle(ctx context.Context, ev telephony.Event) (Result, error) {
	log := in.log.With("provider", ev.Provider, "event", ev.Name, "provider_call_id", ev.ProviderCallID)
	in.metrics.WebhookEvent(ev.Provider, string(ev.Kind))

	call, found, err := in.match(ctx, ev)
	if err != nil {
		// Still log the event as an orphan so nothing is lost.
		log.Warn("call lookup failed", "err", err)
	}

	redelivered := false
	if found {
		redelivered = in.delivered(ctx, call.ID, ev.EventID, log)
	}

	rec := calls.CallEvent{
		Provider:       ev.Provider,
		EventType:      ev.Name,
		ProviderCallID: ev.ProviderCallID,
		EventID:        ev.EventID,
		Payload:        ev.Raw,
		OccurredAt:     ev.OccurredAt,
	}
	if found {
		rec.CallID = call.ID
	}
	if _, err := in.repo.AppendEvent(ctx, rec); err != nil {
		log.Error("append call event failed", "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrEventLog, err)
	}

	if !found {
		in.metrics.OrphanEvent(ev.Provider)
		log.Warn("webhook matched no call")
		return Result{Orphan: true}, nil
	}
	log = log.With("call_id", call.ID)

	patch, sideEffects := in.patchFor(ev, call)
	if redelivered {
		// Fill-empty fields are idempotent; fragments are not.
		patch.AppendTranscript, patch.AppendSummary = "", ""
	}
	var changed []string
	if !patch.IsZero() {
		updated, ch, err := in.repo.ApplyPatch(ctx, call.ID, patch, calls.MergeFillEmpty, in.now().UTC())
		if err != nil {
			// The raw event is already logged; a later sync can recover the fields.
			log.Error("apply webhook patch failed", "err", err)
			return Result{CallID: call.ID}, nil
		}
		call, changed = updated, ch
	}

	for _, fx := range sideEffects {
		fx(ctx, call, changed, log)
	}

	if len(changed) > 0 {
		if cs, ok := calls.DeriveContactStatus(call); ok {
			if err := in.repo.SetContactStatus(ctx, call.ContactID, cs); err != nil {
				log.Warn("update contact status failed", "err", err)
			}
		}
	}
	// Subscribers hear about every event that reached a call, even one that
	// changed nothing, so live views can show activity.
	in.publish(ctx, call.ID, log)
	if calls.EnteredTerminal(call, changed) {
		in.observers.CallTerminated(ctx, call)
	}
	log.Info("webhook applied", "kind", ev.Kind, "changed", changed)
	return Result{CallID: call.ID, Changed: changed}, nil
}

// delivered reports whether an event with the same provider id is already
// logged for the call. Lookup errors count as a first delivery.
func (in *Ingestor) delivered(ctx context.Context, callID, eventID string, log *slog.Logger) bool {
	if eventID == "" {
		return false
	}
	events, err := in.repo.ListEvents(ctx, callID)
	if err != nil {
		log.Warn("list call events for redelivery check failed", "err", err)
		return false
	}
	return slices.ContainsFunc(events, func(e calls.CallEvent) bool { return e.EventID == eventID })
}

// match finds the call an event belongs to: client state first, then the
// provider call id, then the alternate id some providers also send.
func (in *Ingestor) match(ctx context.Context, ev telephony.Event) (calls.Call, bool, error) {
	if ev.ClientState != "" {
		if id, err := telephony.DecodeClientState(ev.ClientState); err == nil && id != "" {
			c, err := in.repo.GetCall(ctx, id)
			if err == nil {
				return c, true, nil
			}
			if !errors.Is(err, calls.ErrNotFound) {
				return calls.Call{}, false, err
			}
		}
	}
	for _, pid := range []string{ev.ProviderCallID, ev.AltCallID} {
		if pid == "" {
			continue
		}
		c, err := in.repo.FindCallByProviderID(ctx, pid)
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, calls.ErrNotFound) {
			return calls.Call{}, false, err
		}
	}
	return calls.Call{}, false, nil
}

type sideEffect func(ctx context.Context, c calls.Call, changed []string, log *slog.Logger)

// patchFor translates an event into a call patch plus work that runs after
// the patch is stored.
func (in *Ingestor) patchFor(ev telephony.Event, c calls.Call) (calls.Patch, []sideEffect) {
	var p calls.Patch
	var fx []sideEffect

	if ev.ProviderCallID != "" && c.ProviderCallID == "" {
		p.ProviderCallID = calls.Ptr(ev.ProviderCallID)
	}

	switch ev.Kind {
	case telephony.EventInitiated:
		p.Status = calls.Ptr(calls.CallStatusRinging)

	case telephony.EventAnswered:
		p.Status = calls.Ptr(calls.CallStatusInProgress)
		at := ev.OccurredAt
		p.StartedAt = &at
		fx = append(fx, in.startConversation(ev))

	case telephony.EventHangup:
		p.Status = calls.Ptr(calls.CallStatusCompleted)
		p.DurationSeconds = ev.DurationSeconds
		at := ev.OccurredAt
		p.EndedAt = &at
		if o, ok := calls.ParseOutcome(ev.HangupOutcome); ok {
			p.Outcome = &o
		}

	case telephony.EventFailed:
		p.Status = calls.Ptr(calls.CallStatusFailed)
		at := ev.OccurredAt
		p.EndedAt = &at

	case telephony.EventMachineDetection:
		if ev.IsMachine() {
			p.Status = calls.Ptr(calls.CallStatusVoicemail)
			p.Outcome = calls.Ptr(calls.OutcomeVoicemail)
		}

	case telephony.EventRecordingSaved:
		if ev.RecordingURL != "" {
			p.RecordingURL = calls.Ptr(ev.RecordingURL)
		}

	case telephony.EventTranscription:
		p.AppendTranscript = ev.TranscriptText

	case telephony.EventConversationEnded:
		p.AppendSummary = ev.Summary

	case telephony.EventFunctionCall:
		switch ev.FunctionName {
		case telephony.FuncScheduleAppointment:
			p.Outcome = calls.Ptr(calls.OutcomeAppointmentScheduled)
			p.AppointmentAt = nonEmpty(ev.AppointmentTime())
		case telephony.FuncMarkNotInterested:
			p.Outcome = calls.Ptr(calls.OutcomeNotInterested)
			if reason := ev.Arg("reason"); reason != "" {
				p.Notes = calls.Ptr(reason)
			}
			fx = append(fx, in.addDoNotCall)
		case telephony.FuncRequestCallback:
			p.Outcome = calls.Ptr(calls.OutcomeCallbackRequested)
			p.CallbackPreferredAt = nonEmpty(ev.CallbackTime())
		}
	}
	return p, fx
}

func (in *Ingestor) startConversation(ev telephony.Event) sideEffect {
	return func(ctx context.Context, c calls.Call, changed []string, log *slog.Logger) {
		// Only the delivery that actually connected the call starts the assistant.
		if in.provider == nil || c.Status != calls.CallStatusInProgress || !slices.Contains(changed, calls.FieldStatus) {
			return
		}
		v, err := in.repo.GetCallView(ctx, c.ID)
		if err != nil {
			log.Warn("load call view for conversation failed", "err", err)
			return
		}
		cp, err := in.repo.GetCampaign(ctx, c.CampaignID)
		if err != nil {
			log.Warn("load campaign for conversation failed", "err", err)
			return
		}
		vars := map[string]string{
			"contact_name":     v.ContactName,
			"property_address": v.PropertyAddress,
			"campaign_type":    v.CampaignType,
		}
		id := firstNonEmpty(c.ProviderCallID, ev.ProviderCallID)
		err = in.provider.StartConversation(ctx, id, cp.AssistantRef, vars)
		if err != nil && !errors.Is(err, telephony.ErrUnsupported) {
			log.Warn("start assistant conversation failed", "err", err)
		}
	}
}

func (in *Ingestor) addDoNotCall(ctx context.Context, c calls.Call, _ []string, log *slog.Logger) {
	ct, err := in.repo.GetContact(ctx, c.ContactID)
	if err != nil {
		log.Warn("load contact for do-not-call failed", "err", err)
		return
	}
	num, err := phone.Normalize(ct.Phone)
	if err != nil {
		log.Warn("contact phone not normalizable, skipping do-not-call", "phone", ct.Phone)
		return
	}
	if _, err := in.repo.AddDoNotCall(ctx, calls.DNCEntry{Phone: num, Reason: reasonNotInterested}); err != nil {
		log.Warn("add do-not-call entry failed", "err", err)
	}
}

func (in *Ingestor) publish(ctx context.Context, callID string, log *slog.Logger) {
	v, err := in.repo.GetCallView(ctx, callID)
	if err != nil {
		log.Warn("load call view for notify failed", "err", err)
		return
	}
	in.notifier.Publish(ctx, notify.CallUpdate(v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
