// Package telephonytest provides an in-memory telephony.Provider for tests.
package telephonytest

import (
	"context"
	"fmt"
	"sync"

	"outbound-caller/internal/telephony"
)

// Provider records every request and answers from canned data.
type Provider struct {
	mu sync.Mutex

	// PlaceErr, when set, fails every PlaceCall.
	PlaceErr  error
	ScriptErr error

	Placed        []telephony.PlaceCallRequest
	Scripts       map[string]telephony.AssistantScript
	Conversations []string

	Details    map[string]*telephony.CallDetail
	Recordings []telephony.Recording
	Events     []telephony.ProviderEvent
	// DetailErr and friends simulate a flaky provider API.
	DetailErr     error
	RecordingsErr error
	EventsErr     error

	RecordingQueries []telephony.RecordingFilter
	EventQueries     []telephony.CallEventsQuery

	seq int
}

var _ telephony.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		Scripts: map[string]telephony.AssistantScript{},
		Details: map[string]*telephony.CallDetail{},
	}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Placed = append(p.Placed, req)
	if p.PlaceErr != nil {
		return telephony.PlaceCallResult{}, p.PlaceErr
	}
	p.seq++
	return telephony.PlaceCallResult{ProviderCallID: fmt.Sprintf("v3:fake-%d", p.seq)}, nil
}

func (p *Provider) UpdateAssistantScript(_ context.Context, ref string, s telephony.AssistantScript) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScriptErr != nil {
		return p.ScriptErr
	}
	p.Scripts[ref] = s
	return nil
}

func (p *Provider) StartConversation(_ context.Context, providerCallID, _ string, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Conversations = append(p.Conversations, providerCallID)
	return nil
}

func (p *Provider) GetCallDetail(_ context.Context, id string) (*telephony.CallDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DetailErr != nil {
		return nil, p.DetailErr
	}
	return p.Details[id], nil
}

func (p *Provider) ListRecordings(_ context.Context, f telephony.RecordingFilter) ([]telephony.Recording, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RecordingQueries = append(p.RecordingQueries, f)
	if p.RecordingsErr != nil {
		return nil, p.RecordingsErr
	}
	if f.Key == "" {
		return append([]telephony.Recording(nil), p.Recordings...), nil
	}
	var out []telephony.Recording
	for _, r := range p.Recordings {
		if r.CallID == f.Value {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Provider) ListCallEvents(_ context.Context, q telephony.CallEventsQuery) (telephony.CallEventsPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EventQueries = append(p.EventQueries, q)
	if p.EventsErr != nil {
		return telephony.CallEventsPage{}, p.EventsErr
	}
	var match []telephony.ProviderEvent
	for _, e := range p.Events {
		if (q.LegID != "" && e.LegID == q.LegID) || (q.SessionID != "" && e.SessionID == q.SessionID) {
			match = append(match, e)
		}
	}
	size := q.PageSize
	if size <= 0 {
		size = len(match)
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(match) {
		return telephony.CallEventsPage{}, nil
	}
	end := start + size
	if end > len(match) {
		end = len(match)
	}
	return telephony.CallEventsPage{Events: match[start:end], HasMore: end < len(match)}, nil
}

// PlacedCount is safe to call while the dialer is running.
func (p *Provider) PlacedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Placed)
}
