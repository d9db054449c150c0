// Package reporting aggregates campaign results for the stats endpoint and
// the CLI.
package reporting

import (
	"context"
	"errors"
	"fmt"

	"outbound-caller/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// scanLimit bounds how many rows one stats request reads per table.
const scanLimit = 50000

// Repository is the read side of the call store that reporting needs.
// calls.Repository satisfies it.
type Repository interface {
	GetCampaign(ctx context.Context, id string) (calls.Campaign, error)
	ListCallViews(ctx context.Context, f calls.CallFilter) ([]calls.CallView, error)
	ListContacts(ctx context.Context, campaignID string, status calls.ContactStatus, limit int) ([]calls.Contact, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CampaignStats(ctx context.Context, req CampaignStatsRequest) (CampaignStats, error) {
	if req.CampaignID == "" {
		return CampaignStats{}, ErrInvalidRequest
	}
	if !req.Range.IsZero() && (req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From)) {
		return CampaignStats{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CampaignStats{}, errors.New("reporting: repository not configured")
	}

	cp, err := s.repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return CampaignStats{}, err
	}
	rows, err := s.repo.ListCallViews(ctx, calls.CallFilter{CampaignID: req.CampaignID, Limit: scanLimit})
	if err != nil {
		return CampaignStats{}, fmt.Errorf("list calls: %w", err)
	}
	contacts, err := s.repo.ListContacts(ctx, req.CampaignID, "", scanLimit)
	if err != nil {
		return CampaignStats{}, fmt.Errorf("list contacts: %w", err)
	}

	out := CampaignStats{
		CampaignID:       cp.ID,
		CampaignName:     cp.Name,
		CampaignStatus:   string(cp.Status),
		CallsByStatus:    map[string]int{},
		CallsByOutcome:   map[string]int{},
		ContactsByStatus: map[string]int{},
	}
	timed := 0
	for _, c := range rows {
		if !req.Range.contains(c.CreatedAt) {
			continue
		}
		out.TotalCalls++
		out.CallsByStatus[string(c.Status)]++
		if c.Outcome != "" {
			out.CallsByOutcome[string(c.Outcome)]++
		}
		if c.DurationSeconds != nil {
			out.TotalDurationSeconds += *c.DurationSeconds
			timed++
		}
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		switch c.Status {
		case calls.CallStatusCompleted, calls.CallStatusVoicemail:
			out.CallsConnected++
		case calls.CallStatusQueued, calls.CallStatusInitiating, calls.CallStatusRinging, calls.CallStatusInProgress:
			// still in flight
		}
		if c.Outcome == calls.OutcomeAppointmentScheduled {
			out.Conversions++
		}
	}
	for _, ct := range contacts {
		out.TotalContacts++
		out.ContactsByStatus[string(ct.Status)]++
	}

	if timed > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / timed
	}
	if out.TotalCalls > 0 {
		out.ConnectionRate = float64(out.CallsConnected) / float64(out.TotalCalls)
		out.ConversionRate = float64(out.Conversions) / float64(out.TotalCalls)
	}
	return out, nil
}
