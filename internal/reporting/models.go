package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero reports whether no range was given. An empty range means all time.
func (r TimeRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r TimeRange) contains(t time.Time) bool {
	if r.IsZero() {
		return true
	}
	return !t.Before(r.From) && t.Before(r.To)
}

// CampaignStatsRequest requests aggregated call metrics for one campaign.
type CampaignStatsRequest struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`
}

type CampaignStats struct {
	CampaignID     string `json:"campaign_id"`
	CampaignName   string `json:"campaign_name"`
	CampaignStatus string `json:"campaign_status"`

	TotalCalls     int            `json:"total_calls"`
	CallsByStatus  map[string]int `json:"calls_by_status"`
	CallsByOutcome map[string]int `json:"calls_by_outcome"`

	TotalContacts    int            `json:"total_contacts"`
	ContactsByStatus map[string]int `json:"contacts_by_status"`

	// Connected counts calls that reached a person or a machine.
	CallsConnected int     `json:"calls_connected"`
	Conversions    int     `json:"conversions"`
	ConnectionRate float64 `json:"connection_rate"`
	ConversionRate float64 `json:"conversion_rate"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls int `json:"recorded_calls"`
}
