package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"outbound-caller/internal/audit"
	"outbound-caller/internal/calls"
	"outbound-caller/internal/reconcile"
	"outbound-caller/internal/reporting"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.Status)
	}
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

// Client talks to the operator API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c *Client) Login(ctx context.Context, userID, role string) (TokenPair, error) {
	var out TokenPair
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", map[string]string{"user_id": userID, "role": role}, &out)
	return out, err
}

// --- Campaigns ---

// CampaignInput is the body of a campaign create.
type CampaignInput struct {
	Name               string `json:"name"`
	Type               string `json:"type,omitempty"`
	CallerID           string `json:"caller_id"`
	AssistantRef       string `json:"assistant_ref,omitempty"`
	Instructions       string `json:"instructions,omitempty"`
	Greeting           string `json:"greeting,omitempty"`
	TimeLimitSecs      int    `json:"time_limit_secs,omitempty"`
	VoicemailDetection bool   `json:"voicemail_detection"`
}

func (c *Client) CreateCampaign(ctx context.Context, in CampaignInput) (calls.Campaign, error) {
	var out struct {
		Campaign calls.Campaign `json:"campaign"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/campaigns", in, &out)
	return out.Campaign, err
}

type ContactInput struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name,omitempty"`
	Phone           string `json:"phone"`
	Email           string `json:"email,omitempty"`
	PropertyAddress string `json:"property_address,omitempty"`
}

type ContactImport struct {
	Contacts []calls.Contact `json:"contacts"`
	Rejected []struct {
		Index int    `json:"index"`
		Phone string `json:"phone"`
		Error string `json:"error"`
	} `json:"rejected"`
}

func (c *Client) AddContacts(ctx context.Context, campaignID string, in []ContactInput) (ContactImport, error) {
	var out ContactImport
	err := c.do(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(campaignID)+"/contacts",
		map[string]any{"contacts": in}, &out)
	return out, err
}

type StartOptions struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	DelayMS       int `json:"delay_ms,omitempty"`
}

type StartResult struct {
	CampaignID string `json:"campaign_id"`
	Queued     int    `json:"queued"`
	SkippedDNC int    `json:"skipped_dnc"`
}

func (c *Client) StartCampaign(ctx context.Context, id string, opts StartOptions) (StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(id)+"/start", opts, &out)
	return out, err
}

type StopResult struct {
	CampaignID string `json:"campaign_id"`
	Cancelled  int    `json:"cancelled"`
}

func (c *Client) StopCampaign(ctx context.Context, id string) (StopResult, error) {
	var out StopResult
	err := c.do(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

type StatusResult struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
}

func (c *Client) PauseCampaign(ctx context.Context, id string) (StatusResult, error) {
	var out StatusResult
	err := c.do(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(id)+"/pause", nil, &out)
	return out, err
}

func (c *Client) ResumeCampaign(ctx context.Context, id string) (StatusResult, error) {
	var out StatusResult
	err := c.do(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(id)+"/resume", nil, &out)
	return out, err
}

type Stats struct {
	reporting.CampaignStats
	ActiveCalls int `json:"active_calls"`
}

func (c *Client) CampaignStats(ctx context.Context, id string, from, to string) (Stats, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/v1/campaigns/" + url.PathEscape(id) + "/stats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Stats
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// --- Calls ---

type CallDetail struct {
	Call   calls.CallView    `json:"call"`
	Events []calls.CallEvent `json:"events"`
}

func (c *Client) GetCall(ctx context.Context, id string) (CallDetail, error) {
	var out CallDetail
	err := c.do(ctx, http.MethodGet, "/v1/calls/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) SyncCall(ctx context.Context, id string) (reconcile.Result, error) {
	var out reconcile.Result
	err := c.do(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(id)+"/sync", nil, &out)
	return out, err
}

type OutcomeUpdate struct {
	Outcome             string  `json:"outcome"`
	Notes               *string `json:"notes,omitempty"`
	CallbackPreferredAt *string `json:"callback_preferred_at,omitempty"`
	AppointmentAt       *string `json:"appointment_at,omitempty"`
}

type OutcomeResult struct {
	Call    calls.CallView `json:"call"`
	Updates []string       `json:"updates"`
}

func (c *Client) SetOutcome(ctx context.Context, id string, u OutcomeUpdate) (OutcomeResult, error) {
	var out OutcomeResult
	err := c.do(ctx, http.MethodPut, "/v1/calls/"+url.PathEscape(id)+"/outcome", u, &out)
	return out, err
}

type callList struct {
	Calls []calls.CallView `json:"calls"`
	Count int              `json:"count"`
}

func (c *Client) listCalls(ctx context.Context, path, campaignID string) ([]calls.CallView, error) {
	if campaignID != "" {
		path += "?" + url.Values{"campaign_id": {campaignID}}.Encode()
	}
	var out callList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

// CallQuery narrows a call listing. Zero values are left out of the request.
type CallQuery struct {
	CampaignID string
	Status     string
	Outcome    string
	Limit      int
	Offset     int
}

func (c *Client) ListCalls(ctx context.Context, q CallQuery) ([]calls.CallView, error) {
	v := url.Values{}
	for k, val := range map[string]string{"campaign_id": q.CampaignID, "status": q.Status, "outcome": q.Outcome} {
		if val != "" {
			v.Set(k, val)
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/v1/calls"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out callList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

func (c *Client) InitiateCall(ctx context.Context, campaignID, contactID string) (calls.CallView, error) {
	var out struct {
		Call calls.CallView `json:"call"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/calls/initiate",
		map[string]string{"campaign_id": campaignID, "contact_id": contactID}, &out)
	return out.Call, err
}

func (c *Client) Callbacks(ctx context.Context, campaignID string) ([]calls.CallView, error) {
	return c.listCalls(ctx, "/v1/calls/callbacks", campaignID)
}

func (c *Client) Appointments(ctx context.Context, campaignID string) ([]calls.CallView, error) {
	return c.listCalls(ctx, "/v1/calls/appointments", campaignID)
}

// --- DNC ---

func (c *Client) ListDNC(ctx context.Context) ([]calls.DNCEntry, error) {
	var out struct {
		Entries []calls.DNCEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/dnc", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) AddDNC(ctx context.Context, phone, reason string) (calls.DNCEntry, error) {
	var out calls.DNCEntry
	err := c.do(ctx, http.MethodPost, "/v1/dnc", map[string]string{"phone": phone, "reason": reason}, &out)
	return out, err
}

func (c *Client) RemoveDNC(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodDelete, "/v1/dnc/"+url.PathEscape(phone), nil, nil)
}

type DNCCheck struct {
	Phone     string `json:"phone"`
	DoNotCall bool   `json:"do_not_call"`
}

func (c *Client) CheckDNC(ctx context.Context, phone string) (DNCCheck, error) {
	var out DNCCheck
	err := c.do(ctx, http.MethodGet, "/v1/dnc/check?"+url.Values{"phone": {phone}}.Encode(), nil, &out)
	return out, err
}

// --- Audit ---

func (c *Client) Audit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	q := url.Values{}
	for k, v := range map[string]string{"type": string(f.Type), "campaign_id": f.CampaignID, "call_id": f.CallID} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []audit.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
