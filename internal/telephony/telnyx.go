package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultTelnyxBaseURL = "https://api.telnyx.com/v2"

// TelnyxOptions configures the Telnyx adapter.
type TelnyxOptions struct {
	APIKey  string
	BaseURL string
	// TeXMLAppID is the TeXML application that owns AI calls.
	TeXMLAppID string
	Timeout    time.Duration
	// RateLimit caps outgoing requests per second; zero disables limiting.
	RateLimit float64

	HTTPClient *http.Client
}

// TelnyxProvider talks to the Telnyx v2 REST API: TeXML AI calls, call
// control, recordings, call events and AI assistants.
type TelnyxProvider struct {
	apiKey  string
	baseURL string
	appID   string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewTelnyxProvider(opts TelnyxOptions, log *slog.Logger) (*TelnyxProvider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("telephony: telnyx api key is required")
	}
	if strings.TrimSpace(opts.TeXMLAppID) == "" {
		return nil, errors.New("telephony: telnyx texml app id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultTelnyxBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	p := &TelnyxProvider{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		appID:   opts.TeXMLAppID,
		http:    hc,
		log:     log.With("provider", "telnyx"),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p, nil
}

func (p *TelnyxProvider) Name() string { return "telnyx" }

func (p *TelnyxProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" || req.From == "" {
		return PlaceCallResult{}, errors.New("telephony: from and to are required")
	}
	body := map[string]any{
		// Collapse "++1..." that sometimes leaks in from imported caller ids.
		"From":          "+" + strings.TrimLeft(req.From, "+"),
		"To":            req.To,
		"AIAssistantId": req.AssistantRef,
	}
	if req.ClientState != "" {
		body["ClientState"] = req.ClientState
	}
	if len(req.Variables) > 0 {
		vars, err := json.Marshal(map[string]any{"contact": req.Variables})
		if err != nil {
			return PlaceCallResult{}, fmt.Errorf("telephony: encode dynamic variables: %w", err)
		}
		body["DynamicVariables"] = string(vars)
	}
	if req.TimeLimitSecs > 0 {
		body["TimeLimit"] = req.TimeLimitSecs
	}
	if req.VoicemailDetection {
		body["MachineDetection"] = "Enable"
	}

	var out struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
			CallSID       string `json:"call_sid"`
		} `json:"data"`
		CallSID string `json:"call_sid"`
	}
	if err := p.do(ctx, http.MethodPost, "/texml/ai_calls/"+url.PathEscape(p.appID), body, &out); err != nil {
		return PlaceCallResult{}, err
	}
	id := firstNonEmpty(out.Data.CallControlID, out.Data.CallSID, out.CallSID)
	if id == "" {
		return PlaceCallResult{}, errors.New("telephony: telnyx returned no call id")
	}
	return PlaceCallResult{ProviderCallID: id}, nil
}

func (p *TelnyxProvider) UpdateAssistantScript(ctx context.Context, assistantRef string, s AssistantScript) error {
	if assistantRef == "" {
		return errors.New("telephony: assistant ref is required")
	}
	body := map[string]any{
		"instructions": s.Instructions,
		"greeting":     s.Greeting,
	}
	if s.Voice != "" {
		body["voice_settings"] = map[string]any{"voice": telnyxVoice(s.Voice)}
	}
	return p.do(ctx, http.MethodPatch, "/ai/assistants/"+url.PathEscape(assistantRef), body, nil)
}

func (p *TelnyxProvider) StartConversation(ctx context.Context, providerCallID, assistantRef string, vars map[string]string) error {
	assistantCtx, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("telephony: encode assistant context: %w", err)
	}
	body := map[string]any{
		"assistant_id":      assistantRef,
		"assistant_context": string(assistantCtx),
		"voice":             "female",
		"language":          "en-US",
	}
	return p.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(providerCallID)+"/actions/gather_using_ai", body, nil)
}

func (p *TelnyxProvider) GetCallDetail(ctx context.Context, providerCallID string) (*CallDetail, error) {
	var out struct {
		Data struct {
			CallControlID   string   `json:"call_control_id"`
			State           string   `json:"state"`
			Status          string   `json:"status"`
			IsAlive         *bool    `json:"is_alive"`
			CallDuration    *float64 `json:"call_duration"`
			DurationSeconds *float64 `json:"duration_seconds"`
			StartTime       string   `json:"start_time"`
			EndTime         string   `json:"end_time"`
			CallLegID       string   `json:"call_leg_id"`
			CallSessionID   string   `json:"call_session_id"`
		} `json:"data"`
	}
	err := p.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(providerCallID), nil, &out)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := out.Data
	detail := &CallDetail{
		ProviderCallID: firstNonEmpty(d.CallControlID, providerCallID),
		State:          firstNonEmpty(d.State, d.Status),
		LegID:          d.CallLegID,
		SessionID:      d.CallSessionID,
	}
	detail.Ended = detail.State == "hangup" || (d.IsAlive != nil && !*d.IsAlive)
	if dur := firstFloat(d.CallDuration, d.DurationSeconds); dur != nil && *dur > 0 {
		n := int(*dur + 0.5)
		detail.DurationSeconds = &n
	}
	detail.StartTime = parseTimePtr(d.StartTime)
	detail.EndTime = parseTimePtr(d.EndTime)
	return detail, nil
}

type telnyxRecording struct {
	ID                  string            `json:"id"`
	CallControlID       string            `json:"call_control_id"`
	CallLegID           string            `json:"call_leg_id"`
	CreatedAt           string            `json:"created_at"`
	DownloadURLs        map[string]string `json:"download_urls"`
	PublicRecordingURLs map[string]string `json:"public_recording_urls"`
	RecordingURLs       map[string]string `json:"recording_urls"`
}

func (p *TelnyxProvider) ListRecordings(ctx context.Context, f RecordingFilter) ([]Recording, error) {
	path := "/recordings"
	if f.Key != "" {
		q := url.Values{}
		q.Set("filter["+f.Key+"]", f.Value)
		path += "?" + q.Encode()
	}
	var out struct {
		Data []telnyxRecording `json:"data"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	recs := make([]Recording, 0, len(out.Data))
	for _, r := range out.Data {
		u := firstNonEmpty(r.DownloadURLs["mp3"], r.PublicRecordingURLs["mp3"], r.RecordingURLs["mp3"])
		if u == "" {
			continue
		}
		rec := Recording{ID: r.ID, CallID: firstNonEmpty(r.CallControlID, r.CallLegID), DownloadURL: u}
		if t := parseTimePtr(r.CreatedAt); t != nil {
			rec.CreatedAt = *t
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (p *TelnyxProvider) ListCallEvents(ctx context.Context, q CallEventsQuery) (CallEventsPage, error) {
	v := url.Values{}
	switch {
	case q.LegID != "":
		v.Set("filter[call_leg_id]", q.LegID)
	case q.SessionID != "":
		v.Set("filter[call_session_id]", q.SessionID)
	default:
		return CallEventsPage{}, errors.New("telephony: leg or session id is required")
	}
	if !q.Since.IsZero() {
		v.Set("filter[occurred_at][gte]", q.Since.UTC().Format("2006-01-02")+"T00:00:00Z")
	}
	if q.PageSize <= 0 {
		q.PageSize = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	v.Set("page[size]", strconv.Itoa(q.PageSize))
	v.Set("page[number]", strconv.Itoa(q.Page))

	var out struct {
		Data []struct {
			Name                 string          `json:"name"`
			OccurredAt           string          `json:"occurred_at"`
			LegID                string          `json:"leg_id"`
			ApplicationSessionID string          `json:"application_session_id"`
			Payload              json.RawMessage `json:"payload"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodGet, "/call_events?"+v.Encode(), nil, &out); err != nil {
		return CallEventsPage{}, err
	}
	page := CallEventsPage{HasMore: len(out.Data) == q.PageSize}
	for _, e := range out.Data {
		pe := ProviderEvent{
			Name:      e.Name,
			LegID:     e.LegID,
			SessionID: e.ApplicationSessionID,
			Payload:   unwrapPayload(e.Payload),
		}
		if t := parseTimePtr(e.OccurredAt); t != nil {
			pe.OccurredAt = *t
		}
		page.Events = append(page.Events, pe)
	}
	return page, nil
}

// unwrapPayload returns payload.payload when the event nests its body one level deeper.
func unwrapPayload(raw json.RawMessage) json.RawMessage {
	var nested struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Payload) > 0 && nested.Payload[0] == '{' {
		return nested.Payload
	}
	return raw
}

func (p *TelnyxProvider) do(ctx context.Context, method, path string, body any, out any) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: telnyx %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("telephony: read telnyx response: %w", err)
	}
	p.log.Debug("telnyx request", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: "telnyx", Status: resp.StatusCode, Detail: telnyxErrorDetail(raw), Body: truncate(string(raw), 500)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("telephony: decode telnyx response: %w", err)
	}
	return nil
}

func telnyxErrorDetail(raw []byte) string {
	var e struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &e) != nil || len(e.Errors) == 0 {
		return ""
	}
	return firstNonEmpty(e.Errors[0].Detail, e.Errors[0].Title)
}

var telnyxVoices = map[string]string{
	"astra":     "Telnyx.NaturalHD.astra",
	"andromeda": "Telnyx.NaturalHD.andromeda",
	"luna":      "Telnyx.NaturalHD.luna",
	"athena":    "Telnyx.NaturalHD.athena",
	"orion":     "Telnyx.NaturalHD.orion",
	"perseus":   "Telnyx.NaturalHD.perseus",
	"atlas":     "Telnyx.NaturalHD.atlas",
	"helios":    "Telnyx.NaturalHD.helios",
	"female":    "Telnyx.NaturalHD.astra",
	"male":      "Telnyx.NaturalHD.orion",
}

func telnyxVoice(v string) string {
	if strings.Contains(v, ".") {
		return v
	}
	if full, ok := telnyxVoices[strings.ToLower(v)]; ok {
		return full
	}
	return telnyxVoices["astra"]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func parseTimePtr(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC1123Z, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
