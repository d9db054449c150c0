package telephony

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOptions configures the Twilio adapter.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	// StatusCallbackURL receives call progress webhooks. The client-state
	// token rides along as a query parameter because Twilio has no
	// client-state field of its own.
	StatusCallbackURL string
}

// twilioCalls is the slice of the twilio-go REST client this adapter uses.
type twilioCalls interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	FetchCall(sid string, params *api.FetchCallParams) (*api.ApiV2010Call, error)
	ListRecording(params *api.ListRecordingParams) ([]api.ApiV2010Recording, error)
}

// TwilioProvider places calls through the Twilio Programmable Voice API.
// Campaign assistant refs are TwiML URLs that host the conversation, so
// there is no remote assistant to update and no event history to page.
type TwilioProvider struct {
	calls       twilioCalls
	callbackURL string
	log         *slog.Logger
}

func NewTwilioProvider(opts TwilioOptions, log *slog.Logger) (*TwilioProvider, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return newTwilioProvider(rc.Api, opts.StatusCallbackURL, log), nil
}

func newTwilioProvider(calls twilioCalls, callbackURL string, log *slog.Logger) *TwilioProvider {
	if log == nil {
		log = slog.Default()
	}
	return &TwilioProvider{calls: calls, callbackURL: callbackURL, log: log.With("provider", "twilio")}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" || req.From == "" {
		return PlaceCallResult{}, errors.New("telephony: from and to are required")
	}
	if req.AssistantRef == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio calls need a twiml url as assistant ref")
	}
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.AssistantRef)
	if cb := p.statusCallback(req.ClientState); cb != "" {
		params.SetStatusCallback(cb)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if req.VoicemailDetection {
		params.SetMachineDetection("Enable")
	}
	if req.TimeLimitSecs > 0 {
		params.SetTimeLimit(req.TimeLimitSecs)
	}

	resp, err := p.calls.CreateCall(params)
	if err != nil {
		return PlaceCallResult{}, wrapTwilioErr(err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio returned no call sid")
	}
	return PlaceCallResult{ProviderCallID: *resp.Sid}, nil
}

func (p *TwilioProvider) statusCallback(clientState string) string {
	if p.callbackURL == "" {
		return ""
	}
	if clientState == "" {
		return p.callbackURL
	}
	sep := "?"
	if strings.Contains(p.callbackURL, "?") {
		sep = "&"
	}
	return p.callbackURL + sep + "client_state=" + url.QueryEscape(clientState)
}

func (p *TwilioProvider) UpdateAssistantScript(ctx context.Context, assistantRef string, s AssistantScript) error {
	return ErrUnsupported
}

func (p *TwilioProvider) StartConversation(ctx context.Context, providerCallID, assistantRef string, vars map[string]string) error {
	// The TwiML at the assistant URL already drives the conversation.
	return ErrUnsupported
}

func (p *TwilioProvider) GetCallDetail(ctx context.Context, providerCallID string) (*CallDetail, error) {
	resp, err := p.calls.FetchCall(providerCallID, &api.FetchCallParams{})
	if err != nil {
		err = wrapTwilioErr(err)
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	d := &CallDetail{ProviderCallID: providerCallID}
	if resp.Sid != nil {
		d.ProviderCallID = *resp.Sid
	}
	if resp.Status != nil {
		d.State = *resp.Status
	}
	switch d.State {
	case "completed", "busy", "no-answer", "failed", "canceled":
		d.Ended = true
	}
	if resp.Duration != nil {
		if n, err := strconv.Atoi(*resp.Duration); err == nil && n > 0 {
			d.DurationSeconds = &n
		}
	}
	if resp.StartTime != nil {
		d.StartTime = parseTimePtr(*resp.StartTime)
	}
	if resp.EndTime != nil {
		d.EndTime = parseTimePtr(*resp.EndTime)
	}
	return d, nil
}

func (p *TwilioProvider) ListRecordings(ctx context.Context, f RecordingFilter) ([]Recording, error) {
	params := &api.ListRecordingParams{}
	if f.Key != "" {
		// Twilio recordings are only addressable by call sid.
		params.SetCallSid(f.Value)
	}
	params.SetLimit(50)
	rows, err := p.calls.ListRecording(params)
	if err != nil {
		return nil, wrapTwilioErr(err)
	}
	out := make([]Recording, 0, len(rows))
	for _, r := range rows {
		if r.Uri == nil || *r.Uri == "" {
			continue
		}
		rec := Recording{DownloadURL: twilioMediaURL(*r.Uri)}
		if r.Sid != nil {
			rec.ID = *r.Sid
		}
		if r.CallSid != nil {
			rec.CallID = *r.CallSid
		}
		if r.DateCreated != nil {
			if t := parseTimePtr(*r.DateCreated); t != nil {
				rec.CreatedAt = *t
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *TwilioProvider) ListCallEvents(ctx context.Context, q CallEventsQuery) (CallEventsPage, error) {
	return CallEventsPage{}, ErrUnsupported
}

// twilioMediaURL turns a recording resource uri into its mp3 download url.
func twilioMediaURL(uri string) string {
	return "https://api.twilio.com" + strings.TrimSuffix(uri, ".json") + ".mp3"
}

func wrapTwilioErr(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &APIError{Provider: "twilio", Status: restErr.Status, Detail: restErr.Message}
	}
	return err
}
