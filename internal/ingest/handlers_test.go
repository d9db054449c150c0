package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-caller/internal/telephony"
)

type recordingHandler struct {
	events []telephony.Event
	err    error
}

func (r *recordingHandler) Handle(_ context.Context, ev telephony.Event) (Result, error) {
	r.events = append(r.events, ev)
	return Result{CallID: "call-1"}, r.err
}

func newWebhookRouter(h WebhookHandlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/telnyx", h.Telnyx)
	r.POST("/webhooks/twilio/status", h.TwilioStatus)
	return r
}

func TestTelnyxWebhookEndpoint(t *testing.T) {
	rec := &recordingHandler{}
	r := newWebhookRouter(WebhookHandlers{Events: rec, Now: func() time.Time { return t0 }})

	body := `{"data":{"event_type":"call.answered","id":"evt-9","payload":{"call_control_id":"v3:ctrl-1"}}}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/telnyx", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"call_id":"call-1"}`, w.Body.String())
	require.Len(t, rec.events, 1)
	assert.Equal(t, telephony.EventAnswered, rec.events[0].Kind)
	assert.True(t, rec.events[0].OccurredAt.Equal(t0), "missing occurred_at falls back to receipt time")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/telnyx", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEndpoint_StorageFailureAsksForRetry(t *testing.T) {
	rec := &recordingHandler{err: errors.Join(ErrEventLog, errors.New("db down"))}
	r := newWebhookRouter(WebhookHandlers{Events: rec})

	body := `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"v3:ctrl-1"}}}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/telnyx", strings.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioStatusEndpoint_Signature(t *testing.T) {
	const token = "twilio-auth-token"
	const base = "https://calls.example.com"
	v := telephony.NewTwilioSignatureValidator(token)
	rec := &recordingHandler{}
	r := newWebhookRouter(WebhookHandlers{Events: rec, TwilioValidator: &v, PublicBaseURL: base})

	form := url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	}
	path := "/webhooks/twilio/status?client_state=" + url.QueryEscape(telephony.EncodeClientState("call-1"))

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set("X-Twilio-Signature", sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusForbidden, send("").Code)
	assert.Equal(t, http.StatusForbidden, send("bogus").Code)
	assert.Empty(t, rec.events)

	w := send(twilioSignature(token, base+path, form))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, telephony.EventHangup, ev.Kind)
	assert.Equal(t, "CA123", ev.ProviderCallID)
	require.NotNil(t, ev.DurationSeconds)
	assert.Equal(t, 42, *ev.DurationSeconds)

	id, err := telephony.DecodeClientState(ev.ClientState)
	require.NoError(t, err)
	assert.Equal(t, "call-1", id)
}
