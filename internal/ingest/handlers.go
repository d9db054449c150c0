package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-caller/internal/telephony"
	"outbound-caller/pkg/logger"
)

const maxWebhookBody = 1 << 20

// EventHandler is what the webhook endpoints feed. *Ingestor implements it.
type EventHandler interface {
	Handle(ctx context.Context, ev telephony.Event) (Result, error)
}

// WebhookHandlers converts provider webhooks to events and hands them to
// the ingestor. Providers retry on non-2xx, so anything short of a storage
// failure is acknowledged.
type WebhookHandlers struct {
	Events EventHandler

	// TwilioValidator, when set, rejects callbacks without a valid signature.
	TwilioValidator *telephony.TwilioSignatureValidator
	// PublicBaseURL is the externally visible scheme and host Twilio signed.
	PublicBaseURL string

	Now func() time.Time
}

func (h WebhookHandlers) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func (h WebhookHandlers) Telnyx(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestor not configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	ev, err := telephony.ParseTelnyxWebhook(body, h.now())
	if err != nil {
		log.Warn("telnyx webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}
	h.handle(c, ev)
}

func (h WebhookHandlers) TwilioStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestor not configured"})
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if h.TwilioValidator != nil {
		if !h.TwilioValidator.Validate(c.Request, h.PublicBaseURL+c.Request.URL.RequestURI()) {
			log.Warn("twilio signature rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}
	form, err := telephony.ParseTwilioStatusForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	h.handle(c, form.ToEvent(h.now()))
}

func (h WebhookHandlers) handle(c *gin.Context, ev telephony.Event) {
	res, err := h.Events.Handle(c.Request.Context(), ev)
	if errors.Is(err, ErrEventLog) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event not stored"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("webhook handling failed", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "call_id": res.CallID})
}
