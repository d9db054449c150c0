package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/dialer"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/reporting"
	"outbound-caller/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ListCalls pages through calls newest first. status takes a comma
// separated list; campaign_id and outcome narrow further.
func (h Handlers) ListCalls(c *gin.Context) {
	f := calls.CallFilter{
		CampaignID: c.Query("campaign_id"),
		Limit:      queryLimit(c, 50, 500),
		Offset:     queryOffset(c),
	}
	if raw := c.Query("outcome"); raw != "" {
		o, ok := calls.ParseOutcome(raw)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown outcome"})
			return
		}
		f.Outcome = o
	}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		s := calls.CallStatus(raw)
		if !s.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status " + raw})
			return
		}
		f.Statuses = append(f.Statuses, s)
	}
	rows, err := h.Repo.ListCallViews(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows, "count": len(rows), "limit": f.Limit, "offset": f.Offset})
}

type initiateRequest struct {
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
}

// InitiateCall dials one contact now. A provider rejection is a 502 that
// still carries the failed call.
func (h Handlers) InitiateCall(c *gin.Context) {
	ctx := c.Request.Context()
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Campaigns.InitiateCall(ctx, req.CampaignID, req.ContactID)
	if err != nil && !errors.Is(err, dialer.ErrPlacementFailed) {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogCallInitiated(ctx, actor(c), req.CampaignID, call.ID, req))

	view, verr := h.Repo.GetCallView(ctx, call.ID)
	if verr != nil {
		view = calls.CallView{Call: call}
	}
	if err != nil {
		logger.FromGin(c).Warn("single call placement failed", "call_id", call.ID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "call": view})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": view})
}

// GetCall returns the joined call view and its raw event log.
func (h Handlers) GetCall(c *gin.Context) {
	ctx := c.Request.Context()
	view, err := h.Repo.GetCallView(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	events, err := h.Repo.ListEvents(ctx, view.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": view, "events": events})
}

// SyncCall runs reconciliation now. Finding nothing is a 200 with synced=false.
func (h Handlers) SyncCall(c *gin.Context) {
	res, err := h.Syncer.Sync(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type outcomeRequest struct {
	Outcome             string  `json:"outcome"`
	Notes               *string `json:"notes"`
	CallbackPreferredAt *string `json:"callback_preferred_at"`
	AppointmentAt       *string `json:"appointment_at"`
}

// SetOutcome is the operator override: it replaces whatever the assistant
// or a sync recorded.
func (h Handlers) SetOutcome(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromGin(c)

	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	outcome, ok := calls.ParseOutcome(req.Outcome)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown outcome"})
		return
	}

	p := calls.Patch{
		Outcome:             &outcome,
		Notes:               req.Notes,
		CallbackPreferredAt: req.CallbackPreferredAt,
		AppointmentAt:       req.AppointmentAt,
	}
	call, changed, err := h.Repo.ApplyPatch(ctx, c.Param("id"), p, calls.MergeOverride, h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	if cs, ok := calls.DeriveContactStatus(call); ok {
		if err := h.Repo.SetContactStatus(ctx, call.ContactID, cs); err != nil {
			log.Warn("update contact status failed", "call_id", call.ID, "err", err)
		}
	}

	view, err := h.Repo.GetCallView(ctx, call.ID)
	if err != nil {
		view = calls.CallView{Call: call}
	}
	if len(changed) > 0 {
		h.notifier().Publish(ctx, notify.CallUpdate(view))
	}
	audited(c, h.Audit.LogOutcomeOverride(ctx, actor(c), call.CampaignID, call.ID, req))
	c.JSON(http.StatusOK, gin.H{"call": view, "updates": changed})
}

func (h Handlers) listByOutcome(c *gin.Context, o calls.Outcome) {
	rows, err := h.Repo.ListCallViews(c.Request.Context(), calls.CallFilter{
		CampaignID: c.Query("campaign_id"),
		Outcome:    o,
		Limit:      queryLimit(c, 100, 1000),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows, "count": len(rows)})
}

func (h Handlers) ListCallbacks(c *gin.Context) {
	h.listByOutcome(c, calls.OutcomeCallbackRequested)
}

func (h Handlers) ListAppointments(c *gin.Context) {
	h.listByOutcome(c, calls.OutcomeAppointmentScheduled)
}

// ExportCalls streams calls as CSV (default) or XLSX, optionally narrowed
// by campaign_id and outcome.
func (h Handlers) ExportCalls(c *gin.Context) {
	f := calls.CallFilter{CampaignID: c.Query("campaign_id"), Limit: queryLimit(c, 10000, 50000)}
	if raw := c.Query("outcome"); raw != "" {
		o, ok := calls.ParseOutcome(raw)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown outcome"})
			return
		}
		f.Outcome = o
	}
	rows, err := h.Repo.ListCallViews(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	name, contentType, data, err := reporting.Export(rows, c.Query("format"), h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.Data(http.StatusOK, contentType, data)
}
