// Package httpapi holds the operator-facing REST handlers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"outbound-caller/internal/audit"
	"outbound-caller/internal/auth"
	"outbound-caller/internal/calls"
	"outbound-caller/internal/dialer"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/rbac"
	"outbound-caller/internal/reconcile"
	"outbound-caller/internal/reporting"
	"outbound-caller/internal/telephony"
	"outbound-caller/pkg/logger"
	"outbound-caller/pkg/phone"

	"github.com/gin-gonic/gin"
)

// CampaignRunner is the dialer surface the API drives. *dialer.Processor
// implements it.
type CampaignRunner interface {
	StartCampaign(ctx context.Context, campaignID string, opts dialer.Options) (dialer.StartResult, error)
	StopCampaign(ctx context.Context, campaignID string) (int, error)
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	Active(ctx context.Context, campaignID string) (int, error)
	InitiateCall(ctx context.Context, campaignID, contactID string) (calls.Call, error)
}

// CallSyncer runs an on-demand reconciliation. *reconcile.Engine implements it.
type CallSyncer interface {
	Sync(ctx context.Context, callID string) (reconcile.Result, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Repo      calls.Repository
	Campaigns CampaignRunner
	Syncer    CallSyncer
	Reports   *reporting.Service
	Provider  telephony.Provider
	Audit     *audit.Service
	Notifier  notify.Notifier
	Now       func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func (h Handlers) notifier() notify.Notifier {
	if h.Notifier == nil {
		return notify.Nop{}
	}
	return h.Notifier
}

// actor reads the caller identity for audit records.
func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

// audited runs an audit write and only logs when it fails.
func audited(c *gin.Context, err error) {
	if err != nil {
		logger.FromGin(c).Warn("audit append failed", "err", err)
	}
}

// respondError maps domain errors to status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrNotFound),
		errors.Is(err, dialer.ErrCampaignNotFound),
		errors.Is(err, dialer.ErrContactNotFound),
		errors.Is(err, reconcile.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, dialer.ErrContactBusy),
		errors.Is(err, dialer.ErrNoFreeSlot):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dialer.ErrNoPendingContacts),
		errors.Is(err, dialer.ErrAllContactsDNC),
		errors.Is(err, dialer.ErrContactDNC),
		errors.Is(err, dialer.ErrMissingTarget),
		errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, phone.ErrInvalid):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryOffset(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("offset"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: credentials are not checked here; put this behind an identity
// provider or a trusted network.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh trades a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}
