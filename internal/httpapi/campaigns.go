package httpapi

import (
	"errors"
	"net/http"
	"time"

	"outbound-caller/internal/calls"
	"outbound-caller/internal/dialer"
	"outbound-caller/internal/reporting"
	"outbound-caller/internal/telephony"
	"outbound-caller/pkg/logger"
	"outbound-caller/pkg/phone"

	"github.com/gin-gonic/gin"
)

type startCampaignRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
	DelayMS       int `json:"delay_ms"`
}

func (h Handlers) StartCampaign(c *gin.Context) {
	id := c.Param("id")
	var req startCampaignRequest
	// An empty body means defaults.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.MaxConcurrent < 0 || req.DelayMS < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "max_concurrent and delay_ms must not be negative"})
		return
	}

	res, err := h.Campaigns.StartCampaign(c.Request.Context(), id, dialer.Options{
		MaxConcurrent: req.MaxConcurrent,
		Delay:         time.Duration(req.DelayMS) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, dialer.ErrAllContactsDNC) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "skipped_dnc": res.SkippedDNC})
			return
		}
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogCampaignAction(c.Request.Context(), actor(c), id, "start", req))
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "queued": res.Queued, "skipped_dnc": res.SkippedDNC})
}

func (h Handlers) StopCampaign(c *gin.Context) {
	id := c.Param("id")
	n, err := h.Campaigns.StopCampaign(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogCampaignAction(c.Request.Context(), actor(c), id, "stop", map[string]int{"cancelled": n}))
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "cancelled": n})
}

func (h Handlers) PauseCampaign(c *gin.Context) {
	id := c.Param("id")
	if err := h.Campaigns.PauseCampaign(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogCampaignAction(c.Request.Context(), actor(c), id, "pause", nil))
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "status": calls.CampaignPaused})
}

func (h Handlers) ResumeCampaign(c *gin.Context) {
	id := c.Param("id")
	if err := h.Campaigns.ResumeCampaign(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogCampaignAction(c.Request.Context(), actor(c), id, "resume", nil))
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "status": calls.CampaignActive})
}

type campaignStatsResponse struct {
	reporting.CampaignStats
	ActiveCalls int `json:"active_calls"`
}

// CampaignStats accepts optional from/to RFC 3339 bounds.
func (h Handlers) CampaignStats(c *gin.Context) {
	req := reporting.CampaignStatsRequest{CampaignID: c.Param("id")}
	for _, b := range []struct {
		key string
		dst *time.Time
	}{{"from", &req.Range.From}, {"to", &req.Range.To}} {
		raw := c.Query(b.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": b.key + " must be RFC 3339"})
			return
		}
		*b.dst = t
	}

	stats, err := h.Reports.CampaignStats(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	out := campaignStatsResponse{CampaignStats: stats}
	if n, err := h.Campaigns.Active(c.Request.Context(), req.CampaignID); err == nil {
		out.ActiveCalls = n
	} else {
		logger.FromGin(c).Warn("active call count failed", "campaign_id", req.CampaignID, "err", err)
	}
	c.JSON(http.StatusOK, out)
}

// UpdateScript stores the campaign script and pushes the unpersonalized
// version to the provider assistant. Each call later overwrites the
// assistant with its personalized copy.
func (h Handlers) UpdateScript(c *gin.Context) {
	id := c.Param("id")
	var req calls.ScriptUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Instructions == "" && req.Greeting == "" && req.Voice == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "instructions, greeting or voice required"})
		return
	}
	cp, err := h.Repo.UpdateCampaignScript(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}

	synced := false
	if cp.AssistantRef != "" && h.Provider != nil {
		err := h.Provider.UpdateAssistantScript(c.Request.Context(), cp.AssistantRef, telephony.AssistantScript{
			Instructions: cp.Instructions,
			Greeting:     cp.Greeting,
			Voice:        cp.Voice,
		})
		switch {
		case err == nil:
			synced = true
		case errors.Is(err, telephony.ErrUnsupported):
		default:
			logger.FromGin(c).Warn("assistant script push failed", "campaign_id", id, "err", err)
		}
	}
	audited(c, h.Audit.LogScriptEdit(c.Request.Context(), actor(c), id, req))
	c.JSON(http.StatusOK, gin.H{"campaign": cp, "assistant_updated": synced})
}

type createCampaignRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`

	Instructions string `json:"instructions"`
	Greeting     string `json:"greeting"`
	Voice        string `json:"voice"`
	Language     string `json:"language"`
	BotName      string `json:"bot_name"`

	CallerID      string `json:"caller_id"`
	CallbackPhone string `json:"callback_phone"`

	TimeLimitSecs      int    `json:"time_limit_secs"`
	VoicemailDetection bool   `json:"voicemail_detection"`
	AssistantRef       string `json:"assistant_ref"`
}

// CreateCampaign stores a new campaign. Caller numbers are normalized to
// E.164 up front so placement never fails on them.
func (h Handlers) CreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name == "" || req.CallerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name, caller_id required"})
		return
	}
	if req.TimeLimitSecs < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "time_limit_secs must not be negative"})
		return
	}
	callerID, err := phone.Normalize(req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	callback := req.CallbackPhone
	if callback != "" {
		if callback, err = phone.Normalize(callback); err != nil {
			respondError(c, err)
			return
		}
	}

	cp, err := h.Repo.CreateCampaign(c.Request.Context(), calls.Campaign{
		Name:               req.Name,
		Type:               req.Type,
		Description:        req.Description,
		Instructions:       req.Instructions,
		Greeting:           req.Greeting,
		Voice:              req.Voice,
		Language:           req.Language,
		BotName:            req.BotName,
		CallerID:           callerID,
		CallbackPhone:      callback,
		TimeLimitSecs:      req.TimeLimitSecs,
		VoicemailDetection: req.VoicemailDetection,
		AssistantRef:       req.AssistantRef,
		Status:             calls.CampaignActive,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogCampaignAction(c.Request.Context(), actor(c), cp.ID, "create", gin.H{"name": cp.Name, "type": cp.Type}))
	c.JSON(http.StatusCreated, gin.H{"campaign": cp})
}

type contactInput struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	PropertyAddress string `json:"property_address"`
	Notes           string `json:"notes"`
}

type addContactsRequest struct {
	Contacts []contactInput `json:"contacts"`
}

type rejectedContact struct {
	Index int    `json:"index"`
	Phone string `json:"phone"`
	Error string `json:"error"`
}

// AddContacts imports leads into a campaign as pending contacts. Rows with
// an unusable phone are reported back and skipped; the rest are stored.
func (h Handlers) AddContacts(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	var req addContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.Contacts) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contacts required"})
		return
	}
	if _, err := h.Repo.GetCampaign(ctx, id); err != nil {
		respondError(c, err)
		return
	}

	created := make([]calls.Contact, 0, len(req.Contacts))
	rejected := make([]rejectedContact, 0)
	for i, in := range req.Contacts {
		num, err := phone.Normalize(in.Phone)
		if err != nil {
			rejected = append(rejected, rejectedContact{Index: i, Phone: in.Phone, Error: err.Error()})
			continue
		}
		ct, err := h.Repo.CreateContact(ctx, calls.Contact{
			CampaignID:      id,
			FirstName:       in.FirstName,
			LastName:        in.LastName,
			Phone:           num,
			Email:           in.Email,
			PropertyAddress: in.PropertyAddress,
			Notes:           in.Notes,
			Status:          calls.ContactPending,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		created = append(created, ct)
	}
	audited(c, h.Audit.LogCampaignAction(ctx, actor(c), id, "add contacts",
		map[string]int{"created": len(created), "rejected": len(rejected)}))
	c.JSON(http.StatusCreated, gin.H{"campaign_id": id, "contacts": created, "rejected": rejected})
}
