package httpapi

import (
	"net/http"

	"outbound-caller/internal/audit"

	"github.com/gin-gonic/gin"
)

// ListAudit serves the operator audit trail, newest first.
func (h Handlers) ListAudit(c *gin.Context) {
	f := audit.Filter{
		Type:       audit.EventType(c.Query("type")),
		CampaignID: c.Query("campaign_id"),
		CallID:     c.Query("call_id"),
		Limit:      queryLimit(c, 100, 1000),
	}
	rows, err := h.Audit.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if rows == nil {
		rows = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
}
