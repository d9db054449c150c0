package httpapi

import (
	"outbound-caller/internal/rbac"

	"github.com/gin-gonic/gin"
)

var (
	readers = rbac.RequireAnyRole(rbac.Readers...)
	writers = rbac.RequireAnyRole(rbac.Writers...)
	owners  = rbac.RequireAnyRole(rbac.Owners...)
)

// RegisterV1 mounts the operator API on an authenticated group.
// Reads are open to every role; writes need owner or operator.
func RegisterV1(v1 *gin.RouterGroup, h Handlers) {
	campaigns := v1.Group("/campaigns")
	{
		campaigns.POST("", writers, h.CreateCampaign)
		campaigns.POST("/:id/contacts", writers, h.AddContacts)
		campaigns.GET("/:id/stats", readers, h.CampaignStats)
		campaigns.POST("/:id/start", writers, h.StartCampaign)
		campaigns.POST("/:id/stop", writers, h.StopCampaign)
		campaigns.POST("/:id/pause", writers, h.PauseCampaign)
		campaigns.POST("/:id/resume", writers, h.ResumeCampaign)
		campaigns.PUT("/:id/script", writers, h.UpdateScript)
	}

	callsGroup := v1.Group("/calls")
	{
		// Static paths before /:id.
		callsGroup.GET("", readers, h.ListCalls)
		callsGroup.POST("/initiate", writers, h.InitiateCall)
		callsGroup.GET("/callbacks", readers, h.ListCallbacks)
		callsGroup.GET("/appointments", readers, h.ListAppointments)
		callsGroup.GET("/export", readers, h.ExportCalls)
		callsGroup.GET("/:id", readers, h.GetCall)
		callsGroup.POST("/:id/sync", readers, h.SyncCall)
		callsGroup.PUT("/:id/outcome", writers, h.SetOutcome)
	}

	dnc := v1.Group("/dnc")
	{
		dnc.GET("", readers, h.ListDNC)
		dnc.GET("/check", readers, h.CheckDNC)
		dnc.POST("", writers, h.AddDNC)
		dnc.DELETE("/:phone", writers, h.RemoveDNC)
	}

	v1.GET("/audit", owners, h.ListAudit)
}
