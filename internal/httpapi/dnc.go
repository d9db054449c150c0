package httpapi

import (
	"net/http"
	"strings"

	"outbound-caller/internal/calls"
	"outbound-caller/pkg/phone"

	"github.com/gin-gonic/gin"
)

func (h Handlers) ListDNC(c *gin.Context) {
	rows, err := h.Repo.ListDoNotCall(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}

type dncRequest struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

func (h Handlers) AddDNC(c *gin.Context) {
	var req dncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	n, err := phone.Normalize(req.Phone)
	if err != nil {
		respondError(c, err)
		return
	}
	e, err := h.Repo.AddDoNotCall(c.Request.Context(), calls.DNCEntry{
		Phone:     n,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: h.now(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogDNC(c.Request.Context(), actor(c), n, "add"))
	c.JSON(http.StatusCreated, e)
}

func (h Handlers) RemoveDNC(c *gin.Context) {
	n, err := phone.Normalize(c.Param("phone"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.Repo.RemoveDoNotCall(c.Request.Context(), n); err != nil {
		respondError(c, err)
		return
	}
	audited(c, h.Audit.LogDNC(c.Request.Context(), actor(c), n, "remove"))
	c.Status(http.StatusNoContent)
}

func (h Handlers) CheckDNC(c *gin.Context) {
	n, err := phone.Normalize(c.Query("phone"))
	if err != nil {
		respondError(c, err)
		return
	}
	listed, err := h.Repo.IsDoNotCall(c.Request.Context(), n)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phone": n, "do_not_call": listed})
}
