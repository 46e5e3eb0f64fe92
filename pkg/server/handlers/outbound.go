package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/server/dto"
	"github.com/memloom/memloom/pkg/types"
)

// OutboundHandler serves the probe and starter pull surface.
type OutboundHandler struct {
	svc memloom.Prober
}

// NewOutboundHandler builds the outbound handler.
func NewOutboundHandler(svc memloom.Prober) *OutboundHandler {
	return &OutboundHandler{svc: svc}
}

func conversation(req dto.ConversationRequest) outbound.Conversation {
	return outbound.Conversation{
		SessionID: req.SessionID,
		Turn:      req.Turn,
		Topics:    req.Topics,
		Entities:  req.Entities,
	}
}

// Probes handles POST /api/v1/outbound/probes.
func (h *OutboundHandler) Probes(c *gin.Context) {
	var req dto.ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	items, err := h.svc.GetProbes(c.Request.Context(), conversation(req))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Starters handles POST /api/v1/outbound/starters.
func (h *OutboundHandler) Starters(c *gin.Context) {
	var req dto.ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	items, err := h.svc.GetStarters(c.Request.Context(), conversation(req))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Delivered handles POST /api/v1/outbound/:id/delivered.
func (h *OutboundHandler) Delivered(c *gin.Context) {
	var req dto.DeliveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.MarkDelivered(c.Request.Context(), c.Param("id"), req.SessionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: string(types.OutboundDelivered)})
}

// Resolve handles POST /api/v1/outbound/:id/resolve.
func (h *OutboundHandler) Resolve(c *gin.Context) {
	var req dto.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	outcome := types.OutboundState(req.Outcome)
	switch outcome {
	case types.OutboundAccepted, types.OutboundIgnored, types.OutboundDeflected:
	default:
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid_request",
			Message: "outcome must be accepted, ignored, or deflected",
		})
		return
	}
	if err := h.svc.ResolveOutbound(c.Request.Context(), c.Param("id"), outcome); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: req.Outcome})
}
