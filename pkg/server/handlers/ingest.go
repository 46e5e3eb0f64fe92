package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/server/dto"
	"github.com/memloom/memloom/pkg/types"
)

// IngestHandler accepts interaction and external events.
type IngestHandler struct {
	svc memloom.Ingestor
}

// NewIngestHandler builds the ingest handler.
func NewIngestHandler(svc memloom.Ingestor) *IngestHandler {
	return &IngestHandler{svc: svc}
}

// ReportInteraction handles POST /api/v1/interactions. The utterance is
// queued; extraction happens asynchronously.
func (h *IngestHandler) ReportInteraction(c *gin.Context) {
	var ev types.InteractionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.ReportInteraction(c.Request.Context(), ev); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.AcceptedResponse{
		Accepted:  true,
		SessionID: ev.SessionID,
		Turn:      ev.Turn,
	})
}

// ReportExternalEvent handles POST /api/v1/events/external.
func (h *IngestHandler) ReportExternalEvent(c *gin.Context) {
	var ev types.ExternalEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.ReportExternalEvent(c.Request.Context(), ev); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.AcceptedResponse{Accepted: true})
}
