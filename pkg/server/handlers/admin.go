package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/server/dto"
	"github.com/memloom/memloom/pkg/types"
)

// AdminHandler serves corrections, provenance, export, and health.
type AdminHandler struct {
	svc interface {
		memloom.Corrector
		memloom.Admin
	}
}

// NewAdminHandler builds the admin handler.
func NewAdminHandler(svc interface {
	memloom.Corrector
	memloom.Admin
}) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// Correction handles POST /api/v1/corrections. Corrections always
// apply; they are never gated by confidence.
func (h *AdminHandler) Correction(c *gin.Context) {
	var corr types.UserCorrection
	if err := c.ShouldBindJSON(&corr); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.UserCorrection(c.Request.Context(), corr); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: "applied"})
}

// Provenance handles GET /api/v1/edges/:id/provenance.
func (h *AdminHandler) Provenance(c *gin.Context) {
	chain, err := h.svc.GetProvenance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

// Snapshot handles GET /api/v1/snapshot?format=full|graphml.
func (h *AdminHandler) Snapshot(c *gin.Context) {
	format := memloom.SnapshotFormat(c.DefaultQuery("format", string(memloom.SnapshotFull)))
	data, err := h.svc.GraphSnapshot(c.Request.Context(), format)
	if err != nil {
		respondError(c, err)
		return
	}
	contentType := "application/json"
	if format == memloom.SnapshotGraphML {
		contentType = "application/xml"
	}
	c.Data(http.StatusOK, contentType, data)
}

// Health handles GET /health.
func (h *AdminHandler) Health(c *gin.Context) {
	health, err := h.svc.Health(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}
