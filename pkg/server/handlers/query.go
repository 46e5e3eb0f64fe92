package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/query"
	"github.com/memloom/memloom/pkg/server/dto"
	"github.com/memloom/memloom/pkg/types"
)

// QueryHandler serves the synchronous read surface.
type QueryHandler struct {
	svc memloom.Querier
}

// NewQueryHandler builds the query handler.
func NewQueryHandler(svc memloom.Querier) *QueryHandler {
	return &QueryHandler{svc: svc}
}

// Query handles POST /api/v1/query.
func (h *QueryHandler) Query(c *gin.Context) {
	var req query.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sub, err := h.svc.Query(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// QueryNL handles POST /api/v1/query/nl.
func (h *QueryHandler) QueryNL(c *gin.Context) {
	var req dto.QueryNLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sub, plan, err := h.svc.QueryNL(c.Request.Context(), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subgraph": sub, "plan": plan})
}

// GetContext handles POST /api/v1/context: synchronous extraction plus
// a planned query over the updated graph.
func (h *QueryHandler) GetContext(c *gin.Context) {
	var ev types.InteractionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.GetContext(c.Request.Context(), ev)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ContextBlock handles POST /api/v1/context/block: relevance-ranked
// facts packed into a token budget.
func (h *QueryHandler) ContextBlock(c *gin.Context) {
	var req dto.ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	block, err := h.svc.AssembleContext(c.Request.Context(), query.ContextRequest{
		SessionID:      req.SessionID,
		Turn:           req.Turn,
		ActiveEntities: req.Entities,
		ActiveTopics:   req.Topics,
		TokenBudget:    req.TokenBudget,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}
