// Package handlers implements the HTTP endpoint handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/graph"
	"github.com/memloom/memloom/pkg/outbound"
	"github.com/memloom/memloom/pkg/server/dto"
	"github.com/memloom/memloom/pkg/types"
)

// respondError maps domain failures onto HTTP statuses. Unknown errors
// stay opaque 500s.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var failure *types.Failure
	switch {
	case errors.As(err, &failure):
		code = string(failure.Kind)
		switch failure.Kind {
		case types.FailureMalformedInput:
			status = http.StatusBadRequest
		case types.FailureInvariant:
			status = http.StatusConflict
		case types.FailureHallucination:
			status = http.StatusUnprocessableEntity
		case types.FailureTransientExternal, types.FailureStoreDegraded:
			status = http.StatusServiceUnavailable
		}
	case errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, graph.ErrEdgeNotFound),
		errors.Is(err, graph.ErrEpisodeNotFound),
		errors.Is(err, outbound.ErrNotFound),
		errors.Is(err, memloom.ErrUnknownEntity),
		errors.Is(err, memloom.ErrNoMatchingEdge):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, memloom.ErrUnknownFormat):
		status = http.StatusBadRequest
		code = "invalid_request"
	}

	c.JSON(status, dto.ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid_request", Message: err.Error()})
}
