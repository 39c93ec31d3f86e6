package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openrecords/docket/pkg/dispatch"
	"github.com/openrecords/docket/pkg/services"
	"github.com/openrecords/docket/pkg/store"
)

// mapServiceError renders a service-layer error as the matching HTTP status.
// Every handler funnels its errors through here so status mapping lives in
// one place.
func mapServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, store.ErrAlreadyDecided) {
		c.JSON(http.StatusConflict, gin.H{"error": "proposal already decided"})
		return
	}
	if errors.Is(err, store.ErrAlreadyApplied) {
		c.JSON(http.StatusConflict, gin.H{"error": "already applied"})
		return
	}
	if errors.Is(err, services.ErrRunNotCancelable) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, dispatch.ErrCaseBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "case is busy, retry shortly"})
		return
	}

	slog.Error("unexpected service error",
		"error", err, "correlation_id", c.GetString("correlation_id"))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
