package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/supervisor/manifest"
)

// GetSchedule returns the service's cron schedule, or null when unset.
// GET /api/v1/services/:id/schedule
func (h *Handler) GetSchedule(c *gin.Context) {
	info, err := h.sup.Get(callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": info.Manifest.Schedule})
}

// SetSchedule installs, replaces or clears the service's schedule. A JSON
// null body clears it.
// PUT /api/v1/services/:id/schedule
func (h *Handler) SetSchedule(c *gin.Context) {
	var sched *manifest.Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	man, err := h.sup.SetSchedule(callerFrom(c), c.Param("id"), sched)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": man.Schedule})
}

// ValidateSchedule parses a cron expression and previews its next runs.
// POST /api/v1/schedule/validate
func (h *Handler) ValidateSchedule(c *gin.Context) {
	var req ValidateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	runs, err := h.sup.ValidateCron(req.CronExpr, req.Timezone)
	if err != nil {
		c.JSON(http.StatusOK, ValidateScheduleResponse{Valid: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ValidateScheduleResponse{Valid: true, NextRuns: runs})
}
