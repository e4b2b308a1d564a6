package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor"
	"github.com/prochub/prochub/internal/supervisor/manifest"
)

// Handler contains the HTTP handlers for the prochub API.
type Handler struct {
	sup    *supervisor.Supervisor
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sup *supervisor.Supervisor, log *logger.Logger) *Handler {
	return &Handler{
		sup:    sup,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// ListServices returns every service the caller may see, with status.
// GET /api/v1/services
func (h *Handler) ListServices(c *gin.Context) {
	services := h.sup.List(callerFrom(c))
	if services == nil {
		services = []supervisor.ServiceInfo{}
	}
	c.JSON(http.StatusOK, ListServicesResponse{Services: services, Total: len(services)})
}

// GetService returns one service's manifest and runtime status.
// GET /api/v1/services/:id
func (h *Handler) GetService(c *gin.Context) {
	info, err := h.sup.Get(callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// CreateService registers a new service.
// POST /api/v1/services
func (h *Handler) CreateService(c *gin.Context) {
	var man manifest.Manifest
	if err := c.ShouldBindJSON(&man); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	info, err := h.sup.Create(callerFrom(c), &man)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// UpdateService replaces a service's manifest.
// PUT /api/v1/services/:id
func (h *Handler) UpdateService(c *gin.Context) {
	var man manifest.Manifest
	if err := c.ShouldBindJSON(&man); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	info, err := h.sup.Update(callerFrom(c), c.Param("id"), &man)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteService removes a stopped service.
// DELETE /api/v1/services/:id
func (h *Handler) DeleteService(c *gin.Context) {
	id := c.Param("id")
	if err := h.sup.Delete(callerFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ReorderServices moves services across groups and display positions.
// PUT /api/v1/services/reorder
func (h *Handler) ReorderServices(c *gin.Context) {
	var entries []manifest.ReorderEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	if err := h.sup.ReorderServices(callerFrom(c), entries); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reordered": len(entries)})
}

// StartService launches a service and returns its post-transition status.
// POST /api/v1/services/:id/start
func (h *Handler) StartService(c *gin.Context) {
	st, err := h.sup.StartService(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StopService stops a service, gracefully when a shutdown command is set.
// POST /api/v1/services/:id/stop
func (h *Handler) StopService(c *gin.Context) {
	st, err := h.sup.StopService(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ShutdownService always runs the graceful stop sequence.
// POST /api/v1/services/:id/shutdown
func (h *Handler) ShutdownService(c *gin.Context) {
	st, err := h.sup.ShutdownService(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// KillService terminates the child immediately.
// POST /api/v1/services/:id/kill
func (h *Handler) KillService(c *gin.Context) {
	st, err := h.sup.KillService(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// RestartService chains a stop and a start.
// POST /api/v1/services/:id/restart
func (h *Handler) RestartService(c *gin.Context) {
	st, err := h.sup.RestartService(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetStats samples the host and every running service the caller may see.
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	report, err := h.sup.Stats(c.Request.Context(), callerFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
