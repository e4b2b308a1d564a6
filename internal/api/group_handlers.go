package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/supervisor/manifest"
)

// ListGroups returns all display groups in order.
// GET /api/v1/groups
func (h *Handler) ListGroups(c *gin.Context) {
	groups := h.sup.ListGroups(callerFrom(c))
	if groups == nil {
		groups = []*manifest.Group{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// CreateGroup adds a display group.
// POST /api/v1/groups
func (h *Handler) CreateGroup(c *gin.Context) {
	var g manifest.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	created, err := h.sup.CreateGroup(callerFrom(c), &g)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// UpdateGroup renames or recolors a group.
// PUT /api/v1/groups/:id
func (h *Handler) UpdateGroup(c *gin.Context) {
	var g manifest.Group
	if err := c.ShouldBindJSON(&g); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	updated, err := h.sup.UpdateGroup(callerFrom(c), c.Param("id"), &g)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteGroup removes a group; its services become ungrouped.
// DELETE /api/v1/groups/:id
func (h *Handler) DeleteGroup(c *gin.Context) {
	id := c.Param("id")
	if err := h.sup.DeleteGroup(callerFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ReorderGroups applies new display orders by group id.
// PUT /api/v1/groups/reorder
func (h *Handler) ReorderGroups(c *gin.Context) {
	var orders map[string]int
	if err := c.ShouldBindJSON(&orders); err != nil {
		respondError(c, apperrors.InvalidArgument(err.Error()))
		return
	}

	if err := h.sup.ReorderGroups(callerFrom(c), orders); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reordered": len(orders)})
}
