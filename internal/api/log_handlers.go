package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
)

// GetLogs returns recent output, or streams it when follow=true.
// GET /api/v1/services/:id/logs?tail=N
// GET /api/v1/services/:id/logs?follow=true
func (h *Handler) GetLogs(c *gin.Context) {
	if c.Query("follow") == "true" {
		h.followLogs(c)
		return
	}

	maxBytes := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, apperrors.InvalidArgument("tail must be a non-negative integer"))
			return
		}
		maxBytes = n
	}

	data, err := h.sup.Tail(callerFrom(c), c.Param("id"), maxBytes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TailResponse{Data: base64.StdEncoding.EncodeToString(data)})
}

// followLogs streams ring chunks as server-sent events until the client
// disconnects or the ring closes.
func (h *Handler) followLogs(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.sup.StreamLogs(callerFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					h.logger.Warn("log follower dropped for lagging", zap.String("service_id", id))
				}
				return false
			}
			c.SSEvent("log", base64.StdEncoding.EncodeToString(chunk))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// DownloadLogFile streams the service's on-disk log file when configured.
// GET /api/v1/services/:id/log-file
func (h *Handler) DownloadLogFile(c *gin.Context) {
	id := c.Param("id")
	path, err := h.sup.LogFilePath(callerFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		respondError(c, apperrors.NotFound("log file for service", id))
		return
	}

	c.FileAttachment(path, id+"-"+filepath.Base(path))
}
