package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/briancaffey/nvidia-nim-kit/internal/events"
	"github.com/briancaffey/nvidia-nim-kit/internal/metrics"
	"github.com/briancaffey/nvidia-nim-kit/internal/toggle"
	"github.com/gin-gonic/gin"
)

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

type apiKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) togglesAvailable(c *gin.Context) bool {
	if h.toggles == nil {
		abortDetail(c, http.StatusServiceUnavailable, "Redis is not configured")
		return false
	}
	return true
}

// GetNvidiaToggle reports whether requests go to the hosted NVIDIA API.
func (h *Handler) GetNvidiaToggle(c *gin.Context) {
	if !h.togglesAvailable(c) {
		return
	}
	state, err := h.toggles.State(c.Request.Context())
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Error getting NVIDIA API toggle")
		abortDetail(c, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, state)
}

// SetNvidiaToggle stores the toggle. Enabling requires a configured API key.
func (h *Handler) SetNvidiaToggle(c *gin.Context) {
	if !h.togglesAvailable(c) {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid toggle payload: "+err.Error())
		return
	}

	state, err := h.toggles.SetEnabled(c.Request.Context(), req.Enabled)
	metrics.ObserveToggleWrite(req.Enabled, err == nil)
	switch {
	case errors.Is(err, toggle.ErrNoAPIKey):
		abortDetail(c, http.StatusBadRequest, "Cannot enable NVIDIA API without a configured API key")
		return
	case err != nil:
		h.requestLogger(c).WithError(err).Error("Error setting NVIDIA API toggle")
		abortDetail(c, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}
	h.requestLogger(c).WithField("enabled", state.Enabled).Info("NVIDIA API toggle updated")
	h.publish(c, events.TypeToggleChanged, state)
	c.JSON(http.StatusOK, gin.H{"enabled": state.Enabled, "can_enable": state.CanEnable, "status": "success"})
}

// GetNvidiaAPIKey returns a redacted view of the configured key.
func (h *Handler) GetNvidiaAPIKey(c *gin.Context) {
	if !h.togglesAvailable(c) {
		return
	}
	status, err := h.toggles.KeyStatus(c.Request.Context())
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Error getting NVIDIA API key status")
		abortDetail(c, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"preview": status.Preview,
		"has_key": status.HasKey,
		"source":  status.Source,
		"status":  "success",
	})
}

// SetNvidiaAPIKey stores a new key in Redis.
func (h *Handler) SetNvidiaAPIKey(c *gin.Context) {
	if !h.togglesAvailable(c) {
		return
	}
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		abortDetail(c, http.StatusBadRequest, "API key is required")
		return
	}

	preview, err := h.toggles.SetAPIKey(c.Request.Context(), req.APIKey)
	switch {
	case errors.Is(err, toggle.ErrInvalidAPIKey):
		abortDetail(c, http.StatusBadRequest, toggle.ErrInvalidAPIKey.Error())
		return
	case err != nil:
		h.requestLogger(c).WithError(err).Error("Error setting NVIDIA API key")
		abortDetail(c, http.StatusInternalServerError, "Failed to set NVIDIA API key")
		return
	}
	h.publish(c, events.TypeAPIKeyUpdated, gin.H{"preview": preview})
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "NVIDIA API key set successfully",
		"preview": preview,
	})
}

// DeleteNvidiaAPIKey removes the stored key.
func (h *Handler) DeleteNvidiaAPIKey(c *gin.Context) {
	if !h.togglesAvailable(c) {
		return
	}
	if err := h.toggles.DeleteAPIKey(c.Request.Context()); err != nil {
		h.requestLogger(c).WithError(err).Error("Error deleting NVIDIA API key")
		abortDetail(c, http.StatusInternalServerError, "Failed to delete NVIDIA API key")
		return
	}
	h.publish(c, events.TypeAPIKeyDeleted, nil)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "NVIDIA API key deleted successfully"})
}
