package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/briancaffey/nvidia-nim-kit/internal/events"
	"github.com/briancaffey/nvidia-nim-kit/internal/metrics"
	"github.com/briancaffey/nvidia-nim-kit/internal/pagination"
	"github.com/briancaffey/nvidia-nim-kit/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

type recordRequest struct {
	ID          string          `json:"id,omitempty"`
	RequestType string          `json:"request_type"`
	Type        string          `json:"type,omitempty"`
	NimID       string          `json:"nim_id,omitempty"`
	Input       json.RawMessage `json:"input" binding:"required"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Status      string          `json:"status,omitempty"`
}

type updateRequest struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Status string          `json:"status" binding:"required"`
}

func (h *Handler) requestsAvailable(c *gin.Context) bool {
	if h.requests == nil {
		abortDetail(c, http.StatusServiceUnavailable, "request history is not configured")
		return false
	}
	return true
}

// requestEvent leaves the payloads out; subscribers fetch them by id.
func requestEvent(r *store.InferenceRequest) gin.H {
	return gin.H{
		"request_id":   r.ID,
		"request_type": r.RequestType,
		"nim_id":       r.NimID,
		"status":       r.Status,
	}
}

func validStatus(status string) bool {
	switch store.RequestStatus(status) {
	case "", store.StatusPending, store.StatusCompleted, store.StatusError:
		return true
	}
	return false
}

// RecordRequest validates and stores an inference request.
func (h *Handler) RecordRequest(c *gin.Context) {
	if !h.requestsAvailable(c) {
		return
	}
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	if req.RequestType == "" {
		req.RequestType = store.RequestTypeChat
	}
	if !validStatus(req.Status) {
		abortDetail(c, http.StatusBadRequest, "status must be one of pending, completed, error")
		return
	}
	if h.checker != nil {
		if result := h.checker.Validate(req.RequestType, req.Input); !result.Valid {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"detail": "request input failed validation", "errors": result.Errors})
			return
		}
	}

	record := &store.InferenceRequest{
		ID:          req.ID,
		Input:       req.Input,
		Output:      req.Output,
		Error:       req.Error,
		Type:        req.Type,
		RequestType: req.RequestType,
		NimID:       req.NimID,
		Model:       gjson.GetBytes(req.Input, "model").String(),
		Stream:      gjson.GetBytes(req.Input, "stream").Bool(),
		Status:      store.RequestStatus(req.Status),
	}
	if err := h.requests.CreateRequest(c.Request.Context(), record); err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to record inference request")
		abortDetail(c, http.StatusInternalServerError, "Failed to record request: "+err.Error())
		return
	}
	metrics.ObserveRequestRecorded(record.RequestType, string(record.Status))
	h.publish(c, events.TypeRequestRecorded, requestEvent(record))
	c.JSON(http.StatusCreated, record)
}

// UpdateInferenceRequest stores the outcome of a recorded request.
func (h *Handler) UpdateInferenceRequest(c *gin.Context) {
	if !h.requestsAvailable(c) {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid update payload: "+err.Error())
		return
	}
	if !validStatus(req.Status) {
		abortDetail(c, http.StatusBadRequest, "status must be one of pending, completed, error")
		return
	}

	ctx := c.Request.Context()
	record, err := h.requests.GetRequest(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		abortDetail(c, http.StatusNotFound, "Inference request not found")
		return
	}
	if err != nil {
		abortDetail(c, http.StatusInternalServerError, "Failed to load request: "+err.Error())
		return
	}
	// absent fields keep what is stored, so a status-only update is safe
	if len(req.Output) > 0 {
		record.Output = req.Output
	}
	if len(req.Error) > 0 {
		record.Error = req.Error
	}
	record.Status = store.RequestStatus(req.Status)
	if err := h.requests.UpdateRequest(ctx, record); err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to update inference request")
		abortDetail(c, http.StatusInternalServerError, "Failed to update request: "+err.Error())
		return
	}
	metrics.ObserveRequestRecorded(record.RequestType, string(record.Status))
	h.publish(c, events.TypeRequestUpdated, requestEvent(record))
	c.JSON(http.StatusOK, record)
}

// ListRequests returns recorded requests, newest first.
func (h *Handler) ListRequests(c *gin.Context) {
	if !h.requestsAvailable(c) {
		return
	}
	limit, err := queryInt(c, "limit", h.opts.DefaultListLimit)
	if err != nil || limit <= 0 {
		abortDetail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > h.opts.MaxListLimit {
		limit = h.opts.MaxListLimit
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		abortDetail(c, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	filter := store.Filter{
		RequestType: c.Query("request_type"),
		NimID:       c.Query("nim_id"),
		Status:      c.Query("status"),
		Type:        c.Query("type"),
	}
	ctx := c.Request.Context()
	total, err := h.requests.CountRequests(ctx, filter)
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to count inference requests")
		abortDetail(c, http.StatusInternalServerError, "Failed to list requests: "+err.Error())
		return
	}
	requests, err := h.requests.ListRequests(ctx, filter, limit, offset)
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to list inference requests")
		abortDetail(c, http.StatusInternalServerError, "Failed to list requests: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests":   requests,
		"total":      total,
		"pagination": pagination.FromOffset(limit, offset, total),
		"filters": gin.H{
			"request_type": nullable(filter.RequestType),
			"nim_id":       nullable(filter.NimID),
			"status":       nullable(filter.Status),
			"type":         nullable(filter.Type),
			"limit":        limit,
			"offset":       offset,
		},
	})
}

// RequestStats summarizes the recorded requests.
func (h *Handler) RequestStats(c *gin.Context) {
	if !h.requestsAvailable(c) {
		return
	}
	stats, err := h.requests.Stats(c.Request.Context())
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to get inference stats")
		abortDetail(c, http.StatusInternalServerError, "Failed to get stats: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetInferenceRequest returns a recorded request with its output's logprobs.
func (h *Handler) GetInferenceRequest(c *gin.Context) {
	if !h.requestsAvailable(c) {
		return
	}
	record, err := h.requests.GetRequest(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		abortDetail(c, http.StatusNotFound, "Inference request not found")
		return
	}
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to get inference request")
		abortDetail(c, http.StatusInternalServerError, "Failed to get request: "+err.Error())
		return
	}

	resp := gin.H{"request": record}
	if len(record.Output) > 0 {
		resp["logprobs"] = h.outputLogprobs(record.Output)
	}
	c.JSON(http.StatusOK, resp)
}

// outputLogprobs treats an array output, or the {"chunks": [...]} document the
// proxy stores, as the fragments of a streamed call.
func (h *Handler) outputLogprobs(output json.RawMessage) logprobsResponse {
	parsed := gjson.ParseBytes(output)
	if parsed.IsArray() {
		return h.analyzeStream(chunkFragments(parsed))
	}
	if chunks := parsed.Get("chunks"); chunks.IsArray() {
		return h.analyzeStream(chunkFragments(chunks))
	}
	return h.analyzeEnvelope(output)
}

// DeleteInferenceRequest removes a recorded request.
func (h *Handler) DeleteInferenceRequest(c *gin.Context) {
	if !h.requestsAvailable(c) {
		return
	}
	id := c.Param("id")
	err := h.requests.DeleteRequest(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortDetail(c, http.StatusNotFound, "Inference request not found")
		return
	}
	if err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to delete inference request")
		abortDetail(c, http.StatusInternalServerError, "Failed to delete request: "+err.Error())
		return
	}
	h.requestLogger(c).WithField("id", id).Info("Deleted inference request")
	h.publish(c, events.TypeRequestDeleted, gin.H{"request_id": id})
	c.JSON(http.StatusOK, gin.H{"message": "Inference request deleted successfully", "request_id": id})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
