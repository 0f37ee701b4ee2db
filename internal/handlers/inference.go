package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/briancaffey/nvidia-nim-kit/internal/events"
	"github.com/briancaffey/nvidia-nim-kit/internal/metrics"
	"github.com/briancaffey/nvidia-nim-kit/internal/nim"
	"github.com/briancaffey/nvidia-nim-kit/internal/sse"
	"github.com/briancaffey/nvidia-nim-kit/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type nimResolver interface {
	Resolve(context.Context, string) (string, error)
}

type nimForwarder interface {
	Complete(ctx context.Context, baseURL, kind string, payload []byte) ([]byte, error)
	Stream(ctx context.Context, baseURL, kind string, payload []byte) (io.ReadCloser, error)
}

// SetUpstream enables the inference proxy routes.
func (h *Handler) SetUpstream(resolver nimResolver, forwarder nimForwarder) {
	if resolver != nil && isNilInterface(resolver) {
		resolver = nil
	}
	if forwarder != nil && isNilInterface(forwarder) {
		forwarder = nil
	}
	h.resolver = resolver
	h.forwarder = forwarder
}

// ProxyChat forwards a chat completion to the NIM named by ?nim_id= and
// records the call in request history.
func (h *Handler) ProxyChat(c *gin.Context) {
	h.proxy(c, store.RequestTypeChat)
}

// ProxyCompletion forwards a text completion the same way.
func (h *Handler) ProxyCompletion(c *gin.Context) {
	h.proxy(c, store.RequestTypeCompletion)
}

func (h *Handler) proxy(c *gin.Context, kind string) {
	if h.resolver == nil || h.forwarder == nil {
		abortDetail(c, http.StatusServiceUnavailable, "inference proxy is not configured")
		return
	}
	if !h.requestsAvailable(c) {
		return
	}
	nimID := c.Query("nim_id")
	if nimID == "" {
		abortDetail(c, http.StatusBadRequest, "nim_id query parameter is required")
		return
	}
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		abortDetail(c, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if h.checker != nil {
		if result := h.checker.Validate(kind, body); !result.Valid {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"detail": "request input failed validation", "errors": result.Errors})
			return
		}
	}

	ctx := c.Request.Context()
	baseURL, err := h.resolver.Resolve(ctx, nimID)
	if errors.Is(err, nim.ErrUnknownNIM) {
		abortDetail(c, http.StatusNotFound, "NIM "+nimID+" not found")
		return
	}
	if err != nil {
		h.requestLogger(c).WithError(err).WithField("nim_id", nimID).Error("Failed to resolve NIM")
		abortDetail(c, http.StatusInternalServerError, "Failed to resolve NIM: "+err.Error())
		return
	}
	payload, err := nim.PreparePayload(kind, body)
	if err != nil {
		abortDetail(c, http.StatusBadRequest, err.Error())
		return
	}

	record := &store.InferenceRequest{
		Input:       body,
		Type:        store.DefaultType,
		RequestType: kind,
		NimID:       nimID,
		Model:       gjson.GetBytes(body, "model").String(),
		Stream:      gjson.GetBytes(body, "stream").Bool(),
		Status:      store.StatusPending,
	}
	if err := h.requests.CreateRequest(ctx, record); err != nil {
		h.requestLogger(c).WithError(err).Error("Failed to record inference request")
		abortDetail(c, http.StatusInternalServerError, "Failed to record request: "+err.Error())
		return
	}
	metrics.ObserveRequestRecorded(record.RequestType, string(record.Status))
	h.publish(c, events.TypeRequestRecorded, requestEvent(record))

	logger := h.requestLogger(c).WithFields(logrus.Fields{
		"inference_id": record.ID,
		"nim_id":       nimID,
		"model":        record.Model,
		"stream":       record.Stream,
	})
	logger.WithField("nim_url", baseURL).Info("Forwarding inference request")

	if record.Stream {
		h.relayStream(c, logger, record, baseURL, kind, payload)
		return
	}

	reply, err := h.forwarder.Complete(ctx, baseURL, kind, payload)
	if err != nil {
		errType, detail := "http_error", "NIM request failed: "+err.Error()
		if errors.Is(err, nim.ErrInvalidResponse) {
			errType, detail = "json_error", "JSON decode error: "+err.Error()
		}
		logger.WithError(err).Error("Inference request failed")
		h.settle(c, record, nil, failure(err, errType))
		abortDetail(c, http.StatusInternalServerError, detail)
		return
	}
	h.settle(c, record, reply, nil)
	logger.Info("Inference request completed")
	c.Data(http.StatusOK, "application/json", reply)
}

// relayStream copies the NIM's event stream to the client byte for byte while
// decoding it, then stores the decoded chunks.
func (h *Handler) relayStream(c *gin.Context, logger *logrus.Entry, record *store.InferenceRequest, baseURL, kind string, payload []byte) {
	upstream, err := h.forwarder.Stream(c.Request.Context(), baseURL, kind, payload)
	if err != nil {
		logger.WithError(err).Error("Inference stream failed to start")
		h.settle(c, record, nil, failure(err, "http_error"))
		abortDetail(c, http.StatusInternalServerError, "NIM request failed: "+err.Error())
		return
	}
	defer upstream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	out := flushWriter{w: c.Writer}
	_, _ = io.WriteString(out, ": ping\n\n")

	fragments, err := sse.Decode(io.TeeReader(upstream, out))
	if err != nil {
		logger.WithError(err).Error("Inference stream interrupted")
		h.settle(c, record, nil, failure(err, "streaming_error"))
		return
	}
	output, err := chunksOutput(fragments)
	if err != nil {
		h.settle(c, record, nil, failure(err, "streaming_error"))
		return
	}
	h.settle(c, record, output, nil)
	logger.WithField("chunks", len(fragments)).Info("Inference stream completed")
}

// settle stores the outcome even when the client has already gone away.
func (h *Handler) settle(c *gin.Context, record *store.InferenceRequest, output, failed json.RawMessage) {
	record.Output = output
	record.Error = failed
	record.Status = store.StatusCompleted
	if failed != nil {
		record.Status = store.StatusError
	}
	if err := h.requests.UpdateRequest(context.WithoutCancel(c.Request.Context()), record); err != nil {
		h.requestLogger(c).WithError(err).WithField("inference_id", record.ID).Error("Failed to update inference request")
		return
	}
	metrics.ObserveRequestRecorded(record.RequestType, string(record.Status))
	h.publish(c, events.TypeRequestUpdated, requestEvent(record))
}

func failure(err error, errType string) json.RawMessage {
	raw, _ := json.Marshal(gin.H{"error": err.Error(), "type": errType})
	return raw
}

// chunksOutput is the stored form of a streamed reply.
func chunksOutput(fragments [][]byte) (json.RawMessage, error) {
	doc := []byte(`{"chunks":[],"total_chunks":0,"streaming":true}`)
	var err error
	for _, fragment := range fragments {
		if doc, err = sjson.SetRawBytes(doc, "chunks.-1", fragment); err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(doc, "total_chunks", len(fragments))
}

type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.w.Flush()
	return n, err
}
