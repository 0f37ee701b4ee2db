package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/logprobs"
	"github.com/briancaffey/nvidia-nim-kit/internal/metrics"
	"github.com/briancaffey/nvidia-nim-kit/internal/sse"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// logprobsResponse is returned by both parse endpoints and embedded in
// inference request lookups.
type logprobsResponse struct {
	HasLogprobs bool             `json:"has_logprobs"`
	Shape       string           `json:"shape,omitempty"`
	Fragments   int              `json:"fragments,omitempty"`
	Text        string           `json:"text"`
	Tokens      []logprobs.Token `json:"tokens"`
	Summary     logprobs.Summary `json:"summary"`
}

func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortDetail(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		abortDetail(c, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return nil, false
	}
	return body, true
}

// ParseLogprobs normalizes a single completion response.
func (h *Handler) ParseLogprobs(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		abortDetail(c, http.StatusBadRequest, "request body must be a JSON completion response")
		return
	}
	c.JSON(http.StatusOK, h.analyzeEnvelope(body))
}

func (h *Handler) analyzeEnvelope(envelope []byte) logprobsResponse {
	start := time.Now()
	payload, _ := h.normalizer.Locate(envelope)
	tokens := h.normalizer.Normalize(envelope)
	metrics.ObserveNormalize("response", payload.Shape, len(tokens), time.Since(start))
	return logprobsResponse{
		HasLogprobs: h.normalizer.HasProbabilityData(envelope),
		Shape:       payload.Shape,
		Text:        logprobs.RenderText(tokens),
		Tokens:      tokens,
		Summary:     logprobs.Summarize(tokens),
	}
}

// ParseLogprobsStream normalizes streamed fragments. The body is either
// {"chunks": [...]} or the raw text/event-stream captured from a completion call.
func (h *Handler) ParseLogprobsStream(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	var fragments [][]byte
	if strings.HasPrefix(c.ContentType(), "text/event-stream") || sse.IsEventStream(body) {
		decoded, err := sse.DecodeBytes(body)
		if err != nil {
			abortDetail(c, http.StatusBadRequest, "failed to decode event stream: "+err.Error())
			return
		}
		fragments = decoded
	} else {
		chunks := gjson.GetBytes(body, "chunks")
		if !gjson.ValidBytes(body) || !chunks.IsArray() {
			abortDetail(c, http.StatusBadRequest, `expected {"chunks": [...]} or a text/event-stream body`)
			return
		}
		fragments = chunkFragments(chunks)
	}

	c.JSON(http.StatusOK, h.analyzeStream(fragments))
}

// chunkFragments accepts chunks as objects or as JSON-encoded strings.
func chunkFragments(chunks gjson.Result) [][]byte {
	fragments := make([][]byte, 0, len(chunks.Array()))
	chunks.ForEach(func(_, chunk gjson.Result) bool {
		if chunk.Type == gjson.String {
			fragments = append(fragments, []byte(chunk.Str))
		} else {
			fragments = append(fragments, []byte(chunk.Raw))
		}
		return true
	})
	return fragments
}

func (h *Handler) analyzeStream(fragments [][]byte) logprobsResponse {
	start := time.Now()
	tokens := h.normalizer.NormalizeStream(fragments)
	shape := ""
	if len(tokens) > 0 {
		shape = "stream"
	}
	metrics.ObserveNormalize("stream", shape, len(tokens), time.Since(start))
	return logprobsResponse{
		HasLogprobs: h.normalizer.HasProbabilityDataInStream(fragments),
		Fragments:   len(fragments),
		Text:        logprobs.RenderText(tokens),
		Tokens:      tokens,
		Summary:     logprobs.Summarize(tokens),
	}
}
