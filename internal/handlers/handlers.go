// Package handlers provides HTTP request handlers for the nimkit API.
package handlers

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/logprobs"
	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/briancaffey/nvidia-nim-kit/internal/store"
	"github.com/briancaffey/nvidia-nim-kit/internal/toggle"
	"github.com/briancaffey/nvidia-nim-kit/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Options configures handler runtime behavior.
type Options struct {
	// MaxBodyBytes caps request bodies read by the logprobs endpoints.
	MaxBodyBytes int64
	// DefaultListLimit applies when /api/llm/requests has no limit.
	DefaultListLimit int
	MaxListLimit     int
	// EventKeepalive is the ping interval on /api/events.
	EventKeepalive time.Duration
}

type toggleStore interface {
	State(context.Context) (toggle.State, error)
	SetEnabled(context.Context, bool) (toggle.State, error)
	KeyStatus(context.Context) (toggle.KeyStatus, error)
	SetAPIKey(context.Context, string) (string, error)
	DeleteAPIKey(context.Context) error
}

type requestStore interface {
	CreateRequest(context.Context, *store.InferenceRequest) error
	UpdateRequest(context.Context, *store.InferenceRequest) error
	GetRequest(context.Context, string) (*store.InferenceRequest, error)
	ListRequests(context.Context, store.Filter, int, int) ([]store.InferenceRequest, error)
	CountRequests(context.Context, store.Filter) (int, error)
	DeleteRequest(context.Context, string) error
	Stats(context.Context) (store.Stats, error)
}

type requestValidator interface {
	Validate(string, []byte) validator.Result
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	toggles    toggleStore
	requests   requestStore
	checker    requestValidator
	normalizer *logprobs.Normalizer
	events     eventBus
	resolver   nimResolver
	forwarder  nimForwarder
	logger     *logrus.Entry
	opts       Options
	startedAt  time.Time
}

// New creates a new Handler instance. Nil dependencies disable the routes that
// need them with 503 responses.
func New(toggles toggleStore, requests requestStore, checker requestValidator, normalizer *logprobs.Normalizer, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.DefaultListLimit <= 0 {
		opts.DefaultListLimit = 100
	}
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = 1000
	}
	if opts.EventKeepalive <= 0 {
		opts.EventKeepalive = 15 * time.Second
	}
	if normalizer == nil {
		normalizer = logprobs.New(nil)
	}

	if toggles != nil && isNilInterface(toggles) {
		toggles = nil
	}
	if requests != nil && isNilInterface(requests) {
		requests = nil
	}
	if checker != nil && isNilInterface(checker) {
		checker = nil
	}
	return &Handler{
		toggles:    toggles,
		requests:   requests,
		checker:    checker,
		normalizer: normalizer,
		logger:     logutil.New("handlers"),
		opts:       opts,
		startedAt:  time.Now(),
	}
}

// Health returns a simple health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(h.startedAt).Round(time.Second).String(),
		"redis":    h.toggles != nil,
		"database": h.requests != nil,
		"events":   h.events != nil,
		"proxy":    h.resolver != nil && h.forwarder != nil,
	})
}

// abortDetail writes the {"detail": ...} error body used by every route.
func abortDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func (h *Handler) requestLogger(c *gin.Context) *logrus.Entry {
	if id, ok := c.Get("requestID"); ok {
		return h.logger.WithField("request_id", id)
	}
	return h.logger
}

func isNilInterface(value interface{}) bool {
	val := reflect.ValueOf(value)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan:
		return val.IsNil()
	default:
		return false
	}
}
