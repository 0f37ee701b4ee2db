package toggle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/sirupsen/logrus"
)

// TogglePath is the REST resource backing the toggle.
const TogglePath = "/api/nvidia/toggle"

// ErrNotLoaded is returned by Save before the first successful Load, so a
// default value is never written over the server's state.
var ErrNotLoaded = errors.New("toggle state has not been loaded from the server")

// Client mirrors the server's toggle. The zero value is not usable; build one
// with NewClient.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logrus.Entry

	mu     sync.Mutex
	state  State
	loaded bool
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logutil.New("toggle-client")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   opts.Token,
		http:    httpClient,
		logger:  logger,
	}
}

// State returns the last mirrored server state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Loaded reports whether Load has succeeded at least once.
func (c *Client) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Load fetches the server state and marks the client as loaded.
func (c *Client) Load(ctx context.Context) (State, error) {
	c.logger.Debug("Loading NVIDIA API toggle from backend")
	state, err := c.roundTrip(ctx, http.MethodGet, nil)
	if err != nil {
		c.logger.WithError(err).Error("Failed to load NVIDIA API toggle state")
		return c.State(), err
	}
	c.mu.Lock()
	c.state = state
	c.loaded = true
	c.mu.Unlock()
	return state, nil
}

// Save posts the desired value and mirrors the server's answer.
func (c *Client) Save(ctx context.Context, enabled bool) (State, error) {
	if !c.Loaded() {
		return c.State(), ErrNotLoaded
	}
	c.logger.WithField("enabled", enabled).Info("Saving NVIDIA API toggle to backend")
	body, err := json.Marshal(map[string]bool{"enabled": enabled})
	if err != nil {
		return c.State(), err
	}
	state, err := c.roundTrip(ctx, http.MethodPost, body)
	if err != nil {
		c.logger.WithError(err).Error("Failed to save NVIDIA API toggle")
		return c.State(), err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return state, nil
}

// Set saves enabled when it differs from the mirrored value.
func (c *Client) Set(ctx context.Context, enabled bool) (State, error) {
	current := c.State()
	if c.Loaded() && current.Enabled == enabled {
		return current, nil
	}
	return c.Save(ctx, enabled)
}

// Toggle flips the mirrored value and saves it.
func (c *Client) Toggle(ctx context.Context) (State, error) {
	return c.Save(ctx, !c.State().Enabled)
}

type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) roundTrip(ctx context.Context, method string, payload []byte) (State, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+TogglePath, body)
	if err != nil {
		return State{}, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return State{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&e); decodeErr == nil && e.Detail != "" {
			return State{}, fmt.Errorf("%s %s failed: %s: %s", method, TogglePath, resp.Status, e.Detail)
		}
		return State{}, fmt.Errorf("%s %s failed: %s", method, TogglePath, resp.Status)
	}

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("decode toggle response: %w", err)
	}
	return state, nil
}
