package nim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	KindChat       = "chat"
	KindCompletion = "completion"

	chatPath       = "/v1/chat/completions"
	completionPath = "/v1/completions"
)

// ErrInvalidResponse wraps a non-streaming reply that is not JSON.
var ErrInvalidResponse = errors.New("invalid JSON response")

// StatusError is a non-2xx reply from the NIM.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "upstream returned " + e.Status
	}
	return fmt.Sprintf("upstream returned %s: %s", e.Status, e.Body)
}

// Client forwards requests to NIM instances.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *logrus.Entry
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds non-streaming calls. Streams run until the NIM or the
	// caller ends them.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logutil.New("nim-client")
	}
	return &Client{http: httpClient, timeout: opts.Timeout, logger: logger}
}

// Path returns the OpenAI route for kind.
func Path(kind string) (string, error) {
	switch kind {
	case KindChat:
		return chatPath, nil
	case KindCompletion:
		return completionPath, nil
	}
	return "", fmt.Errorf("unsupported request kind %q", kind)
}

// PreparePayload rewrites a client body into what the NIM expects. Chat keeps
// logprobs as a boolean and defaults top_logprobs to 1; completions take the
// alternative count in logprobs itself. logprobs=false drops both fields, and
// a streaming request always asks the NIM to stream.
func PreparePayload(kind string, body []byte) ([]byte, error) {
	out := body
	var err error
	switch lp := gjson.GetBytes(body, "logprobs"); {
	case lp.Type == gjson.True:
		top := gjson.GetBytes(body, "top_logprobs").Int()
		if top <= 0 {
			top = 1
		}
		if kind == KindCompletion {
			out, err = sjson.SetBytes(out, "logprobs", top)
		} else {
			out, err = sjson.SetBytes(out, "top_logprobs", top)
		}
	case lp.Type == gjson.False:
		out, err = sjson.DeleteBytes(out, "logprobs")
		if err == nil {
			out, err = sjson.DeleteBytes(out, "top_logprobs")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("rewrite logprobs: %w", err)
	}
	if gjson.GetBytes(body, "stream").Bool() {
		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return nil, fmt.Errorf("rewrite stream: %w", err)
		}
	}
	return out, nil
}

// Complete makes a non-streaming call and returns the JSON reply.
func (c *Client) Complete(ctx context.Context, baseURL, kind string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, baseURL, kind, payload, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(string(body)))
	}
	return body, nil
}

// Stream starts a streaming call. The caller closes the returned body.
func (c *Client) Stream(ctx context.Context, baseURL, kind string, payload []byte) (io.ReadCloser, error) {
	resp, err := c.post(ctx, baseURL, kind, payload, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, baseURL, kind string, payload []byte, accept string) (*http.Response, error) {
	path, err := Path(kind)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{"url": url, "status": resp.StatusCode}).Debug("NIM responded")
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: truncate(strings.TrimSpace(string(body)))}
	}
	return resp, nil
}

func truncate(s string) string {
	const limit = 512
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
