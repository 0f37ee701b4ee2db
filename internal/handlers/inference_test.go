package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/events"
	"github.com/briancaffey/nvidia-nim-kit/internal/nim"
	"github.com/briancaffey/nvidia-nim-kit/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const chatBody = `{"model":"meta/llama","messages":[{"role":"user","content":"hi"}],"logprobs":true}`

// withUpstream registers the NIM "llama" in miniredis, pointing at upstream.
func (e *testEnv) withUpstream(t *testing.T, upstream http.Handler) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	record, err := json.Marshal(map[string]interface{}{"nim_id": "llama", "host": u.Hostname(), "port": mustPort(t, u.Port()), "nim_type": "llm"})
	require.NoError(t, err)
	require.NoError(t, e.redis.Set("nim:llama", string(record)))

	rdb := redis.NewClient(&redis.Options{Addr: e.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	e.handler.SetUpstream(
		nim.NewRegistry(nim.RegistryOptions{Client: rdb}),
		nim.NewClient(nim.ClientOptions{Timeout: 5 * time.Second, Logger: e.handler.logger}),
	)
}

func mustPort(t *testing.T, raw string) int {
	t.Helper()
	port, err := strconv.Atoi(raw)
	require.NoError(t, err)
	return port
}

func onlyRequest(t *testing.T, env *testEnv) store.InferenceRequest {
	t.Helper()
	records, err := env.requests.ListRequests(context.Background(), store.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func TestProxyChatCompletes(t *testing.T) {
	env := newTestEnv(t)
	sentCh := make(chan []byte, 1)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		sentCh <- mustRead(t, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[{"message":{"content":"Hi"},"logprobs":{"content":[{"token":"Hi","logprob":-0.2}]}}]}`)
	}))

	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json", chatBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cmpl-1", decode(t, w)["id"])

	sent := <-sentCh
	assert.True(t, gjson.GetBytes(sent, "logprobs").Bool())
	assert.EqualValues(t, 1, gjson.GetBytes(sent, "top_logprobs").Int())

	record := onlyRequest(t, env)
	assert.Equal(t, store.StatusCompleted, record.Status)
	assert.Equal(t, "llama", record.NimID)
	assert.Equal(t, store.RequestTypeChat, record.RequestType)
	assert.Equal(t, store.DefaultType, record.Type)
	assert.Equal(t, "meta/llama", record.Model)
	assert.Equal(t, "cmpl-1", gjson.GetBytes(record.Output, "id").String())
	assert.False(t, gjson.GetBytes(record.Input, "top_logprobs").Exists(), "stored input is what the client sent")

	w = env.do(t, http.MethodGet, "/api/llm/inference/"+record.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hi", gjson.Get(w.Body.String(), "logprobs.text").String())
}

func TestProxyCompletionRewritesLogprobs(t *testing.T) {
	env := newTestEnv(t)
	sentCh := make(chan []byte, 1)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		sentCh <- mustRead(t, r.Body)
		_, _ = io.WriteString(w, `{"choices":[{"text":"ok"}]}`)
	}))

	w := env.do(t, http.MethodPost, "/api/llm/completion?nim_id=llama", "application/json",
		`{"model":"meta/llama","prompt":"say ok","logprobs":true,"top_logprobs":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 3, gjson.GetBytes(<-sentCh, "logprobs").Int())
	assert.Equal(t, store.RequestTypeCompletion, onlyRequest(t, env).RequestType)
}

func TestProxyChatStreams(t *testing.T) {
	env := newTestEnv(t)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, gjson.GetBytes(mustRead(t, r.Body), "stream").Bool())
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join([]string{
			`data: {"choices":[{"delta":{"content":"x","logprobs":{"content":[{"token":"x","logprob":-1}]}}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"y","logprobs":{"content":[{"token":"y","logprob":-2}]}}}]}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))
	}))

	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json",
		`{"model":"meta/llama","messages":[{"role":"user","content":"hi"}],"stream":true,"logprobs":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.True(t, strings.HasPrefix(w.Body.String(), ": ping\n\n"))
	assert.Contains(t, w.Body.String(), `"content":"y"`)
	assert.Contains(t, w.Body.String(), "data: [DONE]")

	record := onlyRequest(t, env)
	assert.Equal(t, store.StatusCompleted, record.Status)
	assert.True(t, record.Stream)
	assert.EqualValues(t, 2, gjson.GetBytes(record.Output, "total_chunks").Int())
	assert.True(t, gjson.GetBytes(record.Output, "streaming").Bool())

	w = env.do(t, http.MethodGet, "/api/llm/inference/"+record.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "xy", gjson.Get(w.Body.String(), "logprobs.text").String())
}

func mustRead(t *testing.T, r io.Reader) []byte {
	t.Helper()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return body
}

func TestProxyUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))

	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json", chatBody)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.HasPrefix(decode(t, w)["detail"].(string), "NIM request failed: "))

	record := onlyRequest(t, env)
	assert.Equal(t, store.StatusError, record.Status)
	assert.Equal(t, "http_error", gjson.GetBytes(record.Error, "type").String())
	assert.Contains(t, gjson.GetBytes(record.Error, "error").String(), "model not loaded")
}

func TestProxyStreamFailureBeforeHeaders(t *testing.T) {
	env := newTestEnv(t)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json",
		`{"model":"meta/llama","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode(t, w)["detail"], "NIM request failed")
	assert.Equal(t, store.StatusError, onlyRequest(t, env).Status)
}

func TestProxyInvalidJSONReply(t *testing.T) {
	env := newTestEnv(t)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>gateway</html>")
	}))

	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json", chatBody)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.HasPrefix(decode(t, w)["detail"].(string), "JSON decode error: "))
	assert.Equal(t, "json_error", gjson.GetBytes(onlyRequest(t, env).Error, "type").String())
}

func TestProxyRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}))

	w := env.do(t, http.MethodPost, "/api/llm/inference", "application/json", chatBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "nim_id query parameter is required", decode(t, w)["detail"])

	w = env.do(t, http.MethodPost, "/api/llm/inference?nim_id=missing", "application/json", chatBody)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NIM missing not found", decode(t, w)["detail"])

	w = env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json", `{"model":"meta/llama"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	records, err := env.requests.ListRequests(context.Background(), store.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProxyWithoutUpstream(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json", chatBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "inference proxy is not configured", decode(t, w)["detail"])
}

func TestProxyPublishesLifecycle(t *testing.T) {
	env := newTestEnv(t)
	bus := events.NewBus(events.Options{Logger: env.handler.logger})
	t.Cleanup(bus.Close)
	env.handler.SetEventBus(bus)
	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	env.withUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	w := env.do(t, http.MethodPost, "/api/llm/inference?nim_id=llama", "application/json", chatBody)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, events.TypeRequestRecorded, nextEvent(t, ch).Type)
	updated := nextEvent(t, ch)
	assert.Equal(t, events.TypeRequestUpdated, updated.Type)
}
