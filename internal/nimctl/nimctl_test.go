package nimctl

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/briancaffey/nvidia-nim-kit/internal/toggle"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag to its default so commands do not leak state
// between runs of the shared root command.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	appConfig = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigContexts(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "--config", cfgPath, "config", "set-context", "local", "--server", "http://localhost:8000", "--token", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, `Context "local" updated.`)

	_, err = run(t, "--config", cfgPath, "config", "set-context", "lab", "--server", "http://lab:8000", "--current=false")
	require.NoError(t, err)

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.CurrentContext)
	assert.Equal(t, "secret", cfg.Contexts["local"].Token)

	_, err = run(t, "--config", cfgPath, "config", "use-context", "lab")
	require.NoError(t, err)
	cfg, err = LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg.CurrentContext)

	_, err = run(t, "--config", cfgPath, "config", "use-context", "missing")
	assert.Error(t, err)

	out, err = run(t, "--config", cfgPath, "-o", "json", "config", "view")
	require.NoError(t, err)
	assert.NotContains(t, out, "secret")
	var viewed Config
	require.NoError(t, json.Unmarshal([]byte(out), &viewed))
	assert.Equal(t, "********", viewed.Contexts["local"].Token)

	_, err = run(t, "--config", cfgPath, "config", "set-context", "broken")
	assert.Error(t, err)
}

func TestLogprobsParseLocalJSON(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "--config", cfgPath, "-o", "json", "logprobs", "parse", filepath.Join("testdata", "chat.json"))
	require.NoError(t, err)

	var result parseResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.HasLogprobs)
	assert.Equal(t, "choice.logprobs.content", result.Shape)
	assert.Equal(t, "Hello world", result.Text)
	require.Len(t, result.Tokens, 2)
	assert.Len(t, result.Tokens[1].TopLogprobs, 2)
	require.NotNil(t, result.Summary.Lowest)
	assert.Equal(t, "Ġworld", result.Summary.Lowest.Text)
}

func TestLogprobsParseTable(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "--config", cfgPath, "logprobs", "parse", filepath.Join("testdata", "chat.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "TOKEN")
	assert.Contains(t, out, `" world"`)
	assert.Contains(t, out, "2 tokens, 2 with logprobs")
}

func TestLogprobsParseStreamDetectsSSE(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "--config", cfgPath, "-o", "yaml", "logprobs", "parse", filepath.Join("testdata", "stream.sse"))
	require.NoError(t, err)
	assert.Contains(t, out, "text: Hi there")
	assert.Contains(t, out, "fragments: 3")
}

func TestLogprobsParseWithoutData(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "plain.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"choices":[{"message":{"content":"hi"}}]}`), 0o600))

	out, err := run(t, "--config", filepath.Join(dir, "config.yaml"), "logprobs", "parse", input)
	require.NoError(t, err)
	assert.Contains(t, out, "No logprobs found")

	_, err = run(t, "--config", filepath.Join(dir, "config.yaml"), "logprobs", "parse", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLogprobsParseRemoteStream(t *testing.T) {
	var got struct {
		Chunks []json.RawMessage `json:"chunks"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/logprobs/stream", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(parseResult{HasLogprobs: true, Text: "Hi there", Fragments: len(got.Chunks)})
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "--server", srv.URL, "-o", "json",
		"logprobs", "parse", "--remote", filepath.Join("testdata", "stream.sse"))
	require.NoError(t, err)
	assert.Len(t, got.Chunks, 3)
	assert.Contains(t, out, `"fragments": 3`)
}

func TestToggleCommands(t *testing.T) {
	var (
		mu    sync.Mutex
		state = toggle.State{Enabled: false, CanEnable: true}
		posts atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			posts.Add(1)
			var body struct {
				Enabled bool `json:"enabled"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			state.Enabled = body.Enabled
		}
		_ = json.NewEncoder(w).Encode(state)
	}))
	t.Cleanup(srv.Close)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	_, err := run(t, "--config", cfgPath, "config", "set-context", "local", "--server", srv.URL, "--token", "tok")
	require.NoError(t, err)

	out, err := run(t, "--config", cfgPath, "toggle", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")

	out, err = run(t, "--config", cfgPath, "toggle", "off")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")
	assert.Zero(t, posts.Load())

	out, err = run(t, "--config", cfgPath, "-o", "json", "toggle", "flip")
	require.NoError(t, err)
	assert.Contains(t, out, `"enabled": true`)
	assert.Equal(t, int32(1), posts.Load())
}

func TestToggleWithoutContext(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "toggle", "get")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set-context")
}

func TestRequestsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/llm/requests", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "10", r.URL.Query().Get("offset"))
		assert.Equal(t, "completed", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{
			"requests":[{"id":"r1","request_type":"chat","nim_id":"llama","model":"meta/llama","stream":true,"status":"completed","date_created":"2025-01-01T12:00:00Z"}],
			"total":25,
			"pagination":{"total":25,"limit":10,"offset":10,"current_page":2,"total_pages":3,"has_next":true,"has_previous":true}
		}`))
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "--server", srv.URL,
		"requests", "list", "--page", "2", "--limit", "10", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "Page 2 of 3 (25 total), next: --page 3")
}

func TestRequestsListClampsLimitToServerCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		assert.Equal(t, "1000", r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(`{"requests":[],"total":2500,
			"pagination":{"total":2500,"limit":1000,"offset":1000,"current_page":2,"total_pages":3,"has_next":true,"has_previous":true}}`))
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "--server", srv.URL,
		"requests", "list", "--page", "2", "--limit", "5000")
	require.NoError(t, err)
	assert.Contains(t, out, "Page 2 of 3 (2500 total), next: --page 3")
}

func TestRequestsDeleteSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Inference request not found"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := run(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "--server", srv.URL, "requests", "delete", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Inference request not found")
}

func TestChunksDocument(t *testing.T) {
	doc, err := chunksDocument([][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunks":[{"a":1},{"b":2}]}`, string(doc))
}

func TestPaletteThresholds(t *testing.T) {
	p := paletteFor(&Config{Display: Display{HighConfidence: 0.8, TopAlternatives: 1}})
	assert.Equal(t, 0.8, p.high)
	assert.Equal(t, defaultMediumConfidence, p.medium)
	assert.Equal(t, 1, p.alternatives)
	assert.Equal(t, defaultHighConfidence, paletteFor(nil).high)
}

func TestConfigSchema(t *testing.T) {
	schema := ConfigSchema()
	require.NotNil(t, schema.Properties)
	_, ok := schema.Properties.Get("currentContext")
	assert.True(t, ok)
	_, ok = schema.Properties.Get("display")
	assert.True(t, ok)

	out, err := run(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "config", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"contexts"`)
}
