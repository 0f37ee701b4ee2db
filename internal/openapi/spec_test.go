package openapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDocument(t *testing.T) {
	raw, err := JSON()
	require.NoError(t, err)

	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	for _, path := range []string{"/api/nvidia/toggle", "/api/logprobs/parse", "/api/llm/requests", "/api/llm/inference", "/api/llm/completion", "/api/llm/inference/{id}", "/api/events"} {
		assert.Contains(t, doc.Paths, path)
	}
	assert.NotEmpty(t, YAML())
}
