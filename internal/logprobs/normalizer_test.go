package logprobs

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() *Normalizer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logrus.NewEntry(logger))
}

func texts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Text
	}
	return out
}

func TestNormalizeChatContent(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{"choices":[{"index":0,"logprobs":{"content":[
		{"token":"Hello","logprob":-0.1,"top_logprobs":[{"token":"Hello","logprob":-0.1},{"token":"Hi","logprob":-2.5}]},
		{"token":"Ġworld","logprob":-0.4}
	]}}]}`)

	tokens := n.Normalize(envelope)
	require.Len(t, tokens, 2)
	assert.Equal(t, []string{"Hello", "Ġworld"}, texts(tokens))
	require.NotNil(t, tokens[0].Logprob)
	assert.InDelta(t, -0.1, *tokens[0].Logprob, 1e-9)
	assert.Equal(t, []Alternative{{Token: "Hello", Logprob: -0.1}, {Token: "Hi", Logprob: -2.5}}, tokens[0].TopLogprobs)
	assert.Nil(t, tokens[1].TopLogprobs)
}

func TestNormalizeEachProbeLocation(t *testing.T) {
	n := newTestNormalizer()
	entries := `[{"token":"a","logprob":-1},{"token":"b","logprob":-2},{"token":"c"}]`

	cases := map[string]string{
		ShapeChoiceContent:  `{"choices":[{"logprobs":{"content":` + entries + `}}]}`,
		ShapeChoiceLogprobs: `{"choices":[{"logprobs":` + entries + `}]}`,
		ShapeTopContent:     `{"logprobs":{"content":` + entries + `}}`,
		ShapeTopLogprobs:    `{"logprobs":` + entries + `}`,
	}

	for shape, envelope := range cases {
		t.Run(shape, func(t *testing.T) {
			payload, ok := n.Locate([]byte(envelope))
			require.True(t, ok)
			assert.Equal(t, shape, payload.Shape)

			tokens := n.Normalize([]byte(envelope))
			assert.Equal(t, []string{"a", "b", "c"}, texts(tokens))
			assert.Nil(t, tokens[2].Logprob)
		})
	}
}

func TestLocateFirstMatchWins(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{
		"choices":[{"logprobs":{"content":[{"token":"choice","logprob":-1}]}}],
		"logprobs":{"content":[{"token":"top","logprob":-1}]}
	}`)

	payload, ok := n.Locate(envelope)
	require.True(t, ok)
	assert.Equal(t, ShapeChoiceContent, payload.Shape)
	assert.Equal(t, []string{"choice"}, texts(n.Normalize(envelope)))
	assert.Equal(t, []string{ShapeChoiceContent, ShapeChoiceLogprobs, ShapeTopContent, ShapeTopLogprobs}, ProbeOrder())
}

func TestNormalizeSkipsEntriesWithoutToken(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{"choices":[{"logprobs":{"content":[
		{"token":"x","logprob":-0.5},
		{"logprob":-0.7},
		{"token":"","logprob":-0.2},
		"garbage",
		{"token":"y","logprob":"not-a-number"}
	]}}]}`)

	tokens := n.Normalize(envelope)
	assert.Equal(t, []string{"x", "y"}, texts(tokens))
	assert.Nil(t, tokens[1].Logprob)
}

func TestNormalizeParallelArrays(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{"choices":[{"text":"Hi there","logprobs":{
		"tokens":["Hi","Ġthere","!"],
		"token_logprobs":[-0.1,-0.2,-0.3],
		"top_logprobs":[{"Hi":-0.1,"Hello":-1.9},{"Ġthere":-0.2},null]
	}}]}`)

	tokens := n.Normalize(envelope)
	require.Len(t, tokens, 3)
	assert.Equal(t, []string{"Hi", "Ġthere", "!"}, texts(tokens))
	for i, want := range []float64{-0.1, -0.2, -0.3} {
		require.NotNil(t, tokens[i].Logprob)
		assert.InDelta(t, want, *tokens[i].Logprob, 1e-9)
	}
	assert.Equal(t, []Alternative{{Token: "Hi", Logprob: -0.1}, {Token: "Hello", Logprob: -1.9}}, tokens[0].TopLogprobs)
	assert.Equal(t, []Alternative{{Token: "Ġthere", Logprob: -0.2}}, tokens[1].TopLogprobs)
	assert.Nil(t, tokens[2].TopLogprobs)
}

func TestNormalizeParallelArraysShortCompanions(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{"logprobs":{"tokens":["a","b","c"],"token_logprobs":[-1]}}`)

	tokens := n.Normalize(envelope)
	require.Len(t, tokens, 3)
	require.NotNil(t, tokens[0].Logprob)
	assert.Nil(t, tokens[1].Logprob)
	assert.Nil(t, tokens[2].Logprob)
	for _, tok := range tokens {
		assert.Nil(t, tok.TopLogprobs)
	}
}

func TestTopLogprobsObjectKeepsKeyOrder(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{"logprobs":{"tokens":["z"],"token_logprobs":[-0.3],
		"top_logprobs":[{"z":-0.3,"a":-1.5,"m":-2.25,"b":-4}]}}`)

	tokens := n.Normalize(envelope)
	require.Len(t, tokens, 1)
	assert.Equal(t, []Alternative{
		{Token: "z", Logprob: -0.3},
		{Token: "a", Logprob: -1.5},
		{Token: "m", Logprob: -2.25},
		{Token: "b", Logprob: -4},
	}, tokens[0].TopLogprobs)
}

func TestTopLogprobsObjectNumericKeysKeepDocumentOrder(t *testing.T) {
	n := newTestNormalizer()

	envelope := []byte(`{"logprobs":{"tokens":["x"],"token_logprobs":[-0.1],
		"top_logprobs":[{"x":-0.1,"2":-1,"1":-2}]}}`)

	tokens := n.Normalize(envelope)
	require.Len(t, tokens, 1)
	assert.Equal(t, []Alternative{
		{Token: "x", Logprob: -0.1},
		{Token: "2", Logprob: -1},
		{Token: "1", Logprob: -2},
	}, tokens[0].TopLogprobs)
}

func TestNormalizeWithoutData(t *testing.T) {
	n := newTestNormalizer()

	for _, envelope := range []string{
		`{}`,
		`{"choices":[]}`,
		`{"choices":[{"message":{"content":"hi"},"logprobs":null}]}`,
		`{"logprobs":false}`,
		`not json at all`,
		``,
	} {
		tokens := n.Normalize([]byte(envelope))
		assert.NotNil(t, tokens, envelope)
		assert.Empty(t, tokens, envelope)
		assert.False(t, n.HasProbabilityData([]byte(envelope)), envelope)
	}
}

func TestNormalizeUnrecognisedPayloadLayout(t *testing.T) {
	n := newTestNormalizer()

	tokens := n.Normalize([]byte(`{"choices":[{"logprobs":{"something":"else"}}]}`))
	assert.Empty(t, tokens)
}

func TestHasProbabilityDataAgreesWithLocate(t *testing.T) {
	n := newTestNormalizer()

	envelopes := []string{
		`{"choices":[{"logprobs":{"content":[{"token":"a"}]}}]}`,
		`{"choices":[{"logprobs":[{"token":"a"}]}]}`,
		`{"logprobs":{"content":[{"token":"a"}]}}`,
		`{"logprobs":[{"token":"a"}]}`,
		`{"choices":[{"logprobs":{"tokens":["a"],"token_logprobs":[-1]}}]}`,
		`{"choices":[{"logprobs":{"tokens":[]}}]}`,
		`{"choices":[{"logprobs":{"content":[]}}]}`,
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"logprobs":null}],"logprobs":null}`,
		`{"logprobs":0}`,
		`{"logprobs":""}`,
		`{}`,
	}

	for _, envelope := range envelopes {
		_, located := n.Locate([]byte(envelope))
		assert.Equal(t, located, n.HasProbabilityData([]byte(envelope)), envelope)
	}
}

func TestNormalizeStream(t *testing.T) {
	n := newTestNormalizer()

	fragments := [][]byte{
		[]byte(`{"choices":[{"delta":{"logprobs":{"content":[{"token":"a","logprob":-0.1}]}}}]}`),
		[]byte(`{"choices":[{"logprobs":{"tokens":["b"],"token_logprobs":[-0.2]}}]}`),
	}

	tokens := n.NormalizeStream(fragments)
	require.Len(t, tokens, 2)
	assert.Equal(t, []string{"a", "b"}, texts(tokens))
	assert.InDelta(t, -0.1, *tokens[0].Logprob, 1e-9)
	assert.InDelta(t, -0.2, *tokens[1].Logprob, 1e-9)
}

func TestNormalizeStreamSkipsFragmentsWithoutData(t *testing.T) {
	n := newTestNormalizer()

	fragments := [][]byte{
		[]byte(`{"choices":[{"delta":{"role":"assistant"}}]}`),
		[]byte(`{"choices":[{"delta":{"content":"x","logprobs":{"content":[{"token":"x","logprob":-1}]}}}]}`),
		[]byte(`[DONE]`),
		nil,
		[]byte(`{"choices":[]}`),
		[]byte(`{"choices":[{"delta":{"content":"y","logprobs":{"content":[{"token":"y","logprob":-2}]}}}]}`),
	}

	assert.Equal(t, []string{"x", "y"}, texts(n.NormalizeStream(fragments)))
	assert.Empty(t, n.NormalizeStream(nil))
}

func TestHasProbabilityDataInStream(t *testing.T) {
	n := newTestNormalizer()

	assert.False(t, n.HasProbabilityDataInStream(nil))
	assert.False(t, n.HasProbabilityDataInStream([][]byte{}))
	assert.False(t, n.HasProbabilityDataInStream([][]byte{
		[]byte(`{"choices":[{"delta":{"content":"hi"}}]}`),
	}))
	assert.True(t, n.HasProbabilityDataInStream([][]byte{
		[]byte(`{"choices":[{"delta":{"content":"hi"}}]}`),
		[]byte(`{"choices":[{"delta":{"logprobs":{"content":[{"token":"hi"}]}}}]}`),
	}))
	assert.True(t, n.HasProbabilityDataInStream([][]byte{
		[]byte(`{"choices":[{"text":"hi","logprobs":{"tokens":["hi"]}}]}`),
	}))
}
