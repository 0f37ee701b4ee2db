package sse

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stream = `: ping

data: {"id":"1","choices":[{"delta":{"role":"assistant"}}]}

data: {"id":"2","choices":[{"delta":{"content":"Hi","logprobs":{"content":[{"token":"Hi","logprob":-0.1}]}}}]}

data: not-json

data: [DONE]

`

func TestDecode(t *testing.T) {
	fragments, err := Decode(strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.Contains(t, string(fragments[0]), `"id":"1"`)
	assert.Contains(t, string(fragments[1]), `"id":"2"`)
}

func TestDecodeCRLFAndMultilineData(t *testing.T) {
	body := "data: {\"a\":\r\ndata: 1}\r\n\r\ndata: {\"b\":2}"

	fragments, err := DecodeBytes([]byte(body))
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.JSONEq(t, `{"a":1}`, string(fragments[0]))
	assert.JSONEq(t, `{"b":2}`, string(fragments[1]))
}

func TestDecodeDataLinesWithoutBlankSeparators(t *testing.T) {
	body := "data: {\"a\":1}\ndata: {\"b\":2}\ndata: [DONE]\n"

	fragments, err := DecodeBytes([]byte(body))
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.JSONEq(t, `{"a":1}`, string(fragments[0]))
	assert.JSONEq(t, `{"b":2}`, string(fragments[1]))
}

func TestDecodeUnseparatedChunksFeedStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"logprobs\":{\"content\":[{\"token\":\"a\"}]}}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"logprobs\":{\"content\":[{\"token\":\"b\"}]}}}]}\n" +
		"\n" +
		"data: {\"c\":3}\n\n"

	fragments, err := DecodeBytes([]byte(body))
	require.NoError(t, err)
	require.Len(t, fragments, 3)
	assert.JSONEq(t, `{"c":3}`, string(fragments[2]))
}

func TestDecodeStripsSingleLeadingSpace(t *testing.T) {
	fragments, err := DecodeBytes([]byte("data:{\"a\":1}\n\ndata:   {\"b\":2}\n\n"))
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.JSONEq(t, `{"b":2}`, string(fragments[1]))
}

func TestDecodeJSONLines(t *testing.T) {
	body := `{"n":1}
{"n":2}
`
	fragments, err := DecodeBytes([]byte(body))
	require.NoError(t, err)
	assert.Len(t, fragments, 2)
}

func TestDecodeReadError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Decode(iotest.ErrReader(boom))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, IsEventStream([]byte("\n data: {}")))
	assert.True(t, IsEventStream([]byte(": ping\n")))
	assert.False(t, IsEventStream([]byte(`{"chunks":[]}`)))
}
