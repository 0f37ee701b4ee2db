// Package sse decodes OpenAI-style server-sent event streams into the JSON
// fragments carried by their data lines.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/tidwall/gjson"
)

// DoneMarker terminates an OpenAI completion stream.
const DoneMarker = "[DONE]"

const maxLineSize = 1024 * 1024

var logger = logutil.New("sse")

// Decode reads an event stream and returns the JSON payload of every event, in
// order. Comments, keep-alives and the [DONE] marker are skipped, and payloads
// that are not valid JSON are logged and dropped. Only read failures are
// returned as errors.
func Decode(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		fragments [][]byte
		dataLines []string
	)

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
		lines := dataLines
		dataLines = nil
		if len(lines) > 1 && !gjson.Valid(payload) {
			// unseparated events: each data line is its own chunk
			for _, line := range lines {
				if fragment := accept(line); fragment != nil {
					fragments = append(fragments, fragment)
				}
			}
			return
		}
		if fragment := accept(payload); fragment != nil {
			fragments = append(fragments, fragment)
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / ping
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line[len("data:"):], " "))
		case strings.HasPrefix(line, "{"):
			// JSON lines without SSE framing, as stored by the history endpoint.
			flush()
			if fragment := accept(line); fragment != nil {
				fragments = append(fragments, fragment)
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fragments, fmt.Errorf("read event stream: %w", err)
	}
	return fragments, nil
}

func accept(payload string) []byte {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == DoneMarker {
		return nil
	}
	if !gjson.Valid(payload) {
		logger.WithField("payload", payload).Warn("Failed to parse chunk")
		return nil
	}
	return []byte(payload)
}

// DecodeBytes is Decode over an in-memory body.
func DecodeBytes(body []byte) ([][]byte, error) {
	return Decode(bytes.NewReader(body))
}

// IsEventStream guesses whether a body is SSE-framed rather than a single JSON
// document.
func IsEventStream(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte(":"))
}
