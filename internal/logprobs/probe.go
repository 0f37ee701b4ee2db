package logprobs

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Shape names identify which probe matched an envelope.
const (
	ShapeChoiceContent  = "choice.logprobs.content"
	ShapeChoiceLogprobs = "choice.logprobs"
	ShapeTopContent     = "logprobs.content"
	ShapeTopLogprobs    = "logprobs"
	ShapeChoiceTokens   = "choice.logprobs.tokens"

	ShapeStreamDelta   = "stream.delta.logprobs.content"
	ShapeStreamChoice  = "stream.choice.logprobs"
	ShapeStreamContent = "stream.choice.logprobs.content"
)

// probe pairs a predicate with the extractor that runs when it matches.
type probe struct {
	name    string
	match   func(gjson.Result) bool
	extract func(gjson.Result) gjson.Result
}

func pathProbe(name, path string) probe {
	return probe{
		name:    name,
		match:   func(r gjson.Result) bool { return present(r.Get(path)) },
		extract: func(r gjson.Result) gjson.Result { return r.Get(path) },
	}
}

// payloadProbes is evaluated in order; first match wins. Reordering changes
// which payload is used when a response carries more than one.
var payloadProbes = []probe{
	pathProbe(ShapeChoiceContent, "choices.0.logprobs.content"),
	pathProbe(ShapeChoiceLogprobs, "choices.0.logprobs"),
	pathProbe(ShapeTopContent, "logprobs.content"),
	pathProbe(ShapeTopLogprobs, "logprobs"),
}

// existenceProbes backs HasProbabilityData: the payload probes plus the
// parallel-array tokens shape.
var existenceProbes = append(append([]probe{}, payloadProbes...), probe{
	name:    ShapeChoiceTokens,
	match:   func(r gjson.Result) bool { return r.Get("choices.0.logprobs.tokens").IsArray() },
	extract: func(r gjson.Result) gjson.Result { return r.Get("choices.0.logprobs") },
})

// streamProbe maps a fragment to the envelope handed to Normalize.
type streamProbe struct {
	name     string
	match    func(gjson.Result) bool
	envelope func(gjson.Result) gjson.Result
}

var streamProbes = []streamProbe{
	{
		name:     ShapeStreamDelta,
		match:    func(r gjson.Result) bool { return present(r.Get("choices.0.delta.logprobs.content")) },
		envelope: wrapDelta,
	},
	{
		name:     ShapeStreamChoice,
		match:    func(r gjson.Result) bool { return present(r.Get("choices.0.logprobs")) },
		envelope: func(r gjson.Result) gjson.Result { return r },
	},
	{
		name:     ShapeStreamContent,
		match:    func(r gjson.Result) bool { return present(r.Get("choices.0.logprobs.content")) },
		envelope: func(r gjson.Result) gjson.Result { return r },
	},
}

// wrapDelta rebuilds a chat delta as a single-choice envelope:
// {"choices":[{"logprobs": <delta.logprobs>}]}.
func wrapDelta(fragment gjson.Result) gjson.Result {
	raw, err := sjson.SetRaw(`{"choices":[{}]}`, "choices.0.logprobs", fragment.Get("choices.0.delta.logprobs").Raw)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.Parse(raw)
}

// present reports whether a probed value counts as found: it exists and is not
// null, false, zero or the empty string. Arrays and objects always count, even
// when empty.
func present(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return true
	}
}

// ProbeOrder lists the payload locations in the order they are tried.
func ProbeOrder() []string {
	names := make([]string, len(payloadProbes))
	for i, p := range payloadProbes {
		names[i] = p.name
	}
	return names
}
