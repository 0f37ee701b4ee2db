package logprobs

import (
	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Payload is the per-token probability data found inside an envelope.
type Payload struct {
	Shape string
	Value gjson.Result
}

// Normalizer converts completion responses into Token sequences.
// It holds no state besides its logger and is safe for concurrent use.
type Normalizer struct {
	logger *logrus.Entry
}

// New creates a Normalizer. A nil logger uses the shared "logprobs" logger.
func New(logger *logrus.Entry) *Normalizer {
	if logger == nil {
		logger = logutil.New("logprobs")
	}
	return &Normalizer{logger: logger}
}

func parse(envelope []byte) (gjson.Result, bool) {
	if len(envelope) == 0 || !gjson.ValidBytes(envelope) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(envelope), true
}

// Locate returns the first payload found by the fixed probe order
// choice.logprobs.content, choice.logprobs, logprobs.content, logprobs.
func (n *Normalizer) Locate(envelope []byte) (Payload, bool) {
	root, ok := parse(envelope)
	if !ok {
		return Payload{}, false
	}
	return locate(root)
}

func locate(root gjson.Result) (Payload, bool) {
	for _, p := range payloadProbes {
		if p.match(root) {
			return Payload{Shape: p.name, Value: p.extract(root)}, true
		}
	}
	return Payload{}, false
}

// Normalize extracts the token sequence from a response envelope. A response
// without probability data yields an empty, non-nil slice.
func (n *Normalizer) Normalize(envelope []byte) []Token {
	root, ok := parse(envelope)
	if !ok {
		n.logger.WithField("bytes", len(envelope)).Info("No logprobs content found: envelope is not valid JSON")
		return []Token{}
	}
	return n.normalize(root)
}

func (n *Normalizer) normalize(root gjson.Result) []Token {
	payload, ok := locate(root)
	if !ok {
		n.logger.WithField("envelope", truncate(root.Raw, 512)).Info("No logprobs content found in response")
		return []Token{}
	}

	switch {
	case payload.Value.IsArray():
		return fromEntries(payload.Value)
	case payload.Value.Get("tokens").IsArray():
		return fromParallelArrays(payload.Value)
	default:
		n.logger.WithField("shape", payload.Shape).Debug("Logprobs payload has no recognised layout")
		return []Token{}
	}
}

// fromEntries handles [{token, logprob, top_logprobs}, ...]. Entries without a
// token are dropped.
func fromEntries(entries gjson.Result) []Token {
	tokens := []Token{}
	entries.ForEach(func(_, item gjson.Result) bool {
		text := item.Get("token")
		if !present(text) {
			return true
		}
		tok := Token{
			Text:    text.String(),
			Logprob: optionalFloat(item.Get("logprob")),
		}
		if top := item.Get("top_logprobs"); top.IsArray() {
			tok.TopLogprobs = alternativesFromArray(top)
		}
		tokens = append(tokens, tok)
		return true
	})
	return tokens
}

// fromParallelArrays zips {tokens, token_logprobs, top_logprobs} by index up to
// len(tokens). Shorter companion arrays leave the remaining positions empty.
func fromParallelArrays(payload gjson.Result) []Token {
	texts := payload.Get("tokens").Array()
	logprobs := arrayOrEmpty(payload.Get("token_logprobs"))
	tops := arrayOrEmpty(payload.Get("top_logprobs"))

	tokens := make([]Token, 0, len(texts))
	for i, text := range texts {
		tok := Token{Text: text.String()}
		if i < len(logprobs) {
			tok.Logprob = optionalFloat(logprobs[i])
		}
		if i < len(tops) && present(tops[i]) {
			switch {
			case tops[i].IsObject():
				tok.TopLogprobs = alternativesFromObject(tops[i])
			case tops[i].IsArray():
				tok.TopLogprobs = alternativesFromArray(tops[i])
			}
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// alternativesFromObject keeps the document order of a {token: logprob} map.
func alternativesFromObject(obj gjson.Result) []Alternative {
	alts := []Alternative{}
	obj.ForEach(func(key, value gjson.Result) bool {
		alts = append(alts, Alternative{Token: key.String(), Logprob: value.Float()})
		return true
	})
	return alts
}

func alternativesFromArray(arr gjson.Result) []Alternative {
	alts := []Alternative{}
	arr.ForEach(func(_, alt gjson.Result) bool {
		alts = append(alts, Alternative{
			Token:   alt.Get("token").String(),
			Logprob: alt.Get("logprob").Float(),
		})
		return true
	})
	return alts
}

func arrayOrEmpty(r gjson.Result) []gjson.Result {
	if !r.IsArray() {
		return nil
	}
	return r.Array()
}

func optionalFloat(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}

// NormalizeStream extracts tokens from streamed fragments, in arrival order.
// Fragments without probability data contribute nothing.
func (n *Normalizer) NormalizeStream(fragments [][]byte) []Token {
	tokens := []Token{}
	for _, fragment := range fragments {
		root, ok := parse(fragment)
		if !ok {
			continue
		}
		for _, p := range streamProbes {
			if p.match(root) {
				tokens = append(tokens, n.normalize(p.envelope(root))...)
				break
			}
		}
	}
	return tokens
}

// HasProbabilityData reports whether Normalize would find a payload, plus the
// parallel-array tokens shape.
func (n *Normalizer) HasProbabilityData(envelope []byte) bool {
	root, ok := parse(envelope)
	if !ok {
		return false
	}
	for _, p := range existenceProbes {
		if p.match(root) {
			return true
		}
	}
	return false
}

// HasProbabilityDataInStream reports whether any fragment carries logprobs
// directly in its choice or as a chat delta.
func (n *Normalizer) HasProbabilityDataInStream(fragments [][]byte) bool {
	for _, fragment := range fragments {
		root, ok := parse(fragment)
		if !ok {
			continue
		}
		if present(root.Get("choices.0.logprobs")) || present(root.Get("choices.0.delta.logprobs.content")) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
