// Package logprobs turns completion API responses into a uniform per-token
// log-probability sequence.
//
// Providers nest logprobs differently (chat vs. legacy text completion,
// aggregated vs. streamed). The package probes the known locations in a fixed
// priority order and never fails on malformed input: anything it cannot read
// degrades to "no tokens".
package logprobs

import (
	"math"
	"strings"
)

// Alternative is one of the top-K candidate tokens considered at a position.
type Alternative struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// Token is one emitted unit of generated text.
type Token struct {
	Text        string        `json:"text"`
	Logprob     *float64      `json:"logprob,omitempty"`
	TopLogprobs []Alternative `json:"top_logprobs,omitempty"`
}

// Probability returns exp(logprob) and whether a logprob was present.
func (t Token) Probability() (float64, bool) {
	if t.Logprob == nil {
		return 0, false
	}
	return math.Exp(*t.Logprob), true
}

// byte-level BPE markers for a leading space and a newline.
var markerReplacer = strings.NewReplacer("Ġ", " ", "Ċ", "\n")

// CleanText replaces sub-word tokenizer markers with the whitespace they stand for.
func CleanText(text string) string {
	return markerReplacer.Replace(text)
}

// RenderText concatenates the cleaned text of every token.
func RenderText(tokens []Token) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(CleanText(tok.Text))
	}
	return b.String()
}

// Summary aggregates the confidence of a token sequence.
type Summary struct {
	Tokens      int     `json:"tokens"`
	WithLogprob int     `json:"with_logprob"`
	MeanLogprob float64 `json:"mean_logprob,omitempty"`
	Perplexity  float64 `json:"perplexity,omitempty"`
	Lowest      *Token  `json:"lowest,omitempty"`
}

// Summarize computes the mean logprob, perplexity and least likely token.
// Tokens without a logprob are counted but do not affect the averages.
func Summarize(tokens []Token) Summary {
	summary := Summary{Tokens: len(tokens)}
	var sum float64
	for i := range tokens {
		lp := tokens[i].Logprob
		if lp == nil {
			continue
		}
		summary.WithLogprob++
		sum += *lp
		if summary.Lowest == nil || *lp < *summary.Lowest.Logprob {
			lowest := tokens[i]
			summary.Lowest = &lowest
		}
	}
	if summary.WithLogprob > 0 {
		summary.MeanLogprob = sum / float64(summary.WithLogprob)
		summary.Perplexity = math.Exp(-summary.MeanLogprob)
	}
	return summary
}
