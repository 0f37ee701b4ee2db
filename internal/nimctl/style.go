package nimctl

import (
	"fmt"
	"strings"

	"github.com/briancaffey/nvidia-nim-kit/internal/logprobs"
	"github.com/charmbracelet/lipgloss"
)

const (
	defaultHighConfidence   = 0.9
	defaultMediumConfidence = 0.5
	defaultTopAlternatives  = 3
)

var (
	highStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	mediumStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
	lowStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	headingStyle = lipgloss.NewStyle().Bold(true)
)

type palette struct {
	high, medium float64
	alternatives int
}

func paletteFor(cfg *Config) palette {
	p := palette{high: defaultHighConfidence, medium: defaultMediumConfidence, alternatives: defaultTopAlternatives}
	if cfg == nil {
		return p
	}
	if v := cfg.Display.HighConfidence; v > 0 && v <= 1 {
		p.high = v
	}
	if v := cfg.Display.MediumConfidence; v > 0 && v <= 1 {
		p.medium = v
	}
	if v := cfg.Display.TopAlternatives; v > 0 {
		p.alternatives = v
	}
	return p
}

// styleFor picks the colour bucket for a token. Tokens without a logprob are muted.
func (p palette) styleFor(tok logprobs.Token) lipgloss.Style {
	prob, ok := tok.Probability()
	switch {
	case !ok:
		return mutedStyle
	case prob >= p.high:
		return highStyle
	case prob >= p.medium:
		return mediumStyle
	default:
		return lowStyle
	}
}

// colorize renders the text with each token coloured by probability.
func (p palette) colorize(tokens []logprobs.Token) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(p.styleFor(tok).Render(logprobs.CleanText(tok.Text)))
	}
	return b.String()
}

func (p palette) formatAlternatives(tok logprobs.Token) string {
	if len(tok.TopLogprobs) == 0 {
		return "-"
	}
	alts := tok.TopLogprobs
	if len(alts) > p.alternatives {
		alts = alts[:p.alternatives]
	}
	parts := make([]string, len(alts))
	for i, alt := range alts {
		parts[i] = fmt.Sprintf("%q %.3f", logprobs.CleanText(alt.Token), alt.Logprob)
	}
	return strings.Join(parts, ", ")
}
