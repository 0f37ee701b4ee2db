package nimctl

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/briancaffey/nvidia-nim-kit/internal/logprobs"
	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/briancaffey/nvidia-nim-kit/internal/sse"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
)

type parseResult struct {
	HasLogprobs bool             `json:"has_logprobs"`
	Shape       string           `json:"shape,omitempty"`
	Fragments   int              `json:"fragments,omitempty"`
	Text        string           `json:"text"`
	Tokens      []logprobs.Token `json:"tokens"`
	Summary     logprobs.Summary `json:"summary"`
}

var logprobsCmd = &cobra.Command{
	Use:   "logprobs",
	Short: "Inspect per-token log-probabilities",
}

var logprobsParseCmd = &cobra.Command{
	Use:   "parse <file|->",
	Short: "Normalize a completion response or captured stream",
	Long: `Reads a completion response (JSON) or a captured stream (text/event-stream or
one JSON chunk per line) and prints each token with its probability.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, _ := cmd.Flags().GetBool("stream")
		remote, _ := cmd.Flags().GetBool("remote")

		body, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		if sse.IsEventStream(body) {
			stream = true
		}

		var result parseResult
		switch {
		case remote:
			result, err = parseRemote(body, stream)
		case stream:
			result, err = parseStreamLocal(body)
		default:
			result = parseLocal(body)
		}
		if err != nil {
			return err
		}

		if handled, err := writeStructured(cmd.OutOrStdout(), result); handled || err != nil {
			return err
		}
		renderTokens(cmd.OutOrStdout(), result)
		return nil
	},
}

func init() {
	logprobsParseCmd.Flags().Bool("stream", false, "Treat the input as streamed chunks")
	logprobsParseCmd.Flags().Bool("remote", false, "Parse on the configured server instead of locally")
	logprobsCmd.AddCommand(logprobsParseCmd)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func newNormalizer() *logprobs.Normalizer {
	return logprobs.New(logutil.New("nimctl"))
}

func parseLocal(body []byte) parseResult {
	n := newNormalizer()
	payload, _ := n.Locate(body)
	tokens := n.Normalize(body)
	return parseResult{
		HasLogprobs: n.HasProbabilityData(body),
		Shape:       payload.Shape,
		Text:        logprobs.RenderText(tokens),
		Tokens:      tokens,
		Summary:     logprobs.Summarize(tokens),
	}
}

func parseStreamLocal(body []byte) (parseResult, error) {
	fragments, err := sse.DecodeBytes(body)
	if err != nil {
		return parseResult{}, err
	}
	n := newNormalizer()
	tokens := n.NormalizeStream(fragments)
	return parseResult{
		HasLogprobs: n.HasProbabilityDataInStream(fragments),
		Fragments:   len(fragments),
		Text:        logprobs.RenderText(tokens),
		Tokens:      tokens,
		Summary:     logprobs.Summarize(tokens),
	}, nil
}

// chunksDocument wraps decoded fragments as {"chunks": [...]}.
func chunksDocument(fragments [][]byte) ([]byte, error) {
	doc := []byte(`{"chunks":[]}`)
	for _, fragment := range fragments {
		var err error
		doc, err = sjson.SetRawBytes(doc, "chunks.-1", fragment)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func parseRemote(body []byte, stream bool) (parseResult, error) {
	client, _, err := mustClient()
	if err != nil {
		return parseResult{}, err
	}
	path := "/api/logprobs/parse"
	if stream {
		fragments, err := sse.DecodeBytes(body)
		if err != nil {
			return parseResult{}, err
		}
		if body, err = chunksDocument(fragments); err != nil {
			return parseResult{}, err
		}
		path = "/api/logprobs/stream"
	}
	var result parseResult
	if err := client.PostRawJSON(path, body, &result); err != nil {
		return parseResult{}, err
	}
	return result, nil
}

func renderTokens(w io.Writer, result parseResult) {
	if !result.HasLogprobs || len(result.Tokens) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No logprobs found in response."))
		return
	}
	p := paletteFor(appConfig)

	fmt.Fprintln(w, p.colorize(result.Tokens))
	fmt.Fprintln(w)

	tw := newTable(w)
	fmt.Fprintln(tw, "#\tTOKEN\tLOGPROB\tPROB\tALTERNATIVES")
	for i, tok := range result.Tokens {
		logprob, prob := "-", "-"
		if tok.Logprob != nil {
			logprob = strconv.FormatFloat(*tok.Logprob, 'f', 4, 64)
			prob = fmt.Sprintf("%.1f%%", math.Exp(*tok.Logprob)*100)
		}
		fmt.Fprintf(tw, "%d\t%q\t%s\t%s\t%s\n", i, logprobs.CleanText(tok.Text), logprob, prob, p.formatAlternatives(tok))
	}
	flushTable(tw)

	s := result.Summary
	fmt.Fprintln(w)
	line := fmt.Sprintf("%d tokens, %d with logprobs", s.Tokens, s.WithLogprob)
	if s.WithLogprob > 0 {
		line += fmt.Sprintf(", mean logprob %.4f, perplexity %.3f", s.MeanLogprob, s.Perplexity)
	}
	if s.Lowest != nil {
		line += fmt.Sprintf(", least likely %q", logprobs.CleanText(s.Lowest.Text))
	}
	fmt.Fprintln(w, headingStyle.Render(line))
}
