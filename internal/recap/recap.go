// Package recap produces short post-call summaries.
//
// After a call ends the transcript is read back from the session cache,
// condensed to a few sentences by a chat model, and stored next to the call
// record. Recaps are best-effort: a failure is logged by the caller and the
// call record simply stays without one.
package recap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxline/pkg/sessioncache"
)

// recapPrompt is the system prompt sent to the chat model when summarising a
// finished call.
const recapPrompt = `Summarize the following phone call between a caller and an automated clinic receptionist.
Use at most three sentences. Always state the booking outcome: the appointment
date, time, and confirmation number if one was booked, or that no appointment
was made. Do not invent details that are not in the transcript.`

// recapMaxTokens bounds the summary length; three sentences fit comfortably.
const recapMaxTokens = 256

// Summarizer produces a concise summary of a call transcript.
type Summarizer interface {
	// Summarize condenses the transcript entries into a short recap string.
	// An empty transcript yields an empty recap and no error.
	Summarize(ctx context.Context, entries []sessioncache.Entry) (string, error)
}

// OpenAI is a [Summarizer] backed by the OpenAI chat completions API.
type OpenAI struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the OpenAI summarizer.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for [NewOpenAI].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// NewOpenAI constructs an OpenAI-backed summarizer.
func NewOpenAI(apiKey, model string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("recap: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("recap: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Summarize renders the transcript into a readable form and asks the chat
// model for a recap.
func (o *OpenAI) Summarize(ctx context.Context, entries []sessioncache.Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	resp, err := o.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(recapPrompt),
			oai.UserMessage(renderTranscript(entries)),
		},
		Temperature:         param.NewOpt(0.3),
		MaxCompletionTokens: param.NewOpt(int64(recapMaxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("recap: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("recap: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// renderTranscript formats transcript entries into the text block handed to
// the model. Tool traffic keeps its name and payload so the model can read
// off the booking outcome.
func renderTranscript(entries []sessioncache.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		switch e.Role {
		case sessioncache.RoleToolCall:
			fmt.Fprintf(&sb, "[tool-call] %s %s\n", e.Tool, e.Args)
		case sessioncache.RoleToolResult:
			fmt.Fprintf(&sb, "[tool-result] %s %s\n", e.Tool, e.Text)
		default:
			fmt.Fprintf(&sb, "[%s]: %s\n", e.Role, e.Text)
		}
	}
	return sb.String()
}

// generateTimeout bounds one end-to-end recap generation, covering the
// transcript read, the model call, and the store.
const generateTimeout = 30 * time.Second

// Generator ties a [Summarizer] to the session cache.
type Generator struct {
	cache      sessioncache.Store
	summarizer Summarizer
}

// NewGenerator creates a recap generator reading transcripts from cache and
// storing results back into it.
func NewGenerator(cache sessioncache.Store, summarizer Summarizer) *Generator {
	return &Generator{cache: cache, summarizer: summarizer}
}

// Generate builds and stores the recap for a finished call, returning the
// recap text. Calls with an empty transcript produce no recap and no error.
func (g *Generator) Generate(ctx context.Context, callSID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	entries, err := g.cache.Transcript(ctx, callSID)
	if err != nil {
		return "", fmt.Errorf("recap: load transcript for %s: %w", callSID, err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	text, err := g.summarizer.Summarize(ctx, entries)
	if err != nil {
		return "", fmt.Errorf("recap: summarize %s: %w", callSID, err)
	}
	if text == "" {
		return "", nil
	}

	if err := g.cache.SetRecap(ctx, callSID, text); err != nil {
		return "", fmt.Errorf("recap: store for %s: %w", callSID, err)
	}
	return text, nil
}
