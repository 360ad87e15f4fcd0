// Package openai provides a call summariser backed by the OpenAI chat
// completions API in JSON mode.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/sentinelvoice/sentinel/pkg/provider/summarizer"
)

// DefaultModel is the default chat model for call analysis.
const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You are a sales-call analyst. Given a call transcript,
respond with a JSON object with exactly these keys:
  "summary": a concise recap of the call (2-4 sentences),
  "action_items": array of concrete follow-up strings,
  "sentiment": one of "Positive", "Neutral", "Negative",
  "objections": array of customer objection strings,
  "deal_risk_score": number between 0 and 1 where 1 means the deal is at risk.`

// Ensure Provider implements the summarizer.Provider interface.
var _ summarizer.Provider = (*Provider)(nil)

// Provider implements summarizer.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
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

// New constructs an OpenAI summariser. If model is empty, [DefaultModel] is
// used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai summarizer: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
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

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Summarize implements summarizer.Provider.
func (p *Provider) Summarize(ctx context.Context, transcript string) (*summarizer.CallAnalysis, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(transcript),
		},
		Temperature: param.NewOpt(0.2),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai summarizer: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai summarizer: empty choices in response")
	}

	var analysis summarizer.CallAnalysis
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &analysis); err != nil {
		return nil, fmt.Errorf("openai summarizer: parse analysis JSON: %w", err)
	}
	return &analysis, nil
}
