package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"chathub/llm"
)

const optimizerSystemPrompt = "You are an AI optimizer. Analyze the user's query and decide the optimal settings for:\n" +
	"1. web_search (boolean): true if the query needs real-time info (news, weather, stock, recent events). False if static knowledge.\n" +
	"2. thinking_level (string): 'high' for complex logic/math/reasoning. 'low' for simple chit-chat/facts.\n" +
	"3. quality (string): 'high' for creative writing/important tasks. 'low' for simple chit-chat/facts. 'medium' for all other cases.\n\n" +
	"Return valid JSON ONLY. No markdown formatting. " +
	"Example: {\"web_search\": true, \"thinking_level\": \"high\", \"quality\": \"high\"}"

// optimizerQueryLimit bounds how much of the prompt the classifier sees.
const optimizerQueryLimit = 500

// Optimizer runs one cheap classifier completion to tune request options
// before the primary call. It is strictly best effort: any failure yields
// zero-value options and the primary request proceeds unchanged.
type Optimizer struct {
	provider llm.Provider
	model    string
	log      zerolog.Logger
}

// NewOptimizer creates an optimizer using the given provider and classifier
// model. A nil provider disables optimization.
func NewOptimizer(provider llm.Provider, model string, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		provider: provider,
		model:    model,
		log:      log,
	}
}

type optimizerResult struct {
	WebSearch     bool   `json:"web_search"`
	ThinkingLevel string `json:"thinking_level"`
	Quality       string `json:"quality"`
}

// Optimize classifies the query and returns option overrides.
func (o *Optimizer) Optimize(ctx context.Context, query string) llm.RequestOptions {
	var opts llm.RequestOptions
	if o == nil || o.provider == nil {
		return opts
	}

	if len(query) > optimizerQueryLimit {
		query = query[:optimizerQueryLimit]
	}

	raw, err := o.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: optimizerSystemPrompt},
		{Role: "user", Content: query},
	}, llm.RequestOptions{Model: o.model, MaxTokens: 128})
	if err != nil {
		o.log.Warn().Err(err).Msg("optimization failed")
		return opts
	}

	var result optimizerResult
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &result); err != nil {
		o.log.Warn().Err(err).Msg("optimizer returned malformed JSON")
		return opts
	}

	opts.WebSearch = result.WebSearch
	opts.ReasoningEffort = result.ThinkingLevel
	opts.Quality = result.Quality

	// Fold the classification into parameters every backend understands.
	// Deep reasoning gets output room, creative work a freer temperature.
	switch result.ThinkingLevel {
	case "high":
		opts.MaxTokens = 8192
	case "low":
		opts.MaxTokens = 1024
	}
	if result.Quality == "high" {
		opts.Temperature = 0.9
	}

	o.log.Debug().
		Bool("web_search", opts.WebSearch).
		Str("reasoning_effort", opts.ReasoningEffort).
		Str("quality", opts.Quality).
		Msg("optimizer result")
	return opts
}

// stripJSONFences removes a markdown code fence wrapped around a JSON reply.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
