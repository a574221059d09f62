package chat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"chathub/llm"
)

func TestOptimizeParsesClassifierResult(t *testing.T) {
	p := llm.NewDummyProvider(llm.Config{})
	p.Response = `{"web_search": true, "thinking_level": "high", "quality": "standard"}`

	o := NewOptimizer(p, "dummy-gpt-lite", zerolog.Nop())
	opts := o.Optimize(context.Background(), "what happened in the news today")

	assert.True(t, opts.WebSearch)
	assert.Equal(t, "high", opts.ReasoningEffort)
	assert.Equal(t, "standard", opts.Quality)
}

func TestOptimizeMapsHintsToRequestParameters(t *testing.T) {
	cases := []struct {
		name        string
		response    string
		maxTokens   int
		temperature float64
	}{
		{"deep reasoning gets output room",
			`{"web_search": false, "thinking_level": "high", "quality": "medium"}`, 8192, 0},
		{"chit-chat gets a short budget",
			`{"web_search": false, "thinking_level": "low", "quality": "low"}`, 1024, 0},
		{"creative work gets a freer temperature",
			`{"web_search": false, "thinking_level": "medium", "quality": "high"}`, 0, 0.9},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := llm.NewDummyProvider(llm.Config{})
			p.Response = tc.response

			o := NewOptimizer(p, "dummy-gpt-lite", zerolog.Nop())
			opts := o.Optimize(context.Background(), "hello")

			assert.Equal(t, tc.maxTokens, opts.MaxTokens)
			assert.Equal(t, tc.temperature, opts.Temperature)
		})
	}
}

func TestOptimizeStripsMarkdownFences(t *testing.T) {
	p := llm.NewDummyProvider(llm.Config{})
	p.Response = "```json\n{\"web_search\": false, \"thinking_level\": \"low\", \"quality\": \"low\"}\n```"

	o := NewOptimizer(p, "dummy-gpt-lite", zerolog.Nop())
	opts := o.Optimize(context.Background(), "hello")

	assert.False(t, opts.WebSearch)
	assert.Equal(t, "low", opts.ReasoningEffort)
}

func TestOptimizeMalformedJSONFallsBack(t *testing.T) {
	p := llm.NewDummyProvider(llm.Config{})
	p.Response = "I think you should enable web search!"

	o := NewOptimizer(p, "dummy-gpt-lite", zerolog.Nop())
	opts := o.Optimize(context.Background(), "hello")

	assert.Equal(t, llm.RequestOptions{}, opts)
}

func TestOptimizeNilProviderFallsBack(t *testing.T) {
	o := NewOptimizer(nil, "", zerolog.Nop())
	opts := o.Optimize(context.Background(), "hello")
	assert.Equal(t, llm.RequestOptions{}, opts)
}

func TestOptimizeNilOptimizerFallsBack(t *testing.T) {
	var o *Optimizer
	opts := o.Optimize(context.Background(), "hello")
	assert.Equal(t, llm.RequestOptions{}, opts)
}

func TestOptimizeTruncatesLongQueries(t *testing.T) {
	var received string
	p := &capturingProvider{response: `{"web_search": false}`, captured: &received}

	o := NewOptimizer(p, "dummy-gpt-lite", zerolog.Nop())
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	o.Optimize(context.Background(), string(long))

	assert.Len(t, received, optimizerQueryLimit)
}

// capturingProvider records the user content of the last Chat call.
type capturingProvider struct {
	response string
	captured *string
}

func (p *capturingProvider) Chat(ctx context.Context, messages []llm.Message, opts llm.RequestOptions) (string, error) {
	for _, m := range messages {
		if m.Role == "user" {
			*p.captured = m.Content
		}
	}
	return p.response, nil
}

func (p *capturingProvider) StreamChat(ctx context.Context, messages []llm.Message, opts llm.RequestOptions) (<-chan llm.StreamResponse, error) {
	ch := make(chan llm.StreamResponse)
	close(ch)
	return ch, nil
}

func (p *capturingProvider) ListModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	return nil, nil
}

func (p *capturingProvider) GenerateTitle(ctx context.Context, messages []llm.Message) (string, error) {
	return "", nil
}

func (p *capturingProvider) Name() string        { return "capture" }
func (p *capturingProvider) ValidateConfig() error { return nil }
