package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DummyProvider is an offline stand-in that returns canned deltas without any
// network access. Used for local debugging and tests.
type DummyProvider struct {
	config Config

	// ChunkSize and Delay shape the fake stream; zero values pick defaults.
	ChunkSize int
	Delay     time.Duration

	// Response overrides the canned reply when set.
	Response string
}

// NewDummyProvider creates a dummy provider.
func NewDummyProvider(config Config) *DummyProvider {
	if config.ProviderName == "" {
		config.ProviderName = "Dummy"
	}
	if config.Model == "" {
		config.Model = "dummy-gpt-lite"
	}
	return &DummyProvider{config: config}
}

// StreamChat yields the canned response in small chunks.
func (p *DummyProvider) StreamChat(ctx context.Context, messages []Message, opts RequestOptions) (<-chan StreamResponse, error) {
	responseChan := make(chan StreamResponse)

	model := p.config.Model
	if opts.Model != "" {
		model = opts.Model
	}
	text := p.response(model, messages)

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 24
	}
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}

	go func() {
		defer close(responseChan)

		completionTokens := 0
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}

			if !emit(ctx, responseChan, StreamResponse{Content: text[i:end]}) {
				return
			}
			completionTokens++

			if delay > 0 {
				time.Sleep(delay)
			}
		}

		emit(ctx, responseChan, StreamResponse{
			Usage: &TokenUsage{
				PromptTokens:     len(messages) * 8,
				CompletionTokens: completionTokens,
			},
			Done: true,
		})
	}()

	return responseChan, nil
}

// Chat returns the canned response in one piece.
func (p *DummyProvider) Chat(ctx context.Context, messages []Message, opts RequestOptions) (string, error) {
	model := p.config.Model
	if opts.Model != "" {
		model = opts.Model
	}
	return p.response(model, messages), nil
}

func (p *DummyProvider) response(model string, messages []Message) string {
	if p.Response != "" {
		return p.Response
	}

	preview := latestUserPrompt(messages)
	if preview == "" {
		preview = "No user content detected."
	}
	return fmt.Sprintf(
		"[Dummy Response - %s]\nThis is a local stub so you can test without an API key.\nLatest user message: %s",
		model, preview,
	)
}

func latestUserPrompt(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// ListModels returns the canned model set.
func (p *DummyProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return []ModelDescriptor{
		{ID: "dummy-claude-lite", OwnedBy: "chathub"},
		{ID: "dummy-gpt-lite", OwnedBy: "chathub"},
		{ID: "dummy-image", OwnedBy: "chathub"},
	}, nil
}

// GenerateTitle derives a title from the first user message.
func (p *DummyProvider) GenerateTitle(ctx context.Context, messages []Message) (string, error) {
	for _, msg := range messages {
		if msg.Role == "user" && strings.TrimSpace(msg.Content) != "" {
			return cleanTitle(msg.Content), nil
		}
	}
	return "New Chat", nil
}

// Name returns the provider name
func (p *DummyProvider) Name() string {
	return p.config.ProviderName
}

// ValidateConfig always succeeds; the dummy needs no credentials.
func (p *DummyProvider) ValidateConfig() error {
	return nil
}
