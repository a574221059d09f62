package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Message represents a chat message
type Message struct {
	Role        string       `json:"role"` // "user" or "assistant" or "system"
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a file or image attachment
type Attachment struct {
	Type     string `json:"type"`      // "image", "file"
	MimeType string `json:"mime_type"` // "image/png", "text/plain", etc.
	Data     []byte `json:"data"`      // raw data
	Filename string `json:"filename"`
}

// TokenUsage reports token counts for a completed request. Providers that do
// not report usage mid-stream leave it nil and the caller estimates.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamResponse represents a chunk of streaming response. Concatenating the
// Content of every chunk in emission order reconstructs the full reply. A
// failing stream delivers all produced chunks before the one carrying Error.
type StreamResponse struct {
	Content string
	Usage   *TokenUsage
	Done    bool
	Error   error
}

// RequestOptions adjusts a single request. The zero value means provider
// defaults.
type RequestOptions struct {
	Model       string // override the configured model
	MaxTokens   int
	Temperature float64

	// Hints from the request optimizer. WebSearch steers model routing;
	// the other two are folded into MaxTokens and Temperature.
	WebSearch       bool
	ReasoningEffort string // "low", "medium", "high"
	Quality         string // "standard", "high"
}

// emit delivers resp unless ctx is done. A false return means the consumer
// abandoned the stream and the producer must stop.
func emit(ctx context.Context, ch chan<- StreamResponse, resp StreamResponse) bool {
	select {
	case ch <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// ModelDescriptor describes one model offered by a provider.
type ModelDescriptor struct {
	ID      string
	OwnedBy string
	Created int64
}

// Provider interface defines the common interface for all LLM backends.
type Provider interface {
	// StreamChat sends messages and returns a channel of incremental
	// responses. The channel is closed after the Done or Error chunk; the
	// stream is finite and not restartable.
	StreamChat(ctx context.Context, messages []Message, opts RequestOptions) (<-chan StreamResponse, error)

	// Chat sends messages and returns the complete response (non-streaming)
	Chat(ctx context.Context, messages []Message, opts RequestOptions) (string, error)

	// ListModels returns the models this provider offers
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// GenerateTitle generates a short title based on the conversation messages
	GenerateTitle(ctx context.Context, messages []Message) (string, error)

	// Name returns the provider name
	Name() string

	// ValidateConfig validates the provider configuration
	ValidateConfig() error
}

// Config represents provider configuration
type Config struct {
	ProviderName string   // Display name for the provider
	APIKey       string
	BaseURL      string
	Model        string
	Models       []string // Available models list
	Timeout      int      // seconds
	MaxTokens    int
	Temperature  float64
}

// modelCache caches a fetched model list for an hour, serving the stale copy
// when a refresh fails.
type modelCache struct {
	mu        sync.Mutex
	models    []ModelDescriptor
	fetchedAt time.Time
	ttl       time.Duration
}

func newModelCache() *modelCache {
	return &modelCache{ttl: time.Hour}
}

func (c *modelCache) get(ctx context.Context, fetch func(context.Context) ([]ModelDescriptor, error)) ([]ModelDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.models != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.models, nil
	}

	models, err := fetch(ctx)
	if err != nil {
		if c.models != nil {
			// Stale is better than nothing.
			return c.models, nil
		}
		return nil, err
	}

	c.models = models
	c.fetchedAt = time.Now()
	return models, nil
}

// cleanTitle cleans up a generated title by removing quotes and extra whitespace
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"'")
	title = strings.TrimSpace(title)

	if len(title) > 100 {
		title = title[:100] + "..."
	}

	if title == "" {
		title = "New Chat"
	}

	return title
}

const titleSystemPrompt = "You are a helpful assistant that generates short, concise titles for conversations. " +
	"Generate a title in the same language as the conversation. The title should be 3-8 words, " +
	"descriptive, and capture the main topic. Only output the title, nothing else."

// titlePrompt builds the prompt shared by every provider's GenerateTitle.
func titlePrompt(messages []Message) []Message {
	prompt := []Message{{Role: "system", Content: titleSystemPrompt}}

	maxMessages := 4
	for i, msg := range messages {
		if i >= maxMessages {
			break
		}
		prompt = append(prompt, msg)
	}

	return append(prompt, Message{
		Role:    "user",
		Content: "Based on the above conversation, generate a short title (3-8 words):",
	})
}
