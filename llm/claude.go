package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ClaudeProvider implements the Provider interface for Anthropic Claude
type ClaudeProvider struct {
	apiKey  string
	baseURL string
	config  Config
	client  *http.Client
}

// ClaudeMessage represents a message in Claude's format
type ClaudeMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ClaudeContentBlock
}

// ClaudeContentBlock represents a content block in Claude's multimodal format
type ClaudeContentBlock struct {
	Type   string             `json:"type"` // "text" or "image"
	Text   string             `json:"text,omitempty"`
	Source *ClaudeImageSource `json:"source,omitempty"`
}

// ClaudeImageSource represents an image source in Claude's format
type ClaudeImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/jpeg", "image/png", etc.
	Data      string `json:"data"`       // base64 encoded image data
}

// ClaudeRequest represents a request to Claude API
type ClaudeRequest struct {
	Model       string          `json:"model"`
	Messages    []ClaudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	System      string          `json:"system,omitempty"`
}

// ClaudeUsage carries token counts from message_start and message_delta
// events.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ClaudeResponse represents a response from Claude API
type ClaudeResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model        string      `json:"model"`
	StopReason   string      `json:"stop_reason"`
	StopSequence string      `json:"stop_sequence"`
	Usage        ClaudeUsage `json:"usage"`
}

// ClaudeStreamEvent represents a streaming event from Claude API
type ClaudeStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Message      *ClaudeResponse `json:"message,omitempty"`
	Usage        *ClaudeUsage    `json:"usage,omitempty"`
	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content_block,omitempty"`
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(config Config) (*ClaudeProvider, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}

	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.Model == "" {
		config.Model = "claude-3-5-sonnet-20241022"
	}
	if config.ProviderName == "" {
		config.ProviderName = "Claude"
	}

	// No global timeout: streams may legitimately run for minutes. Only the
	// dial is bounded; idle streams are the orchestrator's concern.
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 30 * time.Second,
			}).DialContext,
		},
	}

	return &ClaudeProvider{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		config:  config,
		client:  client,
	}, nil
}

// StreamChat implements streaming chat
func (p *ClaudeProvider) StreamChat(ctx context.Context, messages []Message, opts RequestOptions) (<-chan StreamResponse, error) {
	responseChan := make(chan StreamResponse)

	req := p.buildRequest(messages, opts)
	req.Stream = true

	go func() {
		defer close(responseChan)

		if err := p.streamRequest(ctx, req, responseChan); err != nil {
			emit(ctx, responseChan, StreamResponse{Error: err})
		}
	}()

	return responseChan, nil
}

// Chat implements non-streaming chat
func (p *ClaudeProvider) Chat(ctx context.Context, messages []Message, opts RequestOptions) (string, error) {
	req := p.buildRequest(messages, opts)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", networkError(p.config.ProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(p.config.ProviderName, resp.StatusCode, string(body))
	}

	var claudeResp ClaudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(claudeResp.Content) == 0 {
		return "", errors.New("no content in response")
	}

	return claudeResp.Content[0].Text, nil
}

func (p *ClaudeProvider) buildRequest(messages []Message, opts RequestOptions) ClaudeRequest {
	claudeMessages, systemPrompt := p.convertMessages(messages)

	model := p.config.Model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := p.config.Temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	return ClaudeRequest{
		Model:       model,
		Messages:    claudeMessages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      systemPrompt,
	}
}

// Name returns the provider name
func (p *ClaudeProvider) Name() string {
	return p.config.ProviderName
}

// ListModels returns the configured model list; Anthropic has no public
// listing endpoint compatible with this client.
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	ids := p.config.Models
	if len(ids) == 0 {
		ids = []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
			"claude-3-opus-20240229",
		}
	}

	models := make([]ModelDescriptor, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelDescriptor{ID: id, OwnedBy: "anthropic"})
	}
	return models, nil
}

// GenerateTitle generates a short title based on the conversation
func (p *ClaudeProvider) GenerateTitle(ctx context.Context, messages []Message) (string, error) {
	title, err := p.Chat(ctx, titlePrompt(messages), RequestOptions{MaxTokens: 64})
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	return cleanTitle(title), nil
}

// ValidateConfig validates the configuration
func (p *ClaudeProvider) ValidateConfig() error {
	if p.apiKey == "" {
		return errors.New("API key is required")
	}
	return nil
}

// convertMessages converts our Message format to Claude's format
// Claude requires alternating user/assistant messages and extracts system messages separately
func (p *ClaudeProvider) convertMessages(messages []Message) ([]ClaudeMessage, string) {
	var claudeMessages []ClaudeMessage
	var systemPrompt string

	// Extract system message if present
	for _, msg := range messages {
		if msg.Role == "system" {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		}
	}

	// Convert user and assistant messages
	for _, msg := range messages {
		if msg.Role == "system" {
			continue // Already handled
		}

		if len(msg.Attachments) == 0 {
			claudeMessages = append(claudeMessages, ClaudeMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		} else {
			// Multimodal message with content blocks
			contentBlocks := []ClaudeContentBlock{
				{
					Type: "text",
					Text: msg.Content,
				},
			}

			for _, att := range msg.Attachments {
				if att.Type == "image" {
					b64 := base64.StdEncoding.EncodeToString(att.Data)
					contentBlocks = append(contentBlocks, ClaudeContentBlock{
						Type: "image",
						Source: &ClaudeImageSource{
							Type:      "base64",
							MediaType: att.MimeType,
							Data:      b64,
						},
					})
				}
			}

			claudeMessages = append(claudeMessages, ClaudeMessage{
				Role:    msg.Role,
				Content: contentBlocks,
			})
		}
	}

	return claudeMessages, systemPrompt
}

// setHeaders sets the required headers for Claude API requests
func (p *ClaudeProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
}

// streamRequest handles the streaming request to Claude API
func (p *ClaudeProvider) streamRequest(ctx context.Context, req ClaudeRequest, responseChan chan<- StreamResponse) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return networkError(p.config.ProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(p.config.ProviderName, resp.StatusCode, string(body))
	}

	usage := &TokenUsage{}

	// Read SSE stream
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "data: {...}"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			emit(ctx, responseChan, StreamResponse{Usage: usage, Done: true})
			return nil
		}

		var event ClaudeStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Skip malformed events
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta.Text != "" {
				if !emit(ctx, responseChan, StreamResponse{Content: event.Delta.Text}) {
					return ctx.Err()
				}
			}
		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			emit(ctx, responseChan, StreamResponse{Usage: usage, Done: true})
			return nil
		case "error":
			return &ProviderError{
				Provider: p.config.ProviderName,
				Kind:     ErrKindUnknown,
				Err:      fmt.Errorf("stream error: %s", data),
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return networkError(p.config.ProviderName, fmt.Errorf("stream read error: %w", err))
	}

	emit(ctx, responseChan, StreamResponse{Usage: usage, Done: true})
	return nil
}
