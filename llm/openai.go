package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider over the OpenAI wire protocol. Three
// backends (openai, deepseek, poe) share it; only credentials and base URL
// differ.
type OpenAIProvider struct {
	client *openai.Client
	config Config
	cache  *modelCache
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(config Config) (*OpenAIProvider, error) {
	// Allow empty API key - validation happens at runtime
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	client := openai.NewClientWithConfig(clientConfig)

	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.ProviderName == "" {
		config.ProviderName = "OpenAI Compatible"
	}

	return &OpenAIProvider{
		client: client,
		config: config,
		cache:  newModelCache(),
	}, nil
}

// StreamChat implements streaming chat
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, opts RequestOptions) (<-chan StreamResponse, error) {
	responseChan := make(chan StreamResponse)

	req := p.buildRequest(messages, opts)
	req.Stream = true

	go func() {
		defer close(responseChan)

		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			emit(ctx, responseChan, StreamResponse{Error: p.classify(err)})
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				emit(ctx, responseChan, StreamResponse{Done: true})
				return
			}
			if err != nil {
				emit(ctx, responseChan, StreamResponse{Error: p.classify(err)})
				return
			}

			if len(response.Choices) > 0 {
				content := response.Choices[0].Delta.Content
				if content != "" {
					if !emit(ctx, responseChan, StreamResponse{Content: content}) {
						return
					}
				}
			}
		}
	}()

	return responseChan, nil
}

// Chat implements non-streaming chat
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts RequestOptions) (string, error) {
	req := p.buildRequest(messages, opts)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", p.classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response from provider")
	}

	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts RequestOptions) openai.ChatCompletionRequest {
	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		openaiMessages = append(openaiMessages, p.convertMessage(msg))
	}

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

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    openaiMessages,
		MaxTokens:   maxTokens,
		Temperature: float32(temperature),
	}
}

// convertMessage converts our Message type to OpenAI format, handling attachments
func (p *OpenAIProvider) convertMessage(msg Message) openai.ChatCompletionMessage {
	if len(msg.Attachments) == 0 {
		return openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	// Build multimodal message with attachments
	multiContent := []openai.ChatMessagePart{
		{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		},
	}

	for _, att := range msg.Attachments {
		if att.Type == "image" {
			// Convert to base64 data URL
			b64 := base64.StdEncoding.EncodeToString(att.Data)
			dataURL := fmt.Sprintf("data:%s;base64,%s", att.MimeType, b64)

			multiContent = append(multiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}

	return openai.ChatCompletionMessage{
		Role:         msg.Role,
		MultiContent: multiContent,
	}
}

// classify maps go-openai SDK errors onto the ProviderError taxonomy.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(p.config.ProviderName, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(p.config.ProviderName, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return networkError(p.config.ProviderName, err)
}

// ListModels fetches the remote model list, cached for an hour with a stale
// fallback when the refresh fails.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]ModelDescriptor, error) {
		resp, err := p.client.ListModels(ctx)
		if err != nil {
			return nil, p.classify(err)
		}

		models := make([]ModelDescriptor, 0, len(resp.Models))
		for _, m := range resp.Models {
			models = append(models, ModelDescriptor{
				ID:      m.ID,
				OwnedBy: m.OwnedBy,
				Created: m.CreatedAt,
			})
		}
		return models, nil
	})
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.config.ProviderName
}

// GenerateTitle generates a short title based on the conversation
func (p *OpenAIProvider) GenerateTitle(ctx context.Context, messages []Message) (string, error) {
	title, err := p.Chat(ctx, titlePrompt(messages), RequestOptions{MaxTokens: 64})
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	return cleanTitle(title), nil
}

// ValidateConfig validates the configuration
func (p *OpenAIProvider) ValidateConfig() error {
	if p.config.APIKey == "" {
		return errors.New("API key is required")
	}
	return nil
}
