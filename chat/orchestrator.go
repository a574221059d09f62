package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chathub/billing"
	"chathub/llm"
	"chathub/store"
)

// State is the orchestrator's position in one request's lifecycle.
type State int

const (
	StateIdle State = iota
	StateBudgetCheck
	StateContextLoad
	StateOptimizing
	StateStreaming
	StatePersisting
	StateDone
	StateFailed
)

// webSearchModel is Poe's search-augmented bot, used when the optimizer
// flags a query as needing live data.
const webSearchModel = "web-search"

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBudgetCheck:
		return "budget_check"
	case StateContextLoad:
		return "context_load"
	case StateOptimizing:
		return "optimizing"
	case StateStreaming:
		return "streaming"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// ValidationError rejects a request before any provider call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// Request is one user turn.
type Request struct {
	UserID         string
	ConversationID string // empty selects the user's active conversation
	Prompt         string
	Attachments    []llm.Attachment
	ModelOverride  string

	// OnUpdate receives the accumulated text, already split into
	// transport-sized chunks, on the flush cadence. May be nil.
	OnUpdate func(chunks []string)
}

// Result is a completed request.
type Result struct {
	ConversationID string
	Text           string
	Chunks         []string
	Spend          billing.Cost
}

// Config tunes an orchestrator. Zero values pick the defaults.
type Config struct {
	DefaultSystemPrompt string
	MaxChunkLength      int
	FlushInterval       time.Duration
	IdleTimeout         time.Duration
	MaxRetries          int
}

// Orchestrator drives one request through budget check, context load,
// optimization, streaming, and persistence.
type Orchestrator struct {
	store     *store.Store
	bill      *billing.Service
	provider  llm.Provider
	optimizer *Optimizer
	usage     *store.UsageLog // optional audit log

	defaultSystemPrompt string
	maxChunkLength      int
	flushInterval       time.Duration
	idleTimeout         time.Duration
	maxRetries          int
	log                 zerolog.Logger
}

// New creates an orchestrator.
func New(st *store.Store, bill *billing.Service, provider llm.Provider, optimizer *Optimizer, usage *store.UsageLog, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.MaxChunkLength <= 0 {
		cfg.MaxChunkLength = DefaultMaxLength
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Orchestrator{
		store:               st,
		bill:                bill,
		provider:            provider,
		optimizer:           optimizer,
		usage:               usage,
		defaultSystemPrompt: cfg.DefaultSystemPrompt,
		maxChunkLength:      cfg.MaxChunkLength,
		flushInterval:       cfg.FlushInterval,
		idleTimeout:         cfg.IdleTimeout,
		maxRetries:          cfg.MaxRetries,
		log:                 log,
	}
}

func (o *Orchestrator) providerKey() string {
	return strings.ToLower(o.provider.Name())
}

func (o *Orchestrator) currency() string {
	if o.providerKey() == "poe" {
		return billing.CurrencyPoints
	}
	return billing.CurrencyUSD
}

// Handle runs one request to completion. Persistence happens only after the
// stream finished successfully; cancellation or failure leaves the
// conversation and ledgers untouched.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ValidationError{Reason: "empty prompt"}
	}

	log := o.log.With().Str("user_id", req.UserID).Logger()
	state := StateBudgetCheck

	// BudgetCheck. A denial costs nothing.
	if !o.bill.CheckBudget(req.UserID, o.currency()) {
		budgetDenialsTotal.Inc()
		log.Info().Str("state", state.String()).Msg("budget exceeded")
		return nil, billing.ErrBudgetExceeded
	}

	// ContextLoad.
	state = StateContextLoad
	profile, err := o.store.Load(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = profile.ActiveConversationID
	}
	isNewConversation := conversationID == ""
	if isNewConversation {
		conv, err := o.store.NewConversation(req.UserID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		conversationID = conv.ID
	}

	model := req.ModelOverride
	if model == "" {
		model = profile.Model
	}
	systemPrompt := profile.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = o.defaultSystemPrompt
	}

	messages := o.buildMessages(profile, conversationID, systemPrompt, req)

	// Optimizing, best effort.
	state = StateOptimizing
	opts := o.optimizer.Optimize(ctx, req.Prompt)
	opts.Model = model

	// Live queries on Poe go through its dedicated search bot. An explicit
	// override from the user always wins.
	if opts.WebSearch && req.ModelOverride == "" && o.providerKey() == "poe" {
		opts.Model = webSearchModel
		model = webSearchModel
	}

	log = log.With().Str("conversation_id", conversationID).Str("model", model).Logger()

	// Streaming.
	state = StateStreaming
	flush := func(text string, final bool) {
		if req.OnUpdate != nil && text != "" {
			req.OnUpdate(Split(text, o.maxChunkLength))
		}
	}

	start := time.Now()
	text, usage, err := o.streamWithRetry(ctx, messages, opts, flush)
	if err != nil {
		requestsTotal.WithLabelValues(o.providerKey(), model, "error").Inc()
		log.Warn().Err(err).Str("state", state.String()).Dur("elapsed", time.Since(start)).Msg("stream failed")
		return nil, err
	}
	if text == "" {
		requestsTotal.WithLabelValues(o.providerKey(), model, "empty").Inc()
		return nil, &ValidationError{Reason: "provider returned no content"}
	}

	// Persisting.
	state = StatePersisting
	cost := o.priceRequest(model, messages, text, usage)

	if !profile.PrivateMode {
		// One write for the whole exchange; a user turn is never stored
		// without its reply.
		now := float64(time.Now().UnixNano()) / 1e9
		err := o.store.Append(req.UserID, conversationID,
			store.Message{Role: store.RoleUser, Content: req.Prompt, Timestamp: now},
			store.Message{Role: store.RoleAssistant, Content: text, Timestamp: now},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to persist exchange: %w", err)
		}
	}

	if err := o.bill.RecordSpend(ctx, req.UserID, cost); err != nil {
		log.Error().Err(err).Msg("failed to record spend")
	}
	o.recordUsage(ctx, req.UserID, model, text, usage, cost)

	if isNewConversation {
		o.setConversationTitle(ctx, req.UserID, conversationID, messages)
	}

	state = StateDone
	requestsTotal.WithLabelValues(o.providerKey(), model, "ok").Inc()
	spendTotal.WithLabelValues(cost.Currency).Add(cost.Amount)
	log.Info().
		Str("state", state.String()).
		Int("chars", len(text)).
		Float64("cost", cost.Amount).
		Dur("elapsed", time.Since(start)).
		Msg("request complete")

	return &Result{
		ConversationID: conversationID,
		Text:           text,
		Chunks:         Split(text, o.maxChunkLength),
		Spend:          cost,
	}, nil
}

// buildMessages assembles the request list: transient system prompt, stored
// history, then the new user turn. The system prompt is never persisted.
func (o *Orchestrator) buildMessages(profile *store.UserProfile, conversationID, systemPrompt string, req Request) []llm.Message {
	var messages []llm.Message
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	}

	if conv, ok := profile.Conversations[conversationID]; ok {
		for _, msg := range conv.Messages {
			messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	messages = append(messages, llm.Message{
		Role:        "user",
		Content:     req.Prompt,
		Attachments: req.Attachments,
	})
	return messages
}

// streamWithRetry consumes the provider stream, retrying retryable failures
// with exponential backoff. Each attempt restarts the accumulation; the last
// partial text is flushed before a terminal failure so it is not lost.
func (o *Orchestrator) streamWithRetry(ctx context.Context, messages []llm.Message, opts llm.RequestOptions, flush func(string, bool)) (string, *llm.TokenUsage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 15 * time.Second

	for attempt := 0; ; attempt++ {
		text, usage, err := o.streamOnce(ctx, messages, opts, flush)
		if err == nil {
			return text, usage, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return text, nil, err
		}
		if !llm.IsRetryable(err) || attempt >= o.maxRetries {
			flush(text, true)
			return text, nil, err
		}

		retriesTotal.WithLabelValues(o.providerKey()).Inc()
		wait := bo.NextBackOff()
		o.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying stream")

		select {
		case <-ctx.Done():
			return text, nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// streamOnce runs a single stream attempt, flushing accumulated text on the
// cadence and aborting when the provider goes idle.
func (o *Orchestrator) streamOnce(ctx context.Context, messages []llm.Message, opts llm.RequestOptions, flush func(string, bool)) (string, *llm.TokenUsage, error) {
	// Each attempt gets its own context so abandoning the stream also tears
	// down the provider's connection and producer goroutine.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := o.provider.StreamChat(streamCtx, messages, opts)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	dirty := false

	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(o.idleTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return sb.String(), nil, ctx.Err()

		case <-idle.C:
			return sb.String(), nil, &llm.ProviderError{
				Provider:  o.provider.Name(),
				Kind:      llm.ErrKindNetwork,
				Retryable: true,
				Err:       fmt.Errorf("no data within %s", o.idleTimeout),
			}

		case <-ticker.C:
			if dirty {
				flush(sb.String(), false)
				dirty = false
			}

		case resp, ok := <-ch:
			if !ok {
				flush(sb.String(), true)
				return sb.String(), nil, nil
			}
			if resp.Error != nil {
				return sb.String(), nil, resp.Error
			}
			resetIdle()
			if resp.Content != "" {
				sb.WriteString(resp.Content)
				dirty = true
			}
			if resp.Done {
				flush(sb.String(), true)
				return sb.String(), resp.Usage, nil
			}
		}
	}
}

// priceRequest derives the request cost, estimating token counts when the
// provider did not report usage.
func (o *Orchestrator) priceRequest(model string, messages []llm.Message, text string, usage *llm.TokenUsage) billing.Cost {
	estimated := usage == nil
	if usage == nil {
		promptChars := 0
		for _, m := range messages {
			promptChars += len(m.Content)
		}
		usage = &llm.TokenUsage{
			PromptTokens:     promptChars / 4,
			CompletionTokens: len(text) / 4,
		}
	}

	tokensTotal.WithLabelValues(o.providerKey(), model, "prompt").Add(float64(usage.PromptTokens))
	tokensTotal.WithLabelValues(o.providerKey(), model, "completion").Add(float64(usage.CompletionTokens))

	cost := o.bill.Oracle().CalculateCost(o.providerKey(), model, *usage)
	if estimated {
		cost.Estimated = true
	}
	return cost
}

func (o *Orchestrator) recordUsage(ctx context.Context, userID, model, text string, usage *llm.TokenUsage, cost billing.Cost) {
	if o.usage == nil {
		return
	}

	rec := store.UsageRecord{
		UserID:    userID,
		Provider:  o.providerKey(),
		Model:     model,
		Cost:      cost.Amount,
		Currency:  cost.Currency,
		Estimated: cost.Estimated,
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
	}
	if err := o.usage.Record(ctx, rec); err != nil {
		o.log.Warn().Err(err).Msg("failed to write usage record")
	}
}

// setConversationTitle derives a title for a fresh conversation. Failures
// are logged and ignored.
func (o *Orchestrator) setConversationTitle(ctx context.Context, userID, conversationID string, messages []llm.Message) {
	title, err := o.provider.GenerateTitle(ctx, messages)
	if err != nil || title == "" {
		o.log.Debug().Err(err).Msg("title generation skipped")
		return
	}

	err = o.store.Update(userID, func(p *store.UserProfile) error {
		if conv, ok := p.Conversations[conversationID]; ok {
			conv.Title = title
		}
		return nil
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to set conversation title")
	}
}
