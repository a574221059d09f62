package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chathub/billing"
	"chathub/crypto"
	"chathub/llm"
	"chathub/store"
	"chathub/utils"
)

// scriptedProvider plays back canned stream attempts for orchestrator tests.
type scriptedProvider struct {
	name        string
	streamCalls int32
	// releases counts producers whose stream context ended.
	releases int32

	// attempts are consumed one per StreamChat call; the last one repeats.
	attempts []scriptedAttempt
	// hang keeps the stream silent so the idle window trips.
	hang bool

	// models records the model requested by each StreamChat call.
	models []string
}

type scriptedAttempt struct {
	chunks []string
	usage  *llm.TokenUsage
	err    error
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []llm.Message, opts llm.RequestOptions) (<-chan llm.StreamResponse, error) {
	call := atomic.AddInt32(&p.streamCalls, 1)
	p.models = append(p.models, opts.Model)
	ch := make(chan llm.StreamResponse)

	go func() {
		defer close(ch)
		if p.hang {
			<-ctx.Done()
			atomic.AddInt32(&p.releases, 1)
			return
		}

		idx := int(call) - 1
		if idx >= len(p.attempts) {
			idx = len(p.attempts) - 1
		}
		attempt := p.attempts[idx]

		for _, c := range attempt.chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- llm.StreamResponse{Content: c}:
			}
		}
		if attempt.err != nil {
			ch <- llm.StreamResponse{Error: attempt.err}
			return
		}
		ch <- llm.StreamResponse{Usage: attempt.usage, Done: true}
	}()

	return ch, nil
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []llm.Message, opts llm.RequestOptions) (string, error) {
	return "", errors.New("not scripted")
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	return nil, nil
}

func (p *scriptedProvider) GenerateTitle(ctx context.Context, messages []llm.Message) (string, error) {
	return "Test Chat", nil
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "openai"
	}
	return p.name
}

func (p *scriptedProvider) ValidateConfig() error { return nil }

type orchestratorFixture struct {
	orch  *Orchestrator
	store *store.Store
	bill  *billing.Service
}

func newFixture(t *testing.T, provider llm.Provider, budget utils.BudgetConfig, cfg Config) *orchestratorFixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	enc, err := crypto.NewHelperFromHex(key)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "profiles.bolt"), enc, zerolog.Nop(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bill := billing.NewService(st, billing.NewOracle(), budget, zerolog.Nop())

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Second
	}

	orch := New(st, bill, provider, nil, nil, cfg, zerolog.Nop())
	return &orchestratorFixture{orch: orch, store: st, bill: bill}
}

func fixedUsage(prompt, completion int) *llm.TokenUsage {
	return &llm.TokenUsage{PromptTokens: prompt, CompletionTokens: completion}
}

func TestHandlePersistsExchange(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"Hello", " there"}, usage: fixedUsage(10, 5)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	res, err := f.orch.Handle(context.Background(), Request{
		UserID:         "u1",
		ConversationID: "conv_1700000000",
		Prompt:         "Hi",
		ModelOverride:  "gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.Text)
	assert.Equal(t, []string{"Hello there"}, res.Chunks)
	assert.Equal(t, billing.CurrencyUSD, res.Spend.Currency)
	assert.False(t, res.Spend.Estimated)

	profile, err := f.store.Load("u1")
	require.NoError(t, err)
	conv := profile.Conversations["conv_1700000000"]
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hi", conv.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello there", conv.Messages[1].Content)

	ledger, err := f.bill.Spend("u1")
	require.NoError(t, err)
	assert.Greater(t, ledger.USD, 0.0)
}

func TestHandleBudgetDenialCostsNothing(t *testing.T) {
	zero := 0.0
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"should not run"}},
	}}
	f := newFixture(t, p, utils.BudgetConfig{PerUserMonthlyUSD: &zero}, Config{})

	// A prior spend puts the user at the ceiling.
	require.NoError(t, f.bill.RecordSpend(context.Background(), "u1", billing.Cost{Amount: 0.01, Currency: billing.CurrencyUSD}))

	_, err := f.orch.Handle(context.Background(), Request{UserID: "u1", Prompt: "Hi"})
	require.ErrorIs(t, err, billing.ErrBudgetExceeded)

	assert.Zero(t, atomic.LoadInt32(&p.streamCalls))

	profile, err := f.store.Load("u1")
	require.NoError(t, err)
	assert.Empty(t, profile.Conversations)
}

func TestHandleEmptyPromptRejected(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{{chunks: []string{"x"}}}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	_, err := f.orch.Handle(context.Background(), Request{UserID: "u1", Prompt: "   "})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Zero(t, atomic.LoadInt32(&p.streamCalls))
}

func TestHandleUnauthorizedNotRetriedNotPersisted(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"partial"}, err: &llm.ProviderError{
			Provider: "openai",
			Kind:     llm.ErrKindUnauthorized,
		}},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	_, err := f.orch.Handle(context.Background(), Request{UserID: "u1", Prompt: "Hi"})
	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, llm.ErrKindUnauthorized, pe.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.streamCalls))

	profile, err := f.store.Load("u1")
	require.NoError(t, err)
	for _, conv := range profile.Conversations {
		assert.Empty(t, conv.Messages)
	}

	ledger, err := f.bill.Spend("u1")
	require.NoError(t, err)
	assert.Zero(t, ledger.USD)
}

func TestHandleRetryableFailureIsRetried(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{err: &llm.ProviderError{Provider: "openai", Kind: llm.ErrKindRateLimited, Retryable: true}},
		{chunks: []string{"recovered"}, usage: fixedUsage(5, 2)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{MaxRetries: 2})

	res, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "Hi", ConversationID: "conv_1", ModelOverride: "gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.streamCalls))
}

func TestHandleIdleTimeoutSurfacesRetryableError(t *testing.T) {
	p := &scriptedProvider{hang: true}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{
		IdleTimeout: 50 * time.Millisecond,
		MaxRetries:  1,
	})

	_, err := f.orch.Handle(context.Background(), Request{UserID: "u1", Prompt: "Hi"})
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.streamCalls))
}

func TestHandleIdleTimeoutTearsDownAttempt(t *testing.T) {
	p := &scriptedProvider{hang: true}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{
		IdleTimeout: 30 * time.Millisecond,
		MaxRetries:  1,
	})

	_, err := f.orch.Handle(context.Background(), Request{UserID: "u1", Prompt: "Hi"})
	require.Error(t, err)

	// Every abandoned attempt sees its stream context cancelled even though
	// the caller's context stays live; no producer is left behind.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&p.releases) == atomic.LoadInt32(&p.streamCalls)
	}, time.Second, 5*time.Millisecond)
}

func TestHandleWebSearchHintRoutesToSearchModel(t *testing.T) {
	classifier := llm.NewDummyProvider(llm.Config{})
	classifier.Response = `{"web_search": true, "thinking_level": "low", "quality": "low"}`

	p := &scriptedProvider{name: "poe", attempts: []scriptedAttempt{
		{chunks: []string{"today's headlines"}, usage: fixedUsage(3, 2)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})
	f.orch.optimizer = NewOptimizer(classifier, "dummy-gpt-lite", zerolog.Nop())

	res, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "what happened today", ConversationID: "conv_1",
	})
	require.NoError(t, err)

	require.Len(t, p.models, 1)
	assert.Equal(t, "web-search", p.models[0])
	assert.Equal(t, billing.CurrencyPoints, res.Spend.Currency)
	assert.Equal(t, 15.0, res.Spend.Amount)
}

func TestHandleModelOverrideBeatsWebSearchHint(t *testing.T) {
	classifier := llm.NewDummyProvider(llm.Config{})
	classifier.Response = `{"web_search": true, "thinking_level": "low", "quality": "low"}`

	p := &scriptedProvider{name: "poe", attempts: []scriptedAttempt{
		{chunks: []string{"reply"}, usage: fixedUsage(1, 1)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})
	f.orch.optimizer = NewOptimizer(classifier, "dummy-gpt-lite", zerolog.Nop())

	_, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "what happened today", ConversationID: "conv_1",
		ModelOverride: "claude-3.5-sonnet",
	})
	require.NoError(t, err)

	require.Len(t, p.models, 1)
	assert.Equal(t, "claude-3.5-sonnet", p.models[0])
}

func TestHandleCancellationPersistsNothing(t *testing.T) {
	p := &scriptedProvider{hang: true}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{IdleTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := f.orch.Handle(ctx, Request{UserID: "u1", Prompt: "Hi", ConversationID: "conv_1"})
	require.ErrorIs(t, err, context.Canceled)

	profile, err := f.store.Load("u1")
	require.NoError(t, err)
	for _, conv := range profile.Conversations {
		assert.Empty(t, conv.Messages)
	}

	ledger, err := f.bill.Spend("u1")
	require.NoError(t, err)
	assert.Zero(t, ledger.USD)
}

func TestHandleFlushCadence(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"a", "b", "c"}, usage: fixedUsage(1, 1)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	var updates [][]string
	_, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "Hi", ConversationID: "conv_1",
		OnUpdate: func(chunks []string) {
			updates = append(updates, chunks)
		},
	})
	require.NoError(t, err)

	// The final flush always fires with the complete text.
	require.NotEmpty(t, updates)
	assert.Equal(t, []string{"abc"}, updates[len(updates)-1])
}

func TestHandleEstimatesUsageWhenMissing(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"some response text here"}},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	res, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "Hi", ConversationID: "conv_1", ModelOverride: "gpt-4o",
	})
	require.NoError(t, err)
	assert.True(t, res.Spend.Estimated)
}

func TestHandleNewConversationGetsCreatedAndTitled(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"reply"}, usage: fixedUsage(1, 1)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	res, err := f.orch.Handle(context.Background(), Request{UserID: "u1", Prompt: "Hi"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)

	profile, err := f.store.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, res.ConversationID, profile.ActiveConversationID)
	conv := profile.Conversations[res.ConversationID]
	require.NotNil(t, conv)
	assert.Equal(t, "Test Chat", conv.Title)
	assert.Len(t, conv.Messages, 2)
}

func TestHandlePrivateModeSkipsHistory(t *testing.T) {
	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{"reply"}, usage: fixedUsage(1, 1)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	require.NoError(t, f.store.SetPrivateMode("u1", true))

	res, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "Hi", ConversationID: "conv_1", ModelOverride: "gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, "reply", res.Text)

	profile, err := f.store.Load("u1")
	require.NoError(t, err)
	for _, conv := range profile.Conversations {
		assert.Empty(t, conv.Messages)
	}

	// Spend is still recorded.
	ledger, err := f.bill.Spend("u1")
	require.NoError(t, err)
	assert.Greater(t, ledger.USD, 0.0)
}

func TestHandleLongReplyIsSplit(t *testing.T) {
	long := make([]byte, 0, 5000)
	for i := 0; i < 250; i++ {
		long = append(long, []byte("twenty characters.. ")...)
	}

	p := &scriptedProvider{attempts: []scriptedAttempt{
		{chunks: []string{string(long)}, usage: fixedUsage(1, 1)},
	}}
	f := newFixture(t, p, utils.BudgetConfig{}, Config{})

	res, err := f.orch.Handle(context.Background(), Request{
		UserID: "u1", Prompt: "Hi", ConversationID: "conv_1",
	})
	require.NoError(t, err)
	assert.Greater(t, len(res.Chunks), 1)
	assert.Equal(t, string(long), reconstruct(res.Chunks))
}
