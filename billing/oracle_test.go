package billing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chathub/llm"
)

func TestOracleExactMatch(t *testing.T) {
	o := NewOracle()

	cost := o.CalculateCost("openai", "gpt-4o", llm.TokenUsage{
		PromptTokens:     1_000_000,
		CompletionTokens: 1_000_000,
	})
	assert.Equal(t, 12.50, cost.Amount)
	assert.Equal(t, CurrencyUSD, cost.Currency)
	assert.False(t, cost.Estimated)
}

func TestOracleCaseInsensitive(t *testing.T) {
	o := NewOracle()

	rate, known := o.Price("OpenAI", "GPT-4o")
	require.True(t, known)
	assert.Equal(t, 2.50, rate.Input)
}

func TestOraclePartialModelMatch(t *testing.T) {
	o := NewOracle()

	// Bare model name known to the card, served through an unlisted gateway.
	rate, known := o.Price("someproxy", "gpt-4o")
	require.True(t, known)
	assert.Equal(t, 2.50, rate.Input)
}

func TestOraclePartialMatchFiltersByCurrency(t *testing.T) {
	o := NewOracle()

	// gpt-4o sits in the card under both openai (USD) and poe (Points).
	// A USD provider must never pick up the points rate, and vice versa.
	rate, known := o.Price("someproxy", "gpt-4o")
	require.True(t, known)
	assert.Equal(t, CurrencyUSD, rate.Currency)
	assert.Equal(t, 2.50, rate.Input)

	rate, known = o.Price("poe", "gemini-1.5-pro")
	require.True(t, known)
	assert.Equal(t, CurrencyPoints, rate.Currency)
	assert.Equal(t, 175.0, rate.Input)
}

func TestOracleUnknownModelIsEstimated(t *testing.T) {
	o := NewOracle()

	cost := o.CalculateCost("openai", "gpt-99-ultra", llm.TokenUsage{
		PromptTokens:     1_000_000,
		CompletionTokens: 0,
	})
	assert.True(t, cost.Estimated)
	assert.Equal(t, defaultUSDRate.Input, cost.Amount)
}

func TestOraclePoeBillsFlatPoints(t *testing.T) {
	o := NewOracle()

	cost := o.CalculateCost("poe", "gpt-4o", llm.TokenUsage{
		PromptTokens:     500,
		CompletionTokens: 500,
	})
	assert.Equal(t, CurrencyPoints, cost.Currency)
	assert.Equal(t, 289.0, cost.Amount)
	assert.False(t, cost.Estimated)
}

func TestOraclePoeUnknownModelDefault(t *testing.T) {
	o := NewOracle()

	cost := o.CalculateCost("poe", "mystery-bot", llm.TokenUsage{})
	assert.Equal(t, CurrencyPoints, cost.Currency)
	assert.Equal(t, 200.0, cost.Amount)
	assert.True(t, cost.Estimated)
}

func TestOracleDynamicOverlayWins(t *testing.T) {
	o := NewOracle()
	o.LoadDynamicRates(map[string]Rate{
		"openai/gpt-4o": {5.00, 20.00, CurrencyUSD},
	})

	rate, known := o.Price("openai", "gpt-4o")
	require.True(t, known)
	assert.Equal(t, 5.00, rate.Input)

	// Static entries not touched by the overlay still resolve.
	rate, known = o.Price("openai", "gpt-4o-mini")
	require.True(t, known)
	assert.Equal(t, 0.15, rate.Input)
}

func TestOracleUpdateRate(t *testing.T) {
	o := NewOracle()
	o.UpdateRate("custom", "my-model", Rate{1.00, 2.00, CurrencyUSD})

	cost := o.CalculateCost("custom", "my-model", llm.TokenUsage{
		PromptTokens:     2_000_000,
		CompletionTokens: 1_000_000,
	})
	assert.Equal(t, 4.00, cost.Amount)
	assert.False(t, cost.Estimated)
}

func TestOracleConcurrentReadersAndWriters(t *testing.T) {
	o := NewOracle()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				o.LoadDynamicRates(map[string]Rate{
					"x/y": {1, 2, CurrencyUSD},
				})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				o.Price("openai", "gpt-4o")
				o.Price("x", "y")
			}
		}()
	}
	wg.Wait()
}

func TestOracleCostRounding(t *testing.T) {
	o := NewOracle()

	cost := o.CalculateCost("openai", "gpt-4o-mini", llm.TokenUsage{
		PromptTokens:     333,
		CompletionTokens: 777,
	})
	// 333/1e6*0.15 + 777/1e6*0.60 rounded to 6 places.
	assert.Equal(t, 0.000516, cost.Amount)
}
