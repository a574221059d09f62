package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `{
	"sample_spec": {"max_tokens": "set to max output tokens"},
	"gpt-4o": {
		"input_cost_per_token": 0.0000025,
		"output_cost_per_token": 0.00001,
		"litellm_provider": "openai"
	},
	"claude-3-5-sonnet-latest": {
		"input_cost_per_token": 0.000003,
		"output_cost_per_token": 0.000015,
		"litellm_provider": "anthropic"
	},
	"free-model": {
		"litellm_provider": "openai"
	}
}`

func newTestCrawler(t *testing.T, handler http.HandlerFunc) *Crawler {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewCrawler(zerolog.Nop())
	c.url = srv.URL
	c.client.SetRetryCount(0)
	return c
}

func TestCrawlerFetchRates(t *testing.T) {
	c := newTestCrawler(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleFeed)
	})

	rates, err := c.FetchRates(context.Background())
	require.NoError(t, err)

	// Per-token costs come back per 1M, under both bare and prefixed keys.
	rate, ok := rates["gpt-4o"]
	require.True(t, ok)
	assert.InDelta(t, 2.50, rate.Input, 1e-9)
	assert.InDelta(t, 10.00, rate.Output, 1e-9)
	assert.Equal(t, CurrencyUSD, rate.Currency)

	_, ok = rates["openai/gpt-4o"]
	assert.True(t, ok)

	// Entries without both costs are skipped, as is the sample_spec blurb.
	_, ok = rates["free-model"]
	assert.False(t, ok)
	_, ok = rates["sample_spec"]
	assert.False(t, ok)
}

func TestCrawlerFetchRatesServerError(t *testing.T) {
	c := newTestCrawler(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	_, err := c.FetchRates(context.Background())
	assert.Error(t, err)
}

func TestCrawlerFailureLeavesOracleUntouched(t *testing.T) {
	c := newTestCrawler(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})

	o := NewOracle()
	o.LoadDynamicRates(map[string]Rate{"x/y": {1, 2, CurrencyUSD}})

	if rates, err := c.FetchRates(context.Background()); err == nil {
		o.LoadDynamicRates(rates)
	}

	rate, known := o.Price("x", "y")
	require.True(t, known)
	assert.Equal(t, 1.0, rate.Input)
}
