package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// litellmPricesURL is a community-maintained price table covering the major
// hosted model APIs. Costs there are quoted per token.
const litellmPricesURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// Crawler fetches fresh USD rates for the oracle's dynamic overlay. A failed
// fetch returns an error and leaves the current table untouched.
type Crawler struct {
	client *resty.Client
	url    string
	log    zerolog.Logger
}

// NewCrawler creates a crawler against the LiteLLM price feed.
func NewCrawler(log zerolog.Logger) *Crawler {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)

	return &Crawler{
		client: client,
		url:    litellmPricesURL,
		log:    log,
	}
}

type litellmEntry struct {
	InputCostPerToken  *float64 `json:"input_cost_per_token"`
	OutputCostPerToken *float64 `json:"output_cost_per_token"`
	LitellmProvider    string   `json:"litellm_provider"`
}

// FetchRates downloads the price table and converts per-token costs to
// per-1M. Each model is stored under its bare name and, when the feed names a
// provider, under "provider/model" as well.
func (c *Crawler) FetchRates(ctx context.Context) (map[string]Rate, error) {
	resp, err := c.client.R().SetContext(ctx).Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricing data: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("pricing feed returned status %d", resp.StatusCode())
	}

	// The feed mixes model entries with a sample_spec entry; decode each value
	// independently and skip whatever does not parse.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode pricing data: %w", err)
	}

	rates := make(map[string]Rate)
	for modelKey, body := range raw {
		var entry litellmEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			continue
		}
		if entry.InputCostPerToken == nil || entry.OutputCostPerToken == nil {
			continue
		}

		rate := Rate{
			Input:    *entry.InputCostPerToken * 1e6,
			Output:   *entry.OutputCostPerToken * 1e6,
			Currency: CurrencyUSD,
		}

		rates[strings.ToLower(modelKey)] = rate
		if entry.LitellmProvider != "" && !strings.Contains(modelKey, "/") {
			rates[strings.ToLower(entry.LitellmProvider+"/"+modelKey)] = rate
		}
	}

	c.log.Info().Int("entries", len(rates)).Msg("fetched pricing data")
	return rates, nil
}
