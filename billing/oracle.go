package billing

import (
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"chathub/llm"
)

// Currencies a rate can be quoted in. Poe models bill in platform points,
// everything else in USD.
const (
	CurrencyUSD    = "USD"
	CurrencyPoints = "Points"
)

// Rate is the price of one model: Input and Output are per 1M tokens for USD
// models, or a flat per-message price in the Input slot for Points models.
type Rate struct {
	Input    float64
	Output   float64
	Currency string
}

// Cost is a priced request. Estimated marks costs derived from the fallback
// rate or from estimated token counts.
type Cost struct {
	Amount    float64
	Currency  string
	Estimated bool
}

// staticRates is the built-in rate card, keyed by "provider/model".
// Prices are per 1M tokens (USD) or per message (Points).
var staticRates = map[string]Rate{
	"openai/gpt-4o":         {2.50, 10.00, CurrencyUSD},
	"openai/gpt-4o-mini":    {0.15, 0.60, CurrencyUSD},
	"openai/gpt-4":          {30.00, 60.00, CurrencyUSD},
	"openai/gpt-4-turbo":    {10.00, 30.00, CurrencyUSD},
	"openai/gpt-3.5-turbo":  {0.50, 1.50, CurrencyUSD},

	"claude/claude-3-5-sonnet-latest": {3.00, 15.00, CurrencyUSD},
	"claude/claude-3-5-haiku-latest":  {0.80, 4.00, CurrencyUSD},
	"claude/claude-3-opus-latest":     {15.00, 75.00, CurrencyUSD},

	"deepseek/deepseek-chat":     {0.27, 1.10, CurrencyUSD},
	"deepseek/deepseek-reasoner": {0.55, 2.19, CurrencyUSD},

	"gemini/gemini-1.5-pro":   {3.50, 10.50, CurrencyUSD},
	"gemini/gemini-1.5-flash": {0.075, 0.30, CurrencyUSD},

	"dummy/dummy-gpt-lite": {10.0, 30.0, CurrencyUSD},

	"poe/claude-3.5-sonnet": {343.0, 0, CurrencyPoints},
	"poe/gpt-4o":            {289.0, 0, CurrencyPoints},
	"poe/gemini-1.5-pro":    {175.0, 0, CurrencyPoints},
	"poe/llama-3.1-405b":    {1800.0, 0, CurrencyPoints},
	"poe/o1-mini":           {1800.0, 0, CurrencyPoints},
	"poe/grok-beta":         {570.0, 0, CurrencyPoints},
	"poe/assistant":         {20.0, 0, CurrencyPoints},
	"poe/web-search":        {15.0, 0, CurrencyPoints},
}

// staticRateKeys holds the static card's keys in sorted order. The bare-name
// scan walks this slice so a model listed under several providers always
// resolves to the same rate.
var staticRateKeys = func() []string {
	keys := make([]string, 0, len(staticRates))
	for k := range staticRates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}()

// Fallbacks for models missing from both tables. Deliberately priced at the
// expensive end so an unknown model cannot quietly drain a budget.
var (
	defaultUSDRate    = Rate{10.00, 30.00, CurrencyUSD}
	defaultPointsRate = Rate{200.0, 0, CurrencyPoints}
)

// Oracle resolves model prices. The static card ships with the binary; the
// dynamic overlay is replaced wholesale via atomic copy-and-swap, so readers
// never see a partially updated table.
type Oracle struct {
	dynamic atomic.Value // map[string]Rate, read-only once stored
}

// NewOracle creates an oracle with an empty dynamic overlay.
func NewOracle() *Oracle {
	o := &Oracle{}
	o.dynamic.Store(map[string]Rate{})
	return o
}

// LoadDynamicRates merges rates into the dynamic overlay. Existing entries
// not present in the update are kept.
func (o *Oracle) LoadDynamicRates(rates map[string]Rate) {
	old := o.dynamic.Load().(map[string]Rate)

	merged := make(map[string]Rate, len(old)+len(rates))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range rates {
		merged[strings.ToLower(k)] = v
	}
	o.dynamic.Store(merged)
}

// UpdateRate sets the price of a single model in the dynamic overlay.
func (o *Oracle) UpdateRate(provider, model string, rate Rate) {
	key := strings.ToLower(provider) + "/" + strings.ToLower(model)
	o.LoadDynamicRates(map[string]Rate{key: rate})
}

// Price returns the rate for a model and whether it was found in a table.
// Lookup order: dynamic overlay, static card exact match, static card by bare
// model name, then the conservative default for the provider's currency.
func (o *Oracle) Price(provider, model string) (Rate, bool) {
	provider = strings.ToLower(provider)
	model = strings.ToLower(model)
	key := provider + "/" + model

	dynamic := o.dynamic.Load().(map[string]Rate)
	if rate, ok := dynamic[key]; ok {
		return rate, true
	}
	if rate, ok := dynamic[model]; ok {
		return rate, true
	}

	if rate, ok := staticRates[key]; ok {
		return rate, true
	}

	// Match by bare model name so "gpt-4o" served through another gateway
	// still prices correctly. Only rates in the provider's currency apply;
	// Poe bills points, everything else USD.
	for _, k := range staticRateKeys {
		if name := k[strings.IndexByte(k, '/')+1:]; name != model {
			continue
		}
		rate := staticRates[k]
		if (provider == "poe") != (rate.Currency == CurrencyPoints) {
			continue
		}
		return rate, true
	}

	if provider == "poe" {
		return defaultPointsRate, false
	}
	return defaultUSDRate, false
}

// CalculateCost prices a completed request. USD rates are per 1M tokens;
// Points rates bill a flat amount per message.
func (o *Oracle) CalculateCost(provider, model string, usage llm.TokenUsage) Cost {
	rate, known := o.Price(provider, model)

	var amount float64
	if rate.Currency == CurrencyPoints {
		amount = rate.Input
	} else {
		amount = float64(usage.PromptTokens)/1e6*rate.Input +
			float64(usage.CompletionTokens)/1e6*rate.Output
	}

	return Cost{
		Amount:    round6(amount),
		Currency:  rate.Currency,
		Estimated: !known,
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
