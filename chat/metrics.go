package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_requests_total",
		Help: "Chat requests by provider, model and outcome.",
	}, []string{"provider", "model", "status"})

	budgetDenialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chathub_budget_denials_total",
		Help: "Requests rejected by the budget gate.",
	})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_tokens_total",
		Help: "Tokens consumed by provider, model and direction.",
	}, []string{"provider", "model", "direction"})

	spendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_spend_total",
		Help: "Cumulative spend by currency.",
	}, []string{"currency"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_stream_retries_total",
		Help: "Stream attempts retried after a retryable provider failure.",
	}, []string{"provider"})
)
