// Package metrics exposes internal Prometheus counters. Exporting them to
// a scrape endpoint is the embedding process's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DebatesCompleted counts finished debates by outcome.
	DebatesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_debates_completed_total",
		Help: "Completed debates by outcome.",
	}, []string{"outcome"})

	// VoteParseFallbacks counts votes that needed the heuristic parser or
	// defaulted to reject. The conservative default biases against noisy
	// providers, so it must stay visible.
	VoteParseFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_vote_parse_fallbacks_total",
		Help: "Vote replies parsed without the canonical VOTE marker.",
	}, []string{"kind"})

	// QuotaDenials counts quota gate denials by provider.
	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_quota_denials_total",
		Help: "Supervisor calls skipped by the quota gate.",
	}, []string{"provider"})

	// SessionRestarts counts health-monitor restart attempts by result.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_session_restarts_total",
		Help: "Session restart attempts by result.",
	}, []string{"result"})
)
