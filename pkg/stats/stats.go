// Package stats exposes aggregate pipeline counters for the statistics
// collaborator via Prometheus.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulwark_messages_total",
			Help: "Messages evaluated, by resolved action",
		},
		[]string{"action"},
	)

	RuleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulwark_rule_hits_total",
			Help: "Heuristic rule matches",
		},
		[]string{"rule", "category"},
	)

	Reviews = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulwark_review_total",
			Help: "LLM review outcomes, by result kind",
		},
		[]string{"result"},
	)

	AutoBans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulwark_autoban_total",
			Help: "Automatic bans issued by the repeat-offense policy",
		},
	)

	DefenseMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulwark_defense_mode",
			Help: "Active defense mode (0=sentry 1=aegis 2=scorch 3=intercept)",
		},
	)
)
