package actions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionOutcomeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_action_outcomes",
	Help: "Number of actions executed, by type and outcome",
}, []string{"type", "outcome"})

var actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "automod_action_duration_sec",
	Help: "Duration of capability calls made by actions",
}, []string{"type"})

var actionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "automod_actions_in_flight",
	Help: "Number of capability calls currently in flight",
})
