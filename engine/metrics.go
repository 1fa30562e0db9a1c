package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "automod_event_duration_sec",
	Help: "Total duration of rule dispatch for one event",
}, []string{"kind"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_event_processed",
	Help: "Number of events dispatched",
}, []string{"kind"})

var ruleEvaluationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rule_evaluations",
	Help: "Number of rule evaluations, by stage and condition result",
}, []string{"stage", "result"})

var ruleFiredCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rules_fired",
	Help: "Number of rules whose actions ran",
}, []string{"kind"})

var rulePanicCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_rule_panics",
	Help: "Number of rule evaluations aborted by a panic",
})

var hitCounterErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_hit_counter_errors",
	Help: "Number of failed rule hit counter updates",
})
