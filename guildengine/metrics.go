package guildengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var normalizationErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_normalization_errors",
	Help: "Number of dropped malformed events, by offending field",
}, []string{"field"})

var persistenceErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_persistence_errors",
	Help: "Number of failed rule store operations",
}, []string{"op"})

var ruleMutationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rule_mutations",
	Help: "Number of applied rule set changes",
}, []string{"op"})
