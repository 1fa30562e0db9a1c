package main

import (
	"time"

	"github.com/liamcoop/automod/engine"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/rules"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version,omitempty"`
	GuildsLoaded int    `json:"guilds_loaded"`
	Error        string `json:"error,omitempty"`
}

// EventResponse is what happened to one submitted event
type EventResponse struct {
	EventID string          `json:"event_id"`
	Kind    event.Kind      `json:"kind"`
	GuildID string          `json:"guild_id"`
	Reports []engine.Report `json:"reports"`
}

// EvaluateResponse represents a dry run of the rules against an event
type EvaluateResponse struct {
	EventID        string                   `json:"event_id"`
	Results        []rules.EvaluationResult `json:"results"`
	EvaluationTime string                   `json:"evaluation_time"`
}

// GuildsResponse lists the guilds with a loaded rule set
type GuildsResponse struct {
	Guilds []string `json:"guilds"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	GuildID string        `json:"guild_id"`
	Version int64         `json:"version"`
	Rules   []*rules.Rule `json:"rules"`
}

// HitsResponse reports how often a rule fired
type HitsResponse struct {
	RuleID    string    `json:"rule_id"`
	Hits      int64     `json:"hits"`
	CheckedAt time.Time `json:"checked_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// LogLevelRequest changes the process log level, e.g. "DEBUG"
type LogLevelRequest struct {
	Level string `json:"level"`
}

type LogLevelResponse struct {
	Level string `json:"level"`
}

// VocabularyResponse lists what rule documents may refer to
type VocabularyResponse struct {
	Triggers   []event.Kind       `json:"triggers"`
	Predicates []string           `json:"predicates"`
	Actions    []rules.ActionType `json:"actions"`
}
