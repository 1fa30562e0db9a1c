// Package capability is the boundary between the rule engine and the chat
// platform. Every side effect an action can have goes through Capability.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capability performs moderation and messaging operations on the platform
type Capability interface {
	SendMessage(ctx context.Context, channelID, content string) error
	Reply(ctx context.Context, channelID, messageID, content string) error
	SendDirectMessage(ctx context.Context, userID, content string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string, deleteMessageSeconds int) error
	AddRoles(ctx context.Context, guildID, userID string, roles []string, reason string) error
	RemoveRoles(ctx context.Context, guildID, userID string, roles []string, reason string) error
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error
	AddReactions(ctx context.Context, channelID, messageID string, emoji []string) error
}

// Op names a capability operation
type Op string

const (
	OpSendMessage       Op = "send_message"
	OpReply             Op = "reply"
	OpSendDirectMessage Op = "send_direct_message"
	OpKick              Op = "kick"
	OpBan               Op = "ban"
	OpAddRoles          Op = "add_roles"
	OpRemoveRoles       Op = "remove_roles"
	OpDeleteMessage     Op = "delete_message"
	OpAddReactions      Op = "add_reactions"
)

// Request is one capability call in a transport-neutral form
type Request struct {
	Op                   Op       `json:"op"`
	GuildID              string   `json:"guild_id,omitempty"`
	ChannelID            string   `json:"channel_id,omitempty"`
	MessageID            string   `json:"message_id,omitempty"`
	UserID               string   `json:"user_id,omitempty"`
	Content              string   `json:"content,omitempty"`
	Reason               string   `json:"reason,omitempty"`
	Roles                []string `json:"roles,omitempty"`
	Emoji                []string `json:"emoji,omitempty"`
	DeleteMessageSeconds int      `json:"delete_message_seconds,omitempty"`
}

// Kind classifies platform failures
type Kind string

const (
	KindNotFound    Kind = "not-found"
	KindForbidden   Kind = "forbidden"
	KindRateLimited Kind = "rate-limited"
	KindUnavailable Kind = "unavailable"
)

// Error is the failure type of every Capability implementation
type Error struct {
	Kind Kind
	Op   Op
	// RetryAfter is set for rate-limited failures when the platform says
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a capability Error of the given kind
func IsKind(err error, kind Kind) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == kind
}

// Handler executes requests. Capabilities built on a Handler translate
// each method call into a Request.
type Handler func(ctx context.Context, req Request) error

func (h Handler) SendMessage(ctx context.Context, channelID, content string) error {
	return h(ctx, Request{Op: OpSendMessage, ChannelID: channelID, Content: content})
}

func (h Handler) Reply(ctx context.Context, channelID, messageID, content string) error {
	return h(ctx, Request{Op: OpReply, ChannelID: channelID, MessageID: messageID, Content: content})
}

func (h Handler) SendDirectMessage(ctx context.Context, userID, content string) error {
	return h(ctx, Request{Op: OpSendDirectMessage, UserID: userID, Content: content})
}

func (h Handler) Kick(ctx context.Context, guildID, userID, reason string) error {
	return h(ctx, Request{Op: OpKick, GuildID: guildID, UserID: userID, Reason: reason})
}

func (h Handler) Ban(ctx context.Context, guildID, userID, reason string, deleteMessageSeconds int) error {
	return h(ctx, Request{Op: OpBan, GuildID: guildID, UserID: userID, Reason: reason, DeleteMessageSeconds: deleteMessageSeconds})
}

func (h Handler) AddRoles(ctx context.Context, guildID, userID string, roles []string, reason string) error {
	return h(ctx, Request{Op: OpAddRoles, GuildID: guildID, UserID: userID, Roles: roles, Reason: reason})
}

func (h Handler) RemoveRoles(ctx context.Context, guildID, userID string, roles []string, reason string) error {
	return h(ctx, Request{Op: OpRemoveRoles, GuildID: guildID, UserID: userID, Roles: roles, Reason: reason})
}

func (h Handler) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	return h(ctx, Request{Op: OpDeleteMessage, ChannelID: channelID, MessageID: messageID, Reason: reason})
}

func (h Handler) AddReactions(ctx context.Context, channelID, messageID string, emoji []string) error {
	return h(ctx, Request{Op: OpAddReactions, ChannelID: channelID, MessageID: messageID, Emoji: emoji})
}

// Invoke performs req against c by calling the matching method
func Invoke(ctx context.Context, c Capability, req Request) error {
	switch req.Op {
	case OpSendMessage:
		return c.SendMessage(ctx, req.ChannelID, req.Content)
	case OpReply:
		return c.Reply(ctx, req.ChannelID, req.MessageID, req.Content)
	case OpSendDirectMessage:
		return c.SendDirectMessage(ctx, req.UserID, req.Content)
	case OpKick:
		return c.Kick(ctx, req.GuildID, req.UserID, req.Reason)
	case OpBan:
		return c.Ban(ctx, req.GuildID, req.UserID, req.Reason, req.DeleteMessageSeconds)
	case OpAddRoles:
		return c.AddRoles(ctx, req.GuildID, req.UserID, req.Roles, req.Reason)
	case OpRemoveRoles:
		return c.RemoveRoles(ctx, req.GuildID, req.UserID, req.Roles, req.Reason)
	case OpDeleteMessage:
		return c.DeleteMessage(ctx, req.ChannelID, req.MessageID, req.Reason)
	case OpAddReactions:
		return c.AddReactions(ctx, req.ChannelID, req.MessageID, req.Emoji)
	default:
		return fmt.Errorf("unknown capability op %q", req.Op)
	}
}
