package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liamcoop/automod/capability"
	"github.com/liamcoop/automod/rules"
)

// handler performs one action type. stop asks the executor to skip the
// remaining actions of the rule.
type handler func(inv *invocation) (stop bool, err error)

var handlers = map[rules.ActionType]handler{
	rules.ActionLog:           logAction,
	rules.ActionReply:         reply,
	rules.ActionSendMessage:   sendMessage,
	rules.ActionDirectMessage: directMessage,
	rules.ActionKick:          kick,
	rules.ActionBan:           ban,
	rules.ActionAddRoles:      addRoles,
	rules.ActionRemoveRoles:   removeRoles,
	rules.ActionDeleteMessage: deleteMessage,
	rules.ActionAddReactions:  addReactions,
	rules.ActionStop:          stopPipeline,
}

var logLevels = map[string]slog.Level{
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func logAction(inv *invocation) (bool, error) {
	content := inv.render("content")
	level, ok := logLevels[inv.spec.StringParam("level")]
	if !ok {
		level = slog.LevelInfo
	}
	inv.x.logger.Log(inv.ctx, level, "rule log", "content", content, "event", inv.ectx.ID, "scope", inv.ectx.Scope)

	if inv.spec.Template("channel_id") == nil {
		return false, nil
	}
	channelID := inv.render("channel_id")
	if channelID == "" {
		return false, fmt.Errorf("%w: log channel", ErrMissingContext)
	}
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.SendMessage(ctx, channelID, content)
	})
}

func reply(inv *invocation) (bool, error) {
	channelID, err := inv.require("channel.id")
	if err != nil {
		return false, err
	}
	messageID, err := inv.require("message.id")
	if err != nil {
		return false, err
	}
	content := inv.render("content")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.Reply(ctx, channelID, messageID, content)
	})
}

func sendMessage(inv *invocation) (bool, error) {
	channelID := inv.render("channel_id")
	if channelID == "" {
		return false, fmt.Errorf("%w: channel_id rendered empty", ErrMissingContext)
	}
	content := inv.render("content")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.SendMessage(ctx, channelID, content)
	})
}

func directMessage(inv *invocation) (bool, error) {
	userID, err := inv.targetID()
	if err != nil {
		return false, err
	}
	content := inv.render("content")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.SendDirectMessage(ctx, userID, content)
	})
}

func kick(inv *invocation) (bool, error) {
	userID, err := inv.targetID()
	if err != nil {
		return false, err
	}
	guildID, reason := inv.guildID(), inv.render("reason")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.Kick(ctx, guildID, userID, reason)
	})
}

func ban(inv *invocation) (bool, error) {
	userID, err := inv.targetID()
	if err != nil {
		return false, err
	}
	guildID, reason := inv.guildID(), inv.render("reason")
	seconds := int(inv.spec.NumberParam("delete_message_seconds"))
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.Ban(ctx, guildID, userID, reason, seconds)
	})
}

func addRoles(inv *invocation) (bool, error) {
	userID, err := inv.targetID()
	if err != nil {
		return false, err
	}
	guildID, reason, roles := inv.guildID(), inv.render("reason"), inv.spec.StringList("roles")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.AddRoles(ctx, guildID, userID, roles, reason)
	})
}

func removeRoles(inv *invocation) (bool, error) {
	userID, err := inv.targetID()
	if err != nil {
		return false, err
	}
	guildID, reason, roles := inv.guildID(), inv.render("reason"), inv.spec.StringList("roles")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.RemoveRoles(ctx, guildID, userID, roles, reason)
	})
}

// deleteMessage stops the pipeline unless continue is set, since a reply to
// a deleted message cannot be delivered
func deleteMessage(inv *invocation) (bool, error) {
	channelID, err := inv.require("channel.id")
	if err != nil {
		return false, err
	}
	messageID, err := inv.require("message.id")
	if err != nil {
		return false, err
	}
	reason := inv.render("reason")
	err = inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.DeleteMessage(ctx, channelID, messageID, reason)
	})
	if err != nil {
		return false, err
	}
	return !inv.spec.Flag("continue"), nil
}

func addReactions(inv *invocation) (bool, error) {
	channelID, err := inv.require("channel.id")
	if err != nil {
		return false, err
	}
	messageID, err := inv.require("message.id")
	if err != nil {
		return false, err
	}
	emoji := inv.spec.StringList("reactions")
	return false, inv.call(func(ctx context.Context, c capability.Capability) error {
		return c.AddReactions(ctx, channelID, messageID, emoji)
	})
}

func stopPipeline(*invocation) (bool, error) {
	return true, nil
}
