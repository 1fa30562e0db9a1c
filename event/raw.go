package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Raw is the wire shape of an incoming platform event
type Raw struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	GuildID   string         `json:"guild_id"`
	Timestamp string         `json:"timestamp,omitempty"`
	SelfID    string         `json:"self_id,omitempty"`
	Guild     *RawGuild      `json:"guild,omitempty"`
	Channel   *RawChannel    `json:"channel,omitempty"`
	Thread    *RawChannel    `json:"thread,omitempty"`
	Message   *RawMessage    `json:"message,omitempty"`
	Before    *RawMessage    `json:"before,omitempty"`
	Author    *RawMember     `json:"author,omitempty"`
	Actor     *RawMember     `json:"actor,omitempty"`
	Member    *RawMember     `json:"member,omitempty"`
	User      *RawMember     `json:"user,omitempty"`
	Reaction  *RawReaction   `json:"reaction,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type RawGuild struct {
	Name               string `json:"name,omitempty"`
	BotTopRolePosition *int   `json:"bot_top_role_position,omitempty"`
}

type RawChannel struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name,omitempty"`
	Type                string      `json:"type,omitempty"`
	Parent              *RawChannel `json:"parent,omitempty"`
	Archived            *bool       `json:"archived,omitempty"`
	Locked              *bool       `json:"locked,omitempty"`
	SlowmodeDelay       *int        `json:"slowmode_delay,omitempty"`
	AutoArchiveDuration *int        `json:"auto_archive_duration,omitempty"`
	Owner               *RawMember  `json:"owner,omitempty"`
}

type RawMessage struct {
	ID           string   `json:"id"`
	Content      *string  `json:"content,omitempty"`
	CleanContent *string  `json:"clean_content,omitempty"`
	JumpURL      string   `json:"jump_url,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
	Mentions     []string `json:"mentions,omitempty"`
}

// RawMember describes a user, optionally with guild membership details.
// Pointer fields distinguish "not reported" from zero values.
type RawMember struct {
	ID              string   `json:"id"`
	Username        string   `json:"username,omitempty"`
	DisplayName     string   `json:"display_name,omitempty"`
	Nick            string   `json:"nick,omitempty"`
	Bot             *bool    `json:"bot,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	Administrator   *bool    `json:"administrator,omitempty"`
	TopRolePosition *int     `json:"top_role_position,omitempty"`
	JoinedAt        string   `json:"joined_at,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
}

type RawReaction struct {
	Emoji string `json:"emoji"`
	Count *int   `json:"count,omitempty"`
}

// Decode parses wire bytes into a Raw event
func Decode(data []byte) (*Raw, error) {
	var raw Raw
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, &NormalizationError{Reason: "malformed event payload", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &NormalizationError{Reason: "malformed event payload", Err: fmt.Errorf("trailing data after event")}
	}
	return &raw, nil
}
