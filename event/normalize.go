package event

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type requirement uint8

const (
	needChannel requirement = 1 << iota
	needMessage
	needAuthor
	needMember
	needUser
	needReaction
	needActor
	needThread
)

var kindRequirements = map[Kind][]requirement{
	KindMessageCreated:  {needChannel, needMessage, needAuthor},
	KindMessageUpdated:  {needChannel, needMessage, needAuthor},
	KindMessageDeleted:  {needChannel, needMessage},
	KindMemberJoined:    {needMember},
	KindMemberLeft:      {needMember},
	KindMemberUpdated:   {needMember},
	KindUserBanned:      {needUser},
	KindUserUpdated:     {needUser},
	KindReactionAdded:   {needChannel, needMessage, needReaction, needActor},
	KindReactionRemoved: {needChannel, needMessage, needReaction, needActor},
	KindThreadCreated:   {needThread},
	KindThreadUpdated:   {needThread},
	KindThreadRemoved:   {needThread},
	KindChannelDeleted:  {needChannel},
}

var threadTypes = map[string]bool{
	"thread":         true,
	"public_thread":  true,
	"private_thread": true,
	"news_thread":    true,
}

// Normalizer turns raw platform events into Contexts
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithClock overrides the capture clock used for derived durations
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithIDGenerator overrides how event IDs are assigned
func WithIDGenerator(f func() string) Option {
	return func(n *Normalizer) {
		n.newID = f
	}
}

// NewNormalizer creates a normalizer using the wall clock and random UUIDs
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeBytes decodes and normalizes in one step
func (n *Normalizer) NormalizeBytes(data []byte) (*Context, error) {
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return n.Normalize(raw)
}

// Normalize validates a raw event and builds its Context. Derived fields
// are computed once here, against the capture clock.
func (n *Normalizer) Normalize(raw *Raw) (*Context, error) {
	if raw == nil {
		return nil, &NormalizationError{Reason: "nil event"}
	}

	kind := Kind(raw.Type)
	if !kind.Valid() {
		return nil, &NormalizationError{Kind: raw.Type, Field: "type", Reason: "unknown event kind"}
	}
	if raw.GuildID == "" {
		return nil, &NormalizationError{Kind: raw.Type, Field: "guild_id", Reason: "required"}
	}

	fail := func(field, reason string, err error) error {
		return &NormalizationError{Kind: raw.Type, Field: field, Reason: reason, Err: err}
	}

	capturedAt := n.now().UTC()
	ts := capturedAt
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return nil, fail("timestamp", "malformed timestamp", err)
		}
		ts = parsed.UTC()
	}

	// A thread delivered as the channel is also the thread, and vice versa
	channel, thread := raw.Channel, raw.Thread
	if channel != nil && thread == nil && threadTypes[channel.Type] {
		thread = channel
	}
	if thread != nil && channel == nil {
		channel = thread
	}
	user := raw.User
	if user == nil {
		user = raw.Member
	}

	for _, req := range kindRequirements[kind] {
		var present bool
		var field string
		switch req {
		case needChannel:
			present, field = channel != nil, "channel"
		case needMessage:
			present, field = raw.Message != nil, "message"
		case needAuthor:
			present, field = raw.Author != nil, "author"
		case needMember:
			present, field = raw.Member != nil, "member"
		case needUser:
			present, field = user != nil, "user"
		case needReaction:
			present, field = raw.Reaction != nil, "reaction"
		case needActor:
			present, field = raw.Actor != nil, "actor"
		case needThread:
			present, field = thread != nil, "thread"
		}
		if !present {
			return nil, fail(field, fmt.Sprintf("required for %s events", kind), nil)
		}
	}

	id := raw.ID
	if id == "" {
		id = n.newID()
	}

	fields := map[string]any{
		"kind":      string(kind),
		"timestamp": ts.Format(time.RFC3339),
		"event":     map[string]any{"id": id},
	}

	guild := map[string]any{"id": raw.GuildID}
	var botTop *int
	if raw.Guild != nil {
		if raw.Guild.Name != "" {
			guild["name"] = raw.Guild.Name
		}
		if raw.Guild.BotTopRolePosition != nil {
			botTop = raw.Guild.BotTopRolePosition
			guild["bot_top_role_position"] = int64(*botTop)
		}
	}
	fields["guild"] = guild

	if channel != nil {
		ch, err := channelFields(channel)
		if err != nil {
			return nil, fail("channel", err.Error(), nil)
		}
		fields["channel"] = ch
	}

	mb := memberBuilder{selfID: raw.SelfID, botTop: botTop, now: capturedAt}

	if thread != nil {
		th, err := threadFields(thread, mb)
		if err != nil {
			return nil, fail("thread", err.Error(), nil)
		}
		fields["thread"] = th
	}

	if raw.Message != nil {
		msg, err := messageFields(raw.Message)
		if err != nil {
			return nil, fail("message", err.Error(), nil)
		}
		if raw.Before != nil && raw.Before.Content != nil {
			msg["before"] = map[string]any{"content": *raw.Before.Content}
		}
		fields["message"] = msg
	}

	for _, entry := range []struct {
		name string
		m    *RawMember
	}{
		{"author", raw.Author},
		{"actor", raw.Actor},
		{"member", raw.Member},
		{"user", user},
	} {
		name, m := entry.name, entry.m
		if m == nil {
			continue
		}
		mf, err := mb.fields(m)
		if err != nil {
			return nil, fail(name+"."+err.field, err.reason, err.err)
		}
		fields[name] = mf
	}

	if raw.Reaction != nil {
		if raw.Reaction.Emoji == "" {
			return nil, fail("reaction.emoji", "required", nil)
		}
		reaction := map[string]any{"emoji": raw.Reaction.Emoji}
		if raw.Reaction.Count != nil {
			reaction["count"] = int64(*raw.Reaction.Count)
		}
		fields["reaction"] = reaction
	}

	if len(raw.Payload) > 0 {
		fields["raw"] = copyMap(raw.Payload)
	}

	return &Context{
		ID:         id,
		Kind:       kind,
		Scope:      raw.GuildID,
		Timestamp:  ts,
		CapturedAt: capturedAt,
		fields:     fields,
	}, nil
}

func channelFields(ch *RawChannel) (map[string]any, error) {
	if ch.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	out := map[string]any{
		"id":        ch.ID,
		"mention":   "<#" + ch.ID + ">",
		"is_thread": threadTypes[ch.Type],
	}
	if ch.Name != "" {
		out["name"] = ch.Name
	}
	if ch.Type != "" {
		out["type"] = ch.Type
		out["root_type"] = ch.Type
	}
	if ch.Parent != nil && ch.Parent.ID != "" {
		parent := map[string]any{"id": ch.Parent.ID}
		if ch.Parent.Name != "" {
			parent["name"] = ch.Parent.Name
		}
		if ch.Parent.Type != "" {
			parent["type"] = ch.Parent.Type
			if threadTypes[ch.Type] {
				out["root_type"] = ch.Parent.Type
			}
		}
		out["parent"] = parent
	}
	return out, nil
}

func threadFields(th *RawChannel, mb memberBuilder) (map[string]any, error) {
	out, err := channelFields(th)
	if err != nil {
		return nil, err
	}
	if th.Archived != nil {
		out["archived"] = *th.Archived
	}
	if th.Locked != nil {
		out["locked"] = *th.Locked
	}
	if th.SlowmodeDelay != nil {
		out["slowmode_delay"] = int64(*th.SlowmodeDelay)
	}
	if th.AutoArchiveDuration != nil {
		out["auto_archive_duration"] = int64(*th.AutoArchiveDuration)
	}
	if th.Owner != nil {
		owner, ferr := mb.fields(th.Owner)
		if ferr != nil {
			return nil, fmt.Errorf("owner.%s: %s", ferr.field, ferr.reason)
		}
		out["owner"] = owner
	}
	return out, nil
}

func messageFields(m *RawMessage) (map[string]any, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	out := map[string]any{
		"id":               m.ID,
		"attachment_count": int64(len(m.Attachments)),
		"mention_count":    int64(len(m.Mentions)),
	}
	if m.Content != nil {
		out["content"] = *m.Content
		out["length"] = int64(utf8.RuneCountInString(*m.Content))
	}
	if m.CleanContent != nil {
		out["clean_content"] = *m.CleanContent
	}
	if m.JumpURL != "" {
		out["jump_url"] = m.JumpURL
	}
	if len(m.Attachments) > 0 {
		out["attachments"] = stringsToAny(m.Attachments)
	}
	if len(m.Mentions) > 0 {
		out["mentions"] = stringsToAny(m.Mentions)
	}
	return out, nil
}

type memberBuilder struct {
	selfID string
	botTop *int
	now    time.Time
}

type fieldError struct {
	field  string
	reason string
	err    error
}

func (mb memberBuilder) fields(m *RawMember) (map[string]any, *fieldError) {
	if m.ID == "" {
		return nil, &fieldError{field: "id", reason: "required"}
	}
	out := map[string]any{
		"id":      m.ID,
		"mention": "<@" + m.ID + ">",
	}
	if m.Username != "" {
		out["username"] = m.Username
		out["name"] = m.Username
	}
	if m.Nick != "" {
		out["nick"] = m.Nick
	}
	switch {
	case m.DisplayName != "":
		out["display_name"] = m.DisplayName
	case m.Nick != "":
		out["display_name"] = m.Nick
	case m.Username != "":
		out["display_name"] = m.Username
	}
	if m.Bot != nil {
		out["is_bot"] = *m.Bot
	}
	if mb.selfID != "" {
		out["is_self"] = m.ID == mb.selfID
	}
	if m.Roles != nil {
		out["roles"] = stringsToAny(m.Roles)
	}
	if m.Administrator != nil {
		out["administrator"] = *m.Administrator
	}
	if m.TopRolePosition != nil {
		out["top_role_position"] = int64(*m.TopRolePosition)
	}
	if elevated, known := mb.elevated(m); known {
		out["elevated"] = elevated
	}

	if m.JoinedAt != "" {
		joined, err := time.Parse(time.RFC3339Nano, m.JoinedAt)
		if err != nil {
			return nil, &fieldError{field: "joined_at", reason: "malformed timestamp", err: err}
		}
		since := mb.now.Sub(joined)
		out["joined_at"] = joined.Unix()
		out["member_for_seconds"] = int64(since / time.Second)
		out["member_for"] = humanDuration(since)
	}
	if m.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
		if err != nil {
			return nil, &fieldError{field: "created_at", reason: "malformed timestamp", err: err}
		}
		out["created_at"] = created.Unix()
		out["account_age_seconds"] = int64(mb.now.Sub(created) / time.Second)
	}
	return out, nil
}

// elevated is true for administrators and for members whose top role is at
// or above the bot's. It is unknown unless enough facts were reported.
func (mb memberBuilder) elevated(m *RawMember) (bool, bool) {
	if m.Administrator != nil && *m.Administrator {
		return true, true
	}
	if m.TopRolePosition == nil || mb.botTop == nil {
		return false, false
	}
	if *m.TopRolePosition >= *mb.botTop {
		return true, true
	}
	if m.Administrator == nil {
		return false, false
	}
	return false, true
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	if days >= 7 {
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d / time.Hour)
	minutes := int(d/time.Minute) % 60
	return fmt.Sprintf("%d hours, %d minutes", hours, minutes)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
