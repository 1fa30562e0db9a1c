package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automod/actions"
	"github.com/liamcoop/automod/capability"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
)

const noLinksRule = `{
	"id": "no-links",
	"trigger": "message-created",
	"conditions": {"all": [
		{"predicate": "author_is_bot", "args": {"negate": true}},
		{"predicate": "message_content_contains", "args": {"value": "http://"}}
	]},
	"actions": [{"type": "reply", "params": {"content": "no links"}}]
}`

func parseRule(t *testing.T, doc string) *rules.Rule {
	t.Helper()
	r, err := rules.ParseRule([]byte(doc))
	require.NoError(t, err)
	return r
}

func ruleSet(t *testing.T, docs ...string) *rules.RuleSet {
	t.Helper()
	var rs []*rules.Rule
	for _, d := range docs {
		rs = append(rs, parseRule(t, d))
	}
	set, err := rules.NewRuleSet("g1", rs)
	require.NoError(t, err)
	return set
}

func normalize(t *testing.T, raw string) *event.Context {
	t.Helper()
	ectx, err := event.NewNormalizer().NormalizeBytes([]byte(raw))
	require.NoError(t, err)
	return ectx
}

const linkMessage = `{
	"type": "message-created",
	"guild_id": "g1",
	"channel": {"id": "c1", "type": "text"},
	"message": {"id": "m1", "content": "check http://example.com"},
	"author": {"id": "u1", "username": "someone", "bot": false}
}`

func newDispatcher(t *testing.T, c capability.Capability, rs *rules.RuleSet, opts ...Option) *Dispatcher {
	t.Helper()
	x := actions.NewExecutor(c, actions.WithLogger(logger.Discard()))
	return NewDispatcher("g1", rs, x, append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestLinkScenarioRepliesOnce(t *testing.T) {
	rec := capability.NewRecorder()
	d := newDispatcher(t, rec, ruleSet(t, noLinksRule))

	reports, err := d.Dispatch(context.Background(), normalize(t, linkMessage))
	require.NoError(t, err)
	require.Len(t, reports, 1)

	rep := reports[0]
	assert.Equal(t, StageFired, rep.Stage)
	assert.Equal(t, rules.True, rep.Condition)
	require.NotNil(t, rep.Execution)
	require.Len(t, rep.Execution.Actions, 1)
	assert.Equal(t, actions.OutcomeSucceeded, rep.Execution.Actions[0].Outcome)

	assert.Equal(t, []capability.Request{
		{Op: capability.OpReply, ChannelID: "c1", MessageID: "m1", Content: "no links"},
	}, rec.Requests())
}

func TestOnlyMatchingTriggersRun(t *testing.T) {
	rec := capability.NewRecorder()
	d := newDispatcher(t, rec, ruleSet(t,
		noLinksRule,
		`{"id": "welcome", "trigger": "member-joined", "actions": [{"type": "send_message", "params": {"channel_id": "c1", "content": "hi"}}]}`,
		`{"id": "disabled", "trigger": "message-created", "enabled": false, "actions": [{"type": "stop"}]}`,
	))

	reports, err := d.Dispatch(context.Background(), normalize(t, linkMessage))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "no-links", reports[0].RuleID)
}

func TestNotFiredRulesHaveNoSideEffects(t *testing.T) {
	rec := capability.NewRecorder()
	d := newDispatcher(t, rec, ruleSet(t, noLinksRule))

	clean := normalize(t, `{
		"type": "message-created", "guild_id": "g1",
		"channel": {"id": "c1", "type": "text"},
		"message": {"id": "m2", "content": "hello"},
		"author": {"id": "u1", "bot": false}
	}`)

	for i := 0; i < 3; i++ {
		reports, err := d.Dispatch(context.Background(), clean)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, StageNotFired, reports[0].Stage)
		assert.Nil(t, reports[0].Execution)
	}
	assert.Empty(t, rec.Requests())
}

func TestIndeterminateDoesNotFire(t *testing.T) {
	rec := capability.NewRecorder()
	d := newDispatcher(t, rec, ruleSet(t, noLinksRule))

	// no author: author_is_bot is indeterminate, and so is its negation
	reports, err := d.Dispatch(context.Background(), normalize(t, `{
		"type": "message-created", "guild_id": "g1",
		"channel": {"id": "c1", "type": "text"},
		"message": {"id": "m1", "content": "http://x"},
		"author": {"id": "u1"}
	}`))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StageNotFired, reports[0].Stage)
	assert.Equal(t, rules.Indeterminate, reports[0].Condition)
	assert.Equal(t, []string{"author.is_bot"}, reports[0].Missing)
	assert.Empty(t, rec.Requests())
}

func TestGuardRejection(t *testing.T) {
	rec := capability.NewRecorder()
	d := newDispatcher(t, rec, ruleSet(t, `{
		"id": "forum-only", "trigger": "message-created",
		"guard": {"channel_types": {"include": ["forum"]}},
		"actions": [{"type": "reply", "params": {"content": "x"}}]
	}`))

	reports, err := d.Dispatch(context.Background(), normalize(t, linkMessage))
	require.NoError(t, err)
	assert.Equal(t, StageGuardRejected, reports[0].Stage)
	assert.Empty(t, rec.Requests())
}

func TestFailingRuleDoesNotBlockLaterRules(t *testing.T) {
	rec := capability.NewRecorder()
	rec.FailWith(capability.OpReply, &capability.Error{Kind: capability.KindUnavailable, Op: capability.OpReply})
	d := newDispatcher(t, rec, ruleSet(t,
		`{"id": "first", "trigger": "message-created", "actions": [{"type": "reply", "params": {"content": "x"}, "critical": true}]}`,
		`{"id": "second", "trigger": "message-created", "actions": [{"type": "add_reactions", "params": {"reactions": ["👀"]}}]}`,
	))

	reports, err := d.Dispatch(context.Background(), normalize(t, linkMessage))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Execution.Failed)
	assert.Equal(t, actions.OutcomeSucceeded, reports[1].Execution.Actions[0].Outcome)
}

// blockingReply holds the first reply until released, so a test can act
// while a dispatch is in the middle of executing a rule
func blockingReply() (capability.Capability, <-chan struct{}, chan<- struct{}, *capability.Recorder) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := capability.NewRecorder()
	first := true
	c := capability.Handler(func(ctx context.Context, req capability.Request) error {
		if req.Op == capability.OpReply && first {
			first = false
			close(entered)
			<-release
		}
		return capability.Invoke(ctx, rec, req)
	})
	return c, entered, release, rec
}

func TestSnapshotIsolation(t *testing.T) {
	c, entered, release, rec := blockingReply()
	rs := ruleSet(t,
		noLinksRule,
		`{"id": "react", "trigger": "message-created", "actions": [{"type": "add_reactions", "params": {"reactions": ["👀"]}}]}`,
	)
	d := newDispatcher(t, c, rs)
	ectx := normalize(t, linkMessage)

	type result struct {
		reports []Report
		err     error
	}
	done := make(chan result, 1)
	go func() {
		reports, err := d.Dispatch(context.Background(), ectx)
		done <- result{reports, err}
	}()

	<-entered
	trimmed, err := rs.Without("react")
	require.NoError(t, err)
	d.Publish(trimmed)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.reports, 2, "the in-progress dispatch keeps its snapshot")

	reports, err := d.Dispatch(context.Background(), ectx)
	require.NoError(t, err)
	assert.Len(t, reports, 1, "a later dispatch sees the new set")
	assert.Len(t, rec.Requests(), 3)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	c, entered, release, _ := blockingReply()
	d := newDispatcher(t, c, ruleSet(t, noLinksRule))
	ectx := normalize(t, linkMessage)

	go func() {
		_, _ = d.Dispatch(context.Background(), ectx)
	}()
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Shutdown(short), "dispatch is still running")

	_, err := d.Dispatch(context.Background(), ectx)
	assert.True(t, errors.Is(err, ErrShuttingDown))

	close(release)
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestFiredRulesCountHits(t *testing.T) {
	hits := NewMemHitCounter()
	d := newDispatcher(t, capability.NewRecorder(), ruleSet(t, noLinksRule), WithHitCounter(hits))
	ectx := normalize(t, linkMessage)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), ectx)
		require.NoError(t, err)
	}

	n, err := hits.Get(context.Background(), "g1", "no-links")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = hits.Get(context.Background(), "g1", "never")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestEvaluateRunsNoActions(t *testing.T) {
	rec := capability.NewRecorder()
	d := newDispatcher(t, rec, ruleSet(t, noLinksRule))

	results := d.Evaluate(normalize(t, linkMessage))
	require.Len(t, results, 1)
	assert.True(t, results[0].GuardPassed)
	assert.Equal(t, rules.True, results[0].Result)
	assert.Empty(t, rec.Requests())
}

func TestRedisHitCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hits := NewRedisHitCounter(client, "test")
	ctx := context.Background()

	require.NoError(t, hits.Increment(ctx, "g1", "a"))
	require.NoError(t, hits.Increment(ctx, "g1", "a"))
	require.NoError(t, hits.Increment(ctx, "g2", "a"))

	n, err := hits.Get(ctx, "g1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = hits.Get(ctx, "g1", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.Equal(t, "1", mr.HGet("test/hits/g2", "a"))
}
