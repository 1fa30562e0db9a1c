package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automod/actions"
	"github.com/liamcoop/automod/capability"
	"github.com/liamcoop/automod/engine"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/guildengine"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
)

const noLinksRule = `{
	"id": "no-links",
	"trigger": "message-created",
	"conditions": {"predicate": "message_content_contains", "args": {"value": "http://"}},
	"actions": [{"type": "reply", "params": {"content": "no links, {author.mention}"}}]
}`

const linkMessage = `{
	"type": "message-created",
	"guild_id": "g1",
	"channel": {"id": "c1", "type": "text"},
	"message": {"id": "m1", "content": "see http://example.com"},
	"author": {"id": "u1", "username": "someone", "bot": false}
}`

type testServer struct {
	*httptest.Server
	rec *capability.Recorder
}

func newTestServer(t *testing.T, health func(ctx context.Context) error) *testServer {
	t.Helper()
	rec := capability.NewRecorder()
	x := actions.NewExecutor(rec, actions.WithLogger(logger.Discard()))
	m := guildengine.NewManager(rules.NewMemoryStore(), x, guildengine.WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(NewServer(ctx, m, logger.Discard(), health))
	t.Cleanup(ts.Close)
	t.Cleanup(cancel)
	return &testServer{Server: ts, rec: rec}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, status)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "healthy", resp.Status)

	sick := newTestServer(t, func(ctx context.Context) error { return errors.New("connection refused") })
	status, body = sick.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "connection refused")
}

func TestRuleLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules", noLinksRule)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, _ = ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules", noLinksRule)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ts.do(t, http.MethodGet, "/api/v1/guilds/g1/rules", "")
	require.Equal(t, http.StatusOK, status)
	var list RulesListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, int64(1), list.Version)
	require.Len(t, list.Rules, 1)
	assert.Equal(t, "no-links", list.Rules[0].ID)

	status, body = ts.do(t, http.MethodGet, "/api/v1/guilds", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"guilds": ["g1"]}`, string(body))

	// an event fires the rule once
	status, body = ts.do(t, http.MethodPost, "/api/v1/events", linkMessage)
	require.Equal(t, http.StatusOK, status, string(body))
	var evt EventResponse
	require.NoError(t, json.Unmarshal(body, &evt))
	require.Len(t, evt.Reports, 1)
	assert.Equal(t, engine.StageFired, evt.Reports[0].Stage)
	require.Len(t, ts.rec.Requests(), 1)
	assert.Equal(t, "no links, <@u1>", ts.rec.Requests()[0].Content)

	status, body = ts.do(t, http.MethodGet, "/api/v1/guilds/g1/rules/no-links/hits", "")
	require.Equal(t, http.StatusOK, status)
	var hits HitsResponse
	require.NoError(t, json.Unmarshal(body, &hits))
	assert.Equal(t, int64(1), hits.Hits)

	status, body = ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules/no-links/disable", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"enabled":false`)

	status, body = ts.do(t, http.MethodPost, "/api/v1/events", linkMessage)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"reports":[]`)
	assert.Len(t, ts.rec.Requests(), 1)

	status, _ = ts.do(t, http.MethodDelete, "/api/v1/guilds/g1/rules/no-links", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = ts.do(t, http.MethodGet, "/api/v1/guilds/g1/rules/no-links", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestModifyAndUpdateRule(t *testing.T) {
	ts := newTestServer(t, nil)
	status, _ := ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules", noLinksRule)
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, http.MethodPatch, "/api/v1/guilds/g1/rules/no-links",
		`{"metadata": {"description": "links are not allowed"}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), "links are not allowed")

	status, _ = ts.do(t, http.MethodPatch, "/api/v1/guilds/g1/rules/no-links", `{"trigger": "member-joined"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPut, "/api/v1/guilds/g1/rules/no-links",
		`{"id": "other", "trigger": "message-created", "actions": [{"type": "stop"}]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodPut, "/api/v1/guilds/g1/rules/no-links",
		`{"id": "no-links", "trigger": "message-created", "actions": [{"type": "stop"}]}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"stop"`)

	status, _ = ts.do(t, http.MethodPut, "/api/v1/guilds/g1/rules/missing",
		`{"id": "missing", "trigger": "message-created", "actions": [{"type": "stop"}]}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestInvalidDocumentsAreRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules",
		`{"id": "bad", "trigger": "message-created", "conditions": {"predicate": "no_such_predicate"}, "actions": [{"type": "stop"}]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "invalid rule")

	status, _ = ts.do(t, http.MethodPost, "/api/v1/events", `{"type": "message-created"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPut, "/api/v1/guilds/g1/rules",
		`[{"id": "a", "trigger": "member-left", "actions": [{"type": "stop"}]},
		  {"id": "a", "trigger": "member-left", "actions": [{"type": "stop"}]}]`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReplaceRulesAndQuery(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := ts.do(t, http.MethodPut, "/api/v1/guilds/g1/rules", `[
		{"id": "welcome", "trigger": "member-joined", "actions": [{"type": "stop"}], "metadata": {"description": "greets newcomers"}},
		`+noLinksRule+`
	]`)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = ts.do(t, http.MethodGet, "/api/v1/guilds/g1/rules?q=greets", "")
	require.Equal(t, http.StatusOK, status)
	var list RulesListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Rules, 1)
	assert.Equal(t, "welcome", list.Rules[0].ID)
}

func TestEvaluateRunsNoActions(t *testing.T) {
	ts := newTestServer(t, nil)
	status, _ := ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules", noLinksRule)
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, http.MethodPost, "/api/v1/evaluate", linkMessage)
	require.Equal(t, http.StatusOK, status, string(body))

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].GuardPassed)
	assert.Contains(t, string(body), `"result":"true"`)
	assert.Empty(t, ts.rec.Requests())
}

func TestClientHangupDoesNotTruncateActions(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.do(t, http.MethodPost, "/api/v1/guilds/g1/rules", `{
		"id": "warn-links",
		"trigger": "message-created",
		"conditions": {"predicate": "message_content_contains", "args": {"value": "http://"}},
		"actions": [
			{"type": "reply", "params": {"content": "one"}},
			{"type": "reply", "params": {"content": "two"}},
			{"type": "reply", "params": {"content": "three"}}
		]
	}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	ts.rec.SetDelay(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/v1/events", bytes.NewBufferString(linkMessage))
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return len(ts.rec.Requests()) == 3
	}, 2*time.Second, 20*time.Millisecond)

	var contents []string
	for _, req := range ts.rec.Requests() {
		contents = append(contents, req.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestEvaluateRejectsMalformedEvent(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.do(t, http.MethodPost, "/api/v1/evaluate", `{"type": "message-created"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "invalid event")
}

func TestLogLevel(t *testing.T) {
	prev := logger.GetLevel()
	t.Cleanup(func() { logger.SetLevel(prev) })
	ts := newTestServer(t, nil)

	status, body := ts.do(t, http.MethodPut, "/api/v1/log-level", `{"level": "debug"}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `{"level": "DEBUG"}`, string(body))
	assert.Equal(t, logger.LevelDebug, logger.GetLevel())

	status, body = ts.do(t, http.MethodGet, "/api/v1/log-level", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"level": "DEBUG"}`, string(body))

	status, _ = ts.do(t, http.MethodPut, "/api/v1/log-level", `{"level": "chatty"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.do(t, http.MethodPut, "/api/v1/log-level", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, logger.LevelDebug, logger.GetLevel())
}

func TestVocabulary(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.do(t, http.MethodGet, "/api/v1/vocabulary", "")
	require.Equal(t, http.StatusOK, status)

	var resp VocabularyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Contains(t, resp.Triggers, event.KindMessageCreated)
	assert.IsIncreasing(t, resp.Triggers)
	assert.Contains(t, resp.Predicates, "message_content_contains")
	assert.Contains(t, resp.Actions, rules.ActionStop)
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "g1.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
- id: no-links
  trigger: message-created
  conditions:
    predicate: message_content_contains
    args:
      value: "http://"
  actions:
    - type: delete_message
      critical: true
`), 0o644))
	n, err := validateFile(good)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bad := filepath.Join(dir, "g2.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"id": "x", "trigger": "nope", "actions": [{"type": "stop"}]}]`), 0o644))
	_, err = validateFile(bad)
	assert.Error(t, err)
}
