package rules

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store must share
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, "unknown", empty.Scope())

	r, err := ParseRule([]byte(linkRuleDoc))
	require.NoError(t, err)
	rs, err := NewRuleSet("guild-1", []*Rule{r, testRule(t, "second")})
	require.NoError(t, err)
	rs, err = rs.SetEnabled("second", false, testTime)
	require.NoError(t, err)

	require.NoError(t, s.Replace(ctx, "guild-1", rs))

	loaded, err := s.Load(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"no-links", "second"}, ruleIDs(loaded.Rules()))
	second, ok := loaded.Get("second")
	require.True(t, ok)
	assert.False(t, second.Enabled)

	require.NoError(t, s.Replace(ctx, "guild-2", EmptyRuleSet("guild-2")))
	scopes, err := s.Scopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"guild-1", "guild-2"}, scopes)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemoryStore().Replace(ctx, "g", EmptyRuleSet("g"))
	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStoreReadsYAMLAndReplacesIt(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
- id: welcome
  trigger: member-joined
  actions:
    - type: stop
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guild.yaml"), []byte(yamlDoc), 0o644))

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	rs, err := s.Load(ctx, "guild")
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, ruleIDs(rs.Rules()))

	require.NoError(t, s.Replace(ctx, "guild", rs))
	_, err = os.Stat(filepath.Join(dir, "guild.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "guild.json"))
	assert.NoError(t, err)
}

func TestFileStoreRejectsBadDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guild.json"), []byte(`{"not": "a list"}`), 0o644))

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "guild")
	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr))

	_, err = s.Load(context.Background(), "../escape")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "test")
	exerciseStore(t, s)

	assert.True(t, mr.Exists("test/rules/guild-1"))
	v, err := mr.Get("test/rules-version/guild-1")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

// commandLog records what a client sends, one entry per round trip
type commandLog struct {
	mu      sync.Mutex
	singles []string
	batches [][]string
}

func (l *commandLog) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (l *commandLog) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		l.mu.Lock()
		l.singles = append(l.singles, cmd.Name())
		l.mu.Unlock()
		return next(ctx, cmd)
	}
}

func (l *commandLog) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		names := make([]string, 0, len(cmds))
		for _, c := range cmds {
			names = append(names, c.Name())
		}
		l.mu.Lock()
		l.batches = append(l.batches, names)
		l.mu.Unlock()
		return next(ctx, cmds)
	}
}

func (l *commandLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.singles = nil
	l.batches = nil
}

func TestRedisStoreLoadsDocumentAndVersionTogether(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	s := NewRedisStore(client, "test")
	rs, err := NewRuleSet("g1", []*Rule{testRule(t, "first")})
	require.NoError(t, err)
	require.NoError(t, s.Replace(ctx, "g1", rs.WithVersion(7)))

	calls := &commandLog{}
	client.AddHook(calls)

	loaded, err := s.Load(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.Version())
	assert.Equal(t, 1, loaded.Len())

	calls.mu.Lock()
	assert.Empty(t, calls.singles)
	require.Len(t, calls.batches, 1)
	gets := 0
	for _, name := range calls.batches[0] {
		if name == "get" {
			gets++
		}
	}
	assert.Equal(t, 2, gets)
	calls.mu.Unlock()

	calls.reset()
	empty, err := s.Load(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, int64(0), empty.Version())
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	s := NewRedisStore(client, "")
	_, err := s.Load(context.Background(), "g")
	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr))
}
