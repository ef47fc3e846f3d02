package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/persistence"
	"github.com/tcriess/lightspeed-session/types"
)

// keepOpen is a persister whose Close is a no-op, so the tests can look at the store after a command.
type keepOpen struct {
	persistence.Persister
}

func (keepOpen) Close() error { return nil }

func newTestStore(t *testing.T) persistence.Persister {
	p, err := persistence.NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{
		Type: config.PersistenceTypeBuntDB,
		DSN:  ":memory:",
	}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func execute(t *testing.T, p persistence.Persister, stdin string, args ...string) (string, error) {
	cmd := newRootCmd(func(*config.Config) (persistence.Persister, error) { return keepOpen{p}, nil })
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionCommands(t *testing.T) {
	p := newTestStore(t)
	def := `{"id":"s1","topic":"work","moderator_id":"m","participants":["p","p"],"evaluators":["e"],"start_time":"2026-10-01T12:00:00Z","duration":30}`

	_, err := execute(t, p, "", "set", "session", def)
	require.NoError(t, err)
	s, err := p.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, s.Participants)
	assert.Equal(t, types.StatusActive, s.Status)

	out, err := execute(t, p, "", "show", "session", "s1")
	require.NoError(t, err)
	shown := types.Session{}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "work", shown.Topic)
	assert.True(t, shown.StartTime.Equal(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)))

	out, err = execute(t, p, "", "end", "session", "s1")
	require.NoError(t, err)
	assert.Equal(t, "session ended\n", out)
	out, err = execute(t, p, "", "end", "session", "s1")
	require.NoError(t, err)
	assert.Equal(t, "session already ended\n", out)

	out, err = execute(t, p, "", "show", "sessions", "--active")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	_, err = execute(t, p, "", "delete", "session", "s1")
	require.NoError(t, err)
	_, err = execute(t, p, "", "show", "session", "s1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSetSessionFromStdin(t *testing.T) {
	p := newTestStore(t)
	_, err := execute(t, p, `{"id":"s2","moderator_id":"m","participants":["p"],"ai_practice":true}`, "set", "session", "-")
	require.NoError(t, err)
	s, err := p.GetSession(context.Background(), "s2")
	require.NoError(t, err)
	assert.True(t, s.AIPractice)

	_, err = execute(t, p, `{"id":"s3"}`, "set", "session", "-")
	assert.ErrorIs(t, err, persistence.ErrInvalidSession)
}

func TestShowHistory(t *testing.T) {
	p := newTestStore(t)
	_, err := execute(t, p, "", "set", "session", `{"id":"s1","moderator_id":"m","participants":["p"]}`)
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		m := &types.Message{SessionId: "s1", UserId: "p", Text: text, Timestamp: time.Now()}
		require.NoError(t, m.CreateId())
		require.NoError(t, p.StoreMessage(context.Background(), m))
	}
	out, err := execute(t, p, "", "show", "history", "s1", "--from", "1", "--count", "1")
	require.NoError(t, err)
	messages := make([]types.Message, 0)
	require.NoError(t, json.Unmarshal([]byte(out), &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "two", messages[0].Text)
}
