package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/types"
)

type backend struct {
	name string
	open func(t *testing.T) Persister
}

func backends() []backend {
	return []backend{
		{
			name: "sqlite",
			open: func(t *testing.T) Persister {
				cfg := &config.Config{PersistenceConfig: config.PersistenceConfig{
					Type: config.PersistenceTypeSQLite,
					DSN:  fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
				}}
				p, err := NewPersister(cfg)
				require.NoError(t, err)
				t.Cleanup(func() { p.Close() })
				return p
			},
		},
		{
			name: "buntdb",
			open: func(t *testing.T) Persister {
				cfg := &config.Config{PersistenceConfig: config.PersistenceConfig{
					Type: config.PersistenceTypeBuntDB,
					DSN:  ":memory:",
				}}
				p, err := NewPersister(cfg)
				require.NoError(t, err)
				t.Cleanup(func() { p.Close() })
				return p
			},
		},
	}
}

func testSession(id string) *types.Session {
	return &types.Session{
		Id:           id,
		Topic:        "climate policy",
		ModeratorId:  "mod",
		Participants: []string{"p1", "p2", "p1"},
		Evaluators:   []string{"e1"},
		StartTime:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Duration:     30,
	}
}

func runAll(t *testing.T, f func(t *testing.T, p Persister)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f(t, b.open(t))
		})
	}
}

func TestStoreAndGetSession(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		require.NoError(t, p.StoreSession(ctx, testSession("s1")))

		s, err := p.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "climate policy", s.Topic)
		assert.Equal(t, []string{"p1", "p2"}, s.Participants)
		assert.Equal(t, []string{"e1"}, s.Evaluators)
		assert.Equal(t, types.StatusActive, s.Status)
		assert.True(t, s.StartTime.Equal(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)))
		assert.Empty(t, s.ChatHistory)

		_, err = p.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreInvalidSession(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		s := testSession("s1")
		s.ModeratorId = ""
		assert.ErrorIs(t, p.StoreSession(ctx, s), ErrInvalidSession)

		s = testSession("s2")
		s.AIPractice = true
		assert.ErrorIs(t, p.StoreSession(ctx, s), ErrInvalidSession)
	})
}

func TestSessionCannotBeReactivated(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		require.NoError(t, p.StoreSession(ctx, testSession("s1")))
		changed, err := p.EndSession(ctx, "s1")
		require.NoError(t, err)
		require.True(t, changed)

		s := testSession("s1")
		s.Status = types.StatusActive
		assert.ErrorIs(t, p.StoreSession(ctx, s), ErrReactivate)
	})
}

func TestGetSessions(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		require.NoError(t, p.StoreSession(ctx, testSession("a")))
		require.NoError(t, p.StoreSession(ctx, testSession("b")))
		_, err := p.EndSession(ctx, "b")
		require.NoError(t, err)

		all, err := p.GetSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		active, err := p.GetActiveSessions(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "a", active[0].Id)
	})
}

func TestEndSessionOnce(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		require.NoError(t, p.StoreSession(ctx, testSession("s1")))

		changed, err := p.EndSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = p.EndSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, changed)

		_, err = p.EndSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentRemoveParticipant(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		s := testSession("s1")
		s.Participants = []string{"p1", "p2", "p3", "p4"}
		require.NoError(t, p.StoreSession(ctx, s))

		// p1 is removed twice, each of the others once
		targets := []string{"p1", "p2", "p1", "p3"}
		results := make([]bool, len(targets))
		wg := sync.WaitGroup{}
		for i, userId := range targets {
			wg.Add(1)
			go func(i int, userId string) {
				defer wg.Done()
				removed, err := p.RemoveParticipant(ctx, "s1", userId)
				assert.NoError(t, err)
				results[i] = removed
			}(i, userId)
		}
		wg.Wait()
		assert.True(t, results[1])
		assert.True(t, results[3])
		assert.True(t, results[0] != results[2], "exactly one removal of p1 succeeds")

		s, err := p.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"p4"}, s.Participants)
		assert.Equal(t, []string{"e1"}, s.Evaluators)

		_, err = p.RemoveParticipant(ctx, "nope", "p1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestChatHistory(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		require.NoError(t, p.StoreSession(ctx, testSession("s1")))

		base := time.Date(2026, 10, 1, 12, 1, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			m := &types.Message{
				SessionId: "s1",
				UserId:    "p1",
				Username:  "Pat",
				Role:      types.RoleParticipant,
				Text:      fmt.Sprintf("message %d", i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, m.CreateId())
			require.NoError(t, p.StoreMessage(ctx, m))
		}

		messages, err := p.GetChatHistory(ctx, "s1", 0, 0)
		require.NoError(t, err)
		require.Len(t, messages, 5)
		for i, m := range messages {
			assert.Equal(t, fmt.Sprintf("message %d", i), m.Text)
		}

		messages, err = p.GetChatHistory(ctx, "s1", 3, 10)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "message 3", messages[0].Text)

		messages, err = p.GetChatHistory(ctx, "s1", 1, 2)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "message 2", messages[1].Text)

		s, err := p.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, s.ChatHistory, 5)

		// re-storing the session keeps its history
		require.NoError(t, p.StoreSession(ctx, testSession("s1")))
		s, err = p.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, s.ChatHistory, 5)

		_, err = p.GetChatHistory(ctx, "nope", 0, 0)
		assert.ErrorIs(t, err, ErrNotFound)
		err = p.StoreMessage(ctx, &types.Message{Id: "x", SessionId: "nope"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteSession(t *testing.T) {
	runAll(t, func(t *testing.T, p Persister) {
		ctx := context.Background()
		require.NoError(t, p.StoreSession(ctx, testSession("s1")))
		m := &types.Message{SessionId: "s1", UserId: "p1", Text: "hi", Timestamp: time.Now()}
		require.NoError(t, m.CreateId())
		require.NoError(t, p.StoreMessage(ctx, m))

		require.NoError(t, p.DeleteSession(ctx, "s1"))
		_, err := p.GetSession(ctx, "s1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, p.DeleteSession(ctx, "s1"), ErrNotFound)
	})
}

func TestInvalidPersistenceType(t *testing.T) {
	_, err := NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "mongo"}})
	assert.Error(t, err)
}

func TestPage(t *testing.T) {
	ids := []string{"a", "b", "c"}
	assert.Equal(t, ids, page(ids, 0, 0))
	assert.Equal(t, []string{"b"}, page(ids, 1, 1))
	assert.Nil(t, page(ids, 3, 1))
	assert.Equal(t, []string{"a", "b"}, page(ids, -1, 2))
}
