package turnstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*SQLiteTurnStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "turns.db")
	dsn, err := SQLiteTurnDSNForFile(dbPath)
	require.NoError(t, err)
	s, err := NewSQLiteTurnStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dbPath
}

func TestSQLiteTurnStore_SaveGetList(t *testing.T) {
	s, dbPath := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, TurnRecord{
		TurnID: "turn-1", Nonce: "n1", ChatID: 7, Status: StatusCompleted, Prompt: "hi",
		MessageID: 42, Text: "Hi there", SuggestedReplies: []string{"a", "b"}, Attempts: 1,
		StartedAtMs: 100, FinishedAtMs: 150,
	}))
	require.NoError(t, s.Save(ctx, TurnRecord{
		TurnID: "turn-2", Nonce: "n2", ChatID: 7, Status: StatusFailed, ErrorKind: "rate_limited",
		Error: "daily limit", Attempts: 1, StartedAtMs: 200, FinishedAtMs: 210,
	}))
	require.NoError(t, s.Save(ctx, TurnRecord{
		TurnID: "turn-3", ChatID: 8, Status: StatusCompleted, StartedAtMs: 300, FinishedAtMs: 320,
	}))

	rec, ok, err := s.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), rec.MessageID)
	require.Equal(t, []string{"a", "b"}, rec.SuggestedReplies)
	require.Equal(t, "Hi there", rec.Text)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := s.List(ctx, TurnQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "turn-3", all[0].TurnID)
	require.Equal(t, "turn-1", all[2].TurnID)

	byChat, err := s.List(ctx, TurnQuery{ChatID: 7, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byChat, 2)
	require.Equal(t, "turn-2", byChat[0].TurnID)
	require.Empty(t, byChat[0].SuggestedReplies)

	failed, err := s.List(ctx, TurnQuery{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "rate_limited", failed[0].ErrorKind)

	since, err := s.List(ctx, TurnQuery{SinceMs: 200, Limit: 1})
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "turn-3", since[0].TurnID)

	_, err = os.Stat(dbPath)
	require.NoError(t, err)
}

func TestSQLiteTurnStore_SaveUpserts(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, TurnRecord{TurnID: "t", Status: StatusFailed, Attempts: 1, StartedAtMs: 1, FinishedAtMs: 2}))
	require.NoError(t, s.Save(ctx, TurnRecord{TurnID: "t", Status: StatusCompleted, Attempts: 2, StartedAtMs: 1, FinishedAtMs: 3}))

	rec, ok, err := s.Get(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, 2, rec.Attempts)
}

func TestSQLiteTurnStore_Validation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.Error(t, s.Save(ctx, TurnRecord{Status: StatusCompleted}))
	require.Error(t, s.Save(ctx, TurnRecord{TurnID: "t", Status: "weird"}))

	_, err := NewSQLiteTurnStore(" ")
	require.Error(t, err)
	_, err = SQLiteTurnDSNForFile("")
	require.Error(t, err)

	var nilStore *SQLiteTurnStore
	require.NoError(t, nilStore.Close())
	require.Error(t, nilStore.Save(ctx, TurnRecord{TurnID: "t", Status: StatusCompleted}))
}
