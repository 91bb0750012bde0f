package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miabot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "miabot.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_GetOrCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "33612345678")
	require.NoError(t, err)
	assert.Len(t, u1.ID, 36)
	assert.Equal(t, 1, u1.MessageCount)
	assert.False(t, u1.LastMessageAt.IsZero())

	u2, err := s.GetOrCreateUser(ctx, "33612345678")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, 2, u2.MessageCount)

	other, err := s.GetOrCreateUser(ctx, "33700000000")
	require.NoError(t, err)
	assert.NotEqual(t, u1.ID, other.ID)
}

func TestSQLite_TurnsOldestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendTurn(ctx, "u1", domain.RoleUser, fmt.Sprintf("m%d", i)))
	}
	require.NoError(t, s.AppendTurn(ctx, "u2", domain.RoleUser, "other"))

	turns, err := s.GetRecentTurns(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "m3", turns[0].Content)
	assert.Equal(t, "m5", turns[2].Content)
}

func TestSQLite_AppendTurnKeepsNewest50(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= domain.MaxRetainedTurns+7; i++ {
		require.NoError(t, s.AppendTurn(ctx, "u1", domain.RoleUser, fmt.Sprintf("m%d", i)))
	}

	turns, err := s.GetRecentTurns(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, turns, domain.MaxRetainedTurns)
	assert.Equal(t, "m8", turns[0].Content)
	assert.Equal(t, fmt.Sprintf("m%d", domain.MaxRetainedTurns+7), turns[len(turns)-1].Content)
}

func TestSQLite_Bans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ban, err := s.GetBan(ctx, "spammer")
	require.NoError(t, err)
	assert.Nil(t, ban)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: "spammer", Reason: "flood", ExpiresAt: &expires}))
	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: "troll", Reason: "abuse"}))

	ban, err = s.GetBan(ctx, "spammer")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, "flood", ban.Reason)
	require.NotNil(t, ban.ExpiresAt)
	assert.True(t, ban.ExpiresAt.Equal(expires))

	permanent, err := s.GetBan(ctx, "troll")
	require.NoError(t, err)
	assert.Nil(t, permanent.ExpiresAt)

	// upsert replaces the reason
	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: "troll", Reason: "repeat"}))
	bans, err := s.ListBans(ctx)
	require.NoError(t, err)
	assert.Len(t, bans, 2)

	require.NoError(t, s.DeleteBan(ctx, "troll"))
	gone, err := s.GetBan(ctx, "troll")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLite_PurgeExpiredBans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: "old", ExpiresAt: &past}))
	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: "current", ExpiresAt: &future}))
	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: "forever"}))

	n, err := s.PurgeExpiredBans(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	bans, err := s.ListBans(ctx)
	require.NoError(t, err)
	assert.Len(t, bans, 2)
}

func TestSQLite_IncrementMinuteCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementMinuteCounter(ctx, "a", "2024-05-01T13:37")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.IncrementMinuteCounter(ctx, "a", "2024-05-01T13:38")
	require.NoError(t, err)
	assert.Equal(t, 1, got, "new bucket starts over")
}

func TestSQLite_IncrementMinuteCounterConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementMinuteCounter(ctx, "a", "2024-05-01T13:37")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.IncrementMinuteCounter(ctx, "a", "2024-05-01T13:37")
	require.NoError(t, err)
	assert.Equal(t, 21, got)
}

func TestSQLite_PruneMinuteCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, bucket := range []string{"2024-05-01T13:30", "2024-05-01T13:35", "2024-05-01T13:40"} {
		_, err := s.IncrementMinuteCounter(ctx, "a", bucket)
		require.NoError(t, err)
	}

	n, err := s.PruneMinuteCounters(ctx, time.Date(2024, 5, 1, 13, 36, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLite_DailyStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day }
	require.NoError(t, s.RecordDailyStat(ctx, "messages_received"))
	require.NoError(t, s.RecordDailyStat(ctx, "messages_received"))

	s.now = func() time.Time { return day.AddDate(0, 0, 1) }
	require.NoError(t, s.RecordDailyStat(ctx, "messages_received"))

	stats, err := s.DailyStats(ctx, 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, domain.DailyStat{Date: "2024-05-02", Field: "messages_received", Count: 1}, stats[0])
	assert.Equal(t, 2, stats[1].Count)

	stats, err = s.DailyStats(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}
