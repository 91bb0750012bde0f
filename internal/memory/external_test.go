package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miabot/internal/domain"
)

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("MIABOT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MIABOT_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, url, testLogger())
	require.NoError(t, err)
	defer s.Close()

	sender := "pg-" + uuid.NewString()
	u, err := s.GetOrCreateUser(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, 1, u.MessageCount)
	u2, err := s.GetOrCreateUser(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, u.ID, u2.ID)
	assert.Equal(t, 2, u2.MessageCount)

	require.NoError(t, s.AppendTurn(ctx, u.ID, domain.RoleUser, "salut"))
	require.NoError(t, s.AppendTurn(ctx, u.ID, domain.RoleAssistant, "coucou"))
	turns, err := s.GetRecentTurns(ctx, u.ID, 20)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "salut", turns[0].Content)

	bucket := time.Now().UTC().Format(domain.MinuteBucketLayout)
	n, err := s.IncrementMinuteCounter(ctx, sender, bucket)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementMinuteCounter(ctx, sender, bucket)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.UpsertBan(ctx, domain.BanEntry{Sender: sender, Reason: "test"}))
	ban, err := s.GetBan(ctx, sender)
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Nil(t, ban.ExpiresAt)
	require.NoError(t, s.DeleteBan(ctx, sender))
}

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("MIABOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MIABOT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	rc, err := NewRedisCounter(ctx, RedisOptions{Addr: addr, Prefix: "miabot-test"})
	require.NoError(t, err)
	defer rc.Close()

	sender := uuid.NewString()
	for want := 1; want <= 3; want++ {
		got, err := rc.IncrementMinuteCounter(ctx, sender, "2024-05-01T13:37")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	ttl, err := rc.client.TTL(ctx, rc.key(sender, "2024-05-01T13:37")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, counterTTL)
}
