package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 13, 37, 10, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory BanStore and MinuteCounter that counts calls.
type memStore struct {
	mu           sync.Mutex
	bans         map[string]domain.BanEntry
	counts       map[string]int
	counterCalls int
	failBans     bool
	failCounter  bool
}

func newMemStore() *memStore {
	return &memStore{bans: map[string]domain.BanEntry{}, counts: map[string]int{}}
}

func (m *memStore) GetBan(_ context.Context, sender string) (*domain.BanEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBans {
		return nil, errors.New("store unreachable")
	}
	b, ok := m.bans[sender]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *memStore) UpsertBan(_ context.Context, ban domain.BanEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBans {
		return errors.New("store unreachable")
	}
	m.bans[ban.Sender] = ban
	return nil
}

func (m *memStore) DeleteBan(_ context.Context, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBans {
		return errors.New("store unreachable")
	}
	delete(m.bans, sender)
	return nil
}

func (m *memStore) IncrementMinuteCounter(_ context.Context, sender, bucket string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counterCalls++
	if m.failCounter {
		return 0, errors.New("store unreachable")
	}
	m.counts[sender+"|"+bucket]++
	return m.counts[sender+"|"+bucket], nil
}

func newTestGate(store *memStore, clock *fakeClock) *Gate {
	return NewGate(GateConfig{CooldownSeconds: 3, MaxPerMinute: 10}, store, store, NewCooldownMap(clock.Now), testLogger())
}

// --- Rate limit: cooldown ---

func TestCheckRateLimit_CooldownSkipsStore(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	ctx := context.Background()

	require.True(t, g.CheckRateLimit(ctx, "33611111111"))
	require.Equal(t, 1, store.counterCalls)

	clock.Advance(2 * time.Second)
	assert.False(t, g.CheckRateLimit(ctx, "33611111111"))
	assert.Equal(t, 1, store.counterCalls, "cooldown rejection must not reach the store")

	clock.Advance(time.Second)
	assert.True(t, g.CheckRateLimit(ctx, "33611111111"))
	assert.Equal(t, 2, store.counterCalls)
}

func TestCheckRateLimit_CooldownIsPerSender(t *testing.T) {
	store := newMemStore()
	g := newTestGate(store, newFakeClock())
	ctx := context.Background()

	assert.True(t, g.CheckRateLimit(ctx, "a"))
	assert.True(t, g.CheckRateLimit(ctx, "b"))
	assert.False(t, g.CheckRateLimit(ctx, "a"))
}

// --- Rate limit: durable counter ---

func TestCheckRateLimit_BucketAtMaxRejects(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	key := "s|" + MinuteBucket(clock.Now())
	store.counts[key] = 10

	assert.False(t, g.CheckRateLimit(context.Background(), "s"))
}

func TestCheckRateLimit_BucketBelowMaxAcceptsAndIncrements(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	key := "s|" + MinuteBucket(clock.Now())
	store.counts[key] = 9

	assert.True(t, g.CheckRateLimit(context.Background(), "s"))
	assert.Equal(t, 10, store.counts[key])
}

func TestCheckRateLimit_NewMinuteResets(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	store.counts["s|"+MinuteBucket(clock.Now())] = 10

	clock.Advance(time.Minute)
	assert.True(t, g.CheckRateLimit(context.Background(), "s"))
}

func TestCheckRateLimit_StoreErrorFailsOpen(t *testing.T) {
	store := newMemStore()
	store.failCounter = true
	g := newTestGate(store, newFakeClock())

	assert.True(t, g.CheckRateLimit(context.Background(), "s"))
}

func TestCheckRateLimit_NilCounterUsesCooldownOnly(t *testing.T) {
	g := NewGate(GateConfig{CooldownSeconds: 3}, newMemStore(), nil, NewCooldownMap(newFakeClock().Now), testLogger())
	assert.True(t, g.CheckRateLimit(context.Background(), "s"))
	assert.False(t, g.CheckRateLimit(context.Background(), "s"))
}

func TestMinuteBucket_Format(t *testing.T) {
	ts := time.Date(2024, 5, 1, 15, 37, 59, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2024-05-01T13:37", MinuteBucket(ts))
}

// --- Bans ---

func TestIsBanned_ActiveBan(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	ctx := context.Background()

	g.BanUser(ctx, "spammer", "flood", time.Hour)
	assert.True(t, g.IsBanned(ctx, "spammer"))
	assert.False(t, g.IsBanned(ctx, "someone-else"))
}

func TestIsBanned_ExpiredBanIsRemoved(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	ctx := context.Background()

	g.BanUser(ctx, "spammer", "flood", time.Hour)
	require.True(t, g.IsBanned(ctx, "spammer"))

	clock.Advance(time.Hour + time.Second)
	assert.False(t, g.IsBanned(ctx, "spammer"))
	_, stillThere := store.bans["spammer"]
	assert.False(t, stillThere, "expired ban should be deleted on read")
}

func TestIsBanned_PermanentBan(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	g := newTestGate(store, clock)
	ctx := context.Background()

	g.BanUser(ctx, "troll", "abuse", 0)
	clock.Advance(365 * 24 * time.Hour)
	assert.True(t, g.IsBanned(ctx, "troll"))
}

func TestIsBanned_StoreErrorFailsOpen(t *testing.T) {
	store := newMemStore()
	store.bans["x"] = domain.BanEntry{Sender: "x"}
	store.failBans = true
	g := newTestGate(store, newFakeClock())

	assert.False(t, g.IsBanned(context.Background(), "x"))
}

func TestUnbanUser(t *testing.T) {
	store := newMemStore()
	g := newTestGate(store, newFakeClock())
	ctx := context.Background()

	g.BanUser(ctx, "x", "test", 0)
	g.UnbanUser(ctx, "x")
	assert.False(t, g.IsBanned(ctx, "x"))
}

func TestBanUser_FailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	store.failBans = true
	g := newTestGate(store, newFakeClock())

	assert.NotPanics(t, func() {
		g.BanUser(context.Background(), "x", "test", time.Minute)
		g.UnbanUser(context.Background(), "x")
	})
}
