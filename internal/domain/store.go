package domain

import (
	"context"
	"time"
)

// Store is the persistence collaborator of the pipeline.
type Store interface {
	GetOrCreateUser(ctx context.Context, sender string) (*UserRecord, error)
	GetRecentTurns(ctx context.Context, userID string, limit int) ([]ConversationTurn, error)
	AppendTurn(ctx context.Context, userID string, role string, content string) error

	// GetBan returns nil, nil when the sender has no ban entry.
	GetBan(ctx context.Context, sender string) (*BanEntry, error)
	UpsertBan(ctx context.Context, ban BanEntry) error
	DeleteBan(ctx context.Context, sender string) error
	ListBans(ctx context.Context) ([]BanEntry, error)

	MinuteCounter

	RecordDailyStat(ctx context.Context, field string) error
	DailyStats(ctx context.Context, days int) ([]DailyStat, error)

	PruneMinuteCounters(ctx context.Context, before time.Time) (int64, error)
	PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// MinuteCounter is the durable per-minute message counter.
type MinuteCounter interface {
	// IncrementMinuteCounter inserts or increments the (sender, bucket) row
	// and returns the count after the increment.
	IncrementMinuteCounter(ctx context.Context, sender string, bucket string) (int, error)
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MinuteBucketLayout formats the rate-limit bucket key, e.g. 2024-05-01T13:37.
const MinuteBucketLayout = "2006-01-02T15:04"

// MaxRetainedTurns is the number of turns kept per user.
const MaxRetainedTurns = 50

type UserRecord struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Language      string    `json:"language"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

type ConversationTurn struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type BanEntry struct {
	Sender    string     `json:"sender"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the ban has an expiry that is not after now.
func (b BanEntry) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

type DailyStat struct {
	Date  string `json:"date"`
	Field string `json:"field"`
	Count int    `json:"count"`
}
