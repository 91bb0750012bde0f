package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"miabot/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              UUID PRIMARY KEY,
	sender          TEXT NOT NULL UNIQUE,
	language        TEXT NOT NULL DEFAULT '',
	message_count   INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, id);

CREATE TABLE IF NOT EXISTS bans (
	sender      TEXT PRIMARY KEY,
	reason      TEXT NOT NULL DEFAULT '',
	expires_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limits (
	sender  TEXT NOT NULL,
	bucket  TEXT NOT NULL,
	count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (sender, bucket)
);

CREATE TABLE IF NOT EXISTS daily_stats (
	date   TEXT NOT NULL,
	field  TEXT NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, field)
);
`

// PostgresStore implements domain.Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.Store = (*PostgresStore)(nil)

// NewPostgresStore connects with a few retries, since the database may
// still be starting when the bot comes up in a container.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	const attempts = 5
	var pool *pgxpool.Pool
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		logger.Warn("postgres connect failed", "attempt", attempt, "max_attempts", attempts, "err", err)
		if attempt == attempts {
			return nil, fmt.Errorf("connect to postgres after %d attempts: %w", attempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	logger.Info("postgres store ready")
	return &PostgresStore{pool: pool, logger: logger, now: time.Now}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, sender string) (*domain.UserRecord, error) {
	var u domain.UserRecord
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, sender, message_count, last_message_at, created_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (sender) DO UPDATE
			SET message_count = users.message_count + 1, last_message_at = EXCLUDED.last_message_at
		RETURNING id::text, sender, language, message_count, last_message_at, created_at
	`, uuid.NewString(), sender, s.now().UTC()).Scan(&u.ID, &u.Sender, &u.Language, &u.MessageCount, &last, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if last != nil {
		u.LastMessageAt = *last
	}
	if u.MessageCount == 1 {
		s.logger.Info("new user", "sender", sender, "user_id", u.ID)
	}
	return &u, nil
}

func (s *PostgresStore) GetRecentTurns(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, role, content, created_at FROM (
			SELECT id, user_id, role, content, created_at FROM conversations
			WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) AppendTurn(ctx context.Context, userID, role, content string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (user_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		userID, role, content, s.now().UTC(),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM conversations WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM conversations WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		)
	`, userID, domain.MaxRetainedTurns); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetBan(ctx context.Context, sender string) (*domain.BanEntry, error) {
	var b domain.BanEntry
	err := s.pool.QueryRow(ctx,
		`SELECT sender, reason, expires_at, created_at FROM bans WHERE sender = $1`, sender,
	).Scan(&b.Sender, &b.Reason, &b.ExpiresAt, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) UpsertBan(ctx context.Context, ban domain.BanEntry) error {
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bans (sender, reason, expires_at, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (sender) DO UPDATE SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
	`, ban.Sender, ban.Reason, ban.ExpiresAt, ban.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteBan(ctx context.Context, sender string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bans WHERE sender = $1`, sender)
	return err
}

func (s *PostgresStore) ListBans(ctx context.Context) ([]domain.BanEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sender, reason, expires_at, created_at FROM bans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []domain.BanEntry
	for rows.Next() {
		var b domain.BanEntry
		if err := rows.Scan(&b.Sender, &b.Reason, &b.ExpiresAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

func (s *PostgresStore) IncrementMinuteCounter(ctx context.Context, sender, bucket string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits (sender, bucket, count) VALUES ($1, $2, 1)
		ON CONFLICT (sender, bucket) DO UPDATE SET count = rate_limits.count + 1
		RETURNING count
	`, sender, bucket).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment minute counter: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecordDailyStat(ctx context.Context, field string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_stats (date, field, count) VALUES ($1, $2, 1)
		ON CONFLICT (date, field) DO UPDATE SET count = daily_stats.count + 1
	`, s.now().UTC().Format(dayLayout), field)
	return err
}

func (s *PostgresStore) DailyStats(ctx context.Context, days int) ([]domain.DailyStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, field, count FROM daily_stats WHERE date >= $1 ORDER BY date DESC, field ASC`,
		sinceDay(s.now(), days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DailyStat
	for rows.Next() {
		var st domain.DailyStat
		if err := rows.Scan(&st.Date, &st.Field, &st.Count); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) PruneMinuteCounters(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE bucket < $1`,
		before.UTC().Format(domain.MinuteBucketLayout))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
