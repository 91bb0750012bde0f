package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"miabot/internal/domain"
)

const dayLayout = "2006-01-02"

// SQLiteStore implements domain.Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite allows one writer; a single connection serialises the upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// DB exposes the handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// GetOrCreateUser returns the user for sender, creating it on first contact.
// Every call counts as one received message.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, sender string) (*domain.UserRecord, error) {
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, sender, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(sender) DO NOTHING`,
		uuid.NewString(), sender, now,
	); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET message_count = message_count + 1, last_message_at = ? WHERE sender = ?`,
		now, sender,
	); err != nil {
		return nil, fmt.Errorf("touch user: %w", err)
	}

	var u domain.UserRecord
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sender, language, message_count, last_message_at, created_at FROM users WHERE sender = ?`,
		sender,
	).Scan(&u.ID, &u.Sender, &u.Language, &u.MessageCount, &last, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if last.Valid {
		u.LastMessageAt = last.Time
	}
	if u.MessageCount == 1 {
		s.logger.Info("new user", "sender", sender, "user_id", u.ID)
	}
	return &u, nil
}

// GetRecentTurns returns the last limit turns of the user, oldest first.
func (s *SQLiteStore) GetRecentTurns(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM (
			SELECT id, user_id, role, content, created_at FROM conversations
			WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		userID, limit,
	)
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

// AppendTurn stores a turn and trims the user's history to the newest
// domain.MaxRetainedTurns.
func (s *SQLiteStore) AppendTurn(ctx context.Context, userID, role, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, s.now().UTC(),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ? AND id NOT IN (
			SELECT id FROM conversations WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)`,
		userID, userID, domain.MaxRetainedTurns,
	); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetBan(ctx context.Context, sender string) (*domain.BanEntry, error) {
	var b domain.BanEntry
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT sender, reason, expires_at, created_at FROM bans WHERE sender = ?`, sender,
	).Scan(&b.Sender, &b.Reason, &expires, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		b.ExpiresAt = &t
	}
	return &b, nil
}

func (s *SQLiteStore) UpsertBan(ctx context.Context, ban domain.BanEntry) error {
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = s.now()
	}
	var expires any
	if ban.ExpiresAt != nil {
		expires = ban.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans (sender, reason, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(sender) DO UPDATE SET reason = excluded.reason, expires_at = excluded.expires_at`,
		ban.Sender, ban.Reason, expires, ban.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) DeleteBan(ctx context.Context, sender string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE sender = ?`, sender)
	return err
}

func (s *SQLiteStore) ListBans(ctx context.Context) ([]domain.BanEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, reason, expires_at, created_at FROM bans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []domain.BanEntry
	for rows.Next() {
		var b domain.BanEntry
		var expires sql.NullTime
		if err := rows.Scan(&b.Sender, &b.Reason, &expires, &b.CreatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			b.ExpiresAt = &t
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// IncrementMinuteCounter is a single atomic upsert, so concurrent callers
// never lose an increment.
func (s *SQLiteStore) IncrementMinuteCounter(ctx context.Context, sender, bucket string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limits (sender, bucket, count) VALUES (?, ?, 1)
		 ON CONFLICT(sender, bucket) DO UPDATE SET count = count + 1
		 RETURNING count`,
		sender, bucket,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment minute counter: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) RecordDailyStat(ctx context.Context, field string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_stats (date, field, count) VALUES (?, ?, 1)
		 ON CONFLICT(date, field) DO UPDATE SET count = count + 1`,
		s.now().UTC().Format(dayLayout), field,
	)
	return err
}

// DailyStats returns the counters of the last days days, newest first.
func (s *SQLiteStore) DailyStats(ctx context.Context, days int) ([]domain.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, field, count FROM daily_stats WHERE date >= ? ORDER BY date DESC, field ASC`,
		sinceDay(s.now(), days),
	)
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

// PruneMinuteCounters removes buckets older than before.
func (s *SQLiteStore) PruneMinuteCounters(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE bucket < ?`, before.UTC().Format(domain.MinuteBucketLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// sinceDay is the first date included in a window of days days ending today.
func sinceDay(now time.Time, days int) string {
	if days < 1 {
		days = 1
	}
	return now.UTC().AddDate(0, 0, -(days - 1)).Format(dayLayout)
}
