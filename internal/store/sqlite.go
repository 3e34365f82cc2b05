package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"appbuilder/internal/db"
	"appbuilder/internal/domain"
	"appbuilder/internal/migrate"
)

// SQLiteStore keeps one processed_requests row per idempotency key.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

// OpenSQLite opens (and migrates) the database at path. Pending markers left
// by an earlier process are dropped: no run of this process owns them.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	s := &SQLiteStore{DB: conn, Now: time.Now}
	n, err := s.releaseOrphans(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("release orphaned reservations: %w", err)
	}
	if n > 0 {
		log.WithField("count", n).Warn("store: dropped reservations left by a previous process")
	}
	return s, nil
}

func (s *SQLiteStore) releaseOrphans(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM processed_requests WHERE status=?`, string(StatusPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) Lookup(ctx context.Context, key string) (Entry, error) {
	return s.get(ctx, s.DB, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, key string) (Entry, error) {
	var (
		e         Entry
		status    string
		outcome   sql.NullString
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `SELECT key, status, outcome_json, updated_at FROM processed_requests WHERE key=?`, key).
		Scan(&e.Key, &status, &outcome, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return buildEntry(e.Key, status, outcome, updatedAt)
}

func buildEntry(key, status string, outcome sql.NullString, updatedAt string) (Entry, error) {
	e := Entry{Key: key, Status: Status(status)}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if outcome.Valid && outcome.String != "" {
		var out domain.PublishOutcome
		if err := json.Unmarshal([]byte(outcome.String), &out); err != nil {
			return Entry{}, fmt.Errorf("decode outcome for %s: %w", key, err)
		}
		e.Outcome = &out
	}
	return e, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, req domain.TaskRequest) (Entry, bool, error) {
	key := req.Key()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `INSERT INTO processed_requests(key, status, email, task, round, nonce, outcome_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT(key) DO NOTHING`, key, string(StatusPending), req.Email, req.Task, req.Round, req.Nonce, now, now)
	if err != nil {
		return Entry{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, false, err
	}
	if n == 1 {
		return Entry{}, true, tx.Commit()
	}
	existing, err := s.get(ctx, tx, key)
	if err != nil {
		return Entry{}, false, err
	}
	return existing, false, tx.Commit()
}

func (s *SQLiteStore) Complete(ctx context.Context, key string, outcome domain.PublishOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO processed_requests(key, status, email, task, round, nonce, outcome_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET status=excluded.status, outcome_json=excluded.outcome_json, updated_at=excluded.updated_at`,
		key, string(StatusDone), outcome.Email, outcome.Task, outcome.Round, outcome.Nonce, string(payload), now, now)
	return err
}

func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM processed_requests WHERE key=? AND status=?`, key, string(StatusPending))
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, status, outcome_json, updated_at FROM processed_requests ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			key, status, updatedAt string
			outcome                sql.NullString
		)
		if err := rows.Scan(&key, &status, &outcome, &updatedAt); err != nil {
			return nil, err
		}
		e, err := buildEntry(key, status, outcome, updatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

var _ Store = (*SQLiteStore)(nil)
