package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"unlockbot/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

// sqlStore implements Store over database/sql. Both the sqlite and postgres
// drivers use it; they differ in placeholders and how the schema is applied.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	// numbered is true for drivers that accept "$n" natively.
	numbered bool
	onClose func() error
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqlStore{db: db, log: log}, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		if cerr := s.onClose(); err == nil {
			err = cerr
		}
	}
	return err
}

// q rewrites "$n" placeholders to "?n" for sqlite.
func (s *sqlStore) q(query string) string {
	if s.numbered {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

func (s *sqlStore) UpsertAccount(ctx context.Context, a Account) (Account, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO accounts(id, name, target_group_id, delay_tier, session_status, updated_at)
		 VALUES($1, $2, $3, $4, 'disconnected', $5)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   target_group_id = excluded.target_group_id,
		   delay_tier = excluded.delay_tier,
		   updated_at = excluded.updated_at
		 RETURNING session_status`),
		a.ID, a.Name, nullStr(a.TargetChannelID), a.DelayTier, now.Format(tsLayout),
	)
	var status string
	if err := row.Scan(&status); err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	a.Status = Status(status)
	a.UpdatedAt = now
	return a, nil
}

// tsLayout is fixed-width so text timestamps sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const accountCols = `id, name, COALESCE(target_group_id, ''), delay_tier, session_status, updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanAccount(sc scanner) (Account, error) {
	var (
		a       Account
		status  string
		updated string
	)
	if err := sc.Scan(&a.ID, &a.Name, &a.TargetChannelID, &a.DelayTier, &status, &updated); err != nil {
		return Account{}, err
	}
	a.Status = Status(status)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return a, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountCols+` FROM accounts WHERE id = $1`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM accounts WHERE id = $1`), id)
	return err
}

func (s *sqlStore) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE accounts SET session_status = $1, updated_at = $2 WHERE id = $3`),
		string(status), time.Now().UTC().Format(tsLayout), id)
	return err
}

func (s *sqlStore) AppendFire(ctx context.Context, r FireRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO fires(id, account_id, channel_id, payload, outcome, attempts, err, started_at, finished_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		r.ID, r.AccountID, r.ChannelID, r.Payload, r.Outcome, r.Attempts, nullStr(r.Error),
		r.StartedAt.UTC().Format(tsLayout), r.FinishedAt.UTC().Format(tsLayout),
	)
	return err
}

func (s *sqlStore) ListFires(ctx context.Context, accountID string, limit int) ([]FireRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, account_id, channel_id, payload, outcome, attempts, COALESCE(err, ''), started_at, finished_at
		 FROM fires WHERE ($1 = '' OR account_id = $1)
		 ORDER BY finished_at DESC LIMIT $2`),
		accountID, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FireRecord
	for rows.Next() {
		var (
			r                 FireRecord
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ChannelID, &r.Payload, &r.Outcome, &r.Attempts, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
