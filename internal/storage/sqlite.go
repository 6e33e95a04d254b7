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

	logx "chatrelay/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const channelColumns = `id, login, display_name, log, prefix, suspended, privileged, joined_at`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
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
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteChannel(r rowScanner) (Channel, error) {
	var (
		c      Channel
		joined string
	)
	if err := r.Scan(&c.ID, &c.Login, &c.DisplayName, &c.Log, &c.Prefix, &c.Suspended, &c.Privileged, &joined); err != nil {
		return Channel{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, joined)
	if err != nil {
		return Channel{}, fmt.Errorf("sqlite: joined_at of %s: %w", c.ID, err)
	}
	c.JoinedAt = t
	return c, nil
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY joined_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanSQLiteChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	return s.getBy(ctx, "id", id)
}

func (s *sqliteStore) GetChannelByLogin(ctx context.Context, login string) (Channel, error) {
	return s.getBy(ctx, "login", strings.ToLower(strings.TrimSpace(login)))
}

func (s *sqliteStore) getBy(ctx context.Context, col, v string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE `+col+` = ?`, v)
	c, err := scanSQLiteChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) InsertChannel(ctx context.Context, c Channel) error {
	c, err := normalize(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(`+channelColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.Login, c.DisplayName, c.Log, c.Prefix, c.Suspended, c.Privileged,
		c.JoinedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) UpdateChannel(ctx context.Context, id, field string, value any) error {
	value, err := checkField(field, value)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET `+field+` = ? WHERE id = ?`, value, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrExists
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.log.Debug("channel deleted", logx.String("id", id))
	return nil
}
