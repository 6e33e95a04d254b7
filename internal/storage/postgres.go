package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "chatrelay/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS channels (
	id           VARCHAR(15) PRIMARY KEY,
	login        VARCHAR(25) UNIQUE NOT NULL,
	display_name TEXT        NOT NULL,
	log          BOOLEAN     NOT NULL DEFAULT false,
	prefix       VARCHAR(15) NOT NULL DEFAULT '!',
	suspended    BOOLEAN     NOT NULL DEFAULT false,
	privileged   BOOLEAN     NOT NULL DEFAULT false,
	joined_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required (CHATRELAY_DATABASE_URL)")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(cctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	log.Info("postgres store opened",
		logx.String("host", pcfg.ConnConfig.Host),
		logx.String("db", pcfg.ConnConfig.Database),
	)
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresChannel(r pgx.Row) (Channel, error) {
	var c Channel
	err := r.Scan(&c.ID, &c.Login, &c.DisplayName, &c.Log, &c.Prefix, &c.Suspended, &c.Privileged, &c.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return c, err
}

func (s *postgresStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY joined_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (Channel, error) {
		return scanPostgresChannel(r)
	})
}

func (s *postgresStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	return scanPostgresChannel(s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
}

func (s *postgresStore) GetChannelByLogin(ctx context.Context, login string) (Channel, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	return scanPostgresChannel(s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE login = $1`, login))
}

func (s *postgresStore) InsertChannel(ctx context.Context, c Channel) error {
	c, err := normalize(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO channels(`+channelColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.Login, c.DisplayName, c.Log, c.Prefix, c.Suspended, c.Privileged, c.JoinedAt,
	)
	return mapPgError(err)
}

func (s *postgresStore) UpdateChannel(ctx context.Context, id, field string, value any) error {
	value, err := checkField(field, value)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE channels SET `+field+` = $1 WHERE id = $2`, value, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) DeleteChannel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.log.Debug("channel deleted", logx.String("id", id))
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}
