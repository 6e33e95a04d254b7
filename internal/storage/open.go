package storage

import (
	"context"
	"errors"
	"strings"

	logx "chatrelay/pkg/logx"
)

// Store is the channel persistence API used by the channel manager and the
// inbound message handlers.
type Store interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	GetChannel(ctx context.Context, id string) (Channel, error)
	GetChannelByLogin(ctx context.Context, login string) (Channel, error)
	InsertChannel(ctx context.Context, c Channel) error
	UpdateChannel(ctx context.Context, id, field string, value any) error
	DeleteChannel(ctx context.Context, id string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
