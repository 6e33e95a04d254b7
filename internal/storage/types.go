package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("storage: channel not found")
	ErrExists       = errors.New("storage: channel already exists")
	ErrInvalidField = errors.New("storage: invalid channel field")
	ErrClosed       = errors.New("storage: closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `json:"driver" validate:"omitempty,oneof=none file sqlite postgres"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default

	// DSN comes from the environment, never from the config file.
	DSN string `json:"-"`
}

// Channel is one persisted channel row.
type Channel struct {
	ID          string    `json:"id"`
	Login       string    `json:"login"`
	DisplayName string    `json:"display_name"`
	Log         bool      `json:"log"`
	Prefix      string    `json:"prefix"`
	Suspended   bool      `json:"suspended"`
	Privileged  bool      `json:"privileged"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Updatable columns and their value kind.
const (
	FieldLogin       = "login"
	FieldDisplayName = "display_name"
	FieldLog         = "log"
	FieldPrefix      = "prefix"
	FieldSuspended   = "suspended"
	FieldPrivileged  = "privileged"
)

var stringFields = map[string]bool{FieldLogin: true, FieldDisplayName: true, FieldPrefix: true}
var boolFields = map[string]bool{FieldLog: true, FieldSuspended: true, FieldPrivileged: true}

// checkField validates an UpdateChannel call. Column names are interpolated
// into SQL by the database drivers, so nothing outside the allowlist passes.
func checkField(field string, value any) (any, error) {
	switch {
	case stringFields[field]:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidField, field, value)
		}
		if field == FieldLogin {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				return nil, fmt.Errorf("%w: empty login", ErrInvalidField)
			}
		}
		return s, nil
	case boolFields[field]:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a bool, got %T", ErrInvalidField, field, value)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
}

// apply sets an already validated field on c.
func (c *Channel) apply(field string, value any) {
	switch field {
	case FieldLogin:
		c.Login = value.(string)
	case FieldDisplayName:
		c.DisplayName = value.(string)
	case FieldPrefix:
		c.Prefix = value.(string)
	case FieldLog:
		c.Log = value.(bool)
	case FieldSuspended:
		c.Suspended = value.(bool)
	case FieldPrivileged:
		c.Privileged = value.(bool)
	}
}

func normalize(c Channel) (Channel, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.Login = strings.ToLower(strings.TrimSpace(c.Login))
	if c.ID == "" || c.Login == "" {
		return c, fmt.Errorf("%w: id and login are required", ErrInvalidField)
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Login
	}
	if c.JoinedAt.IsZero() {
		c.JoinedAt = time.Now().UTC()
	}
	return c, nil
}
