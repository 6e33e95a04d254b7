// Package identity resolves platform user ids and logins through the Helix
// users endpoint, with a cache in front.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/cache"
	"chatrelay/internal/retry"
	logx "chatrelay/pkg/logx"
)

const (
	DefaultURL         = "https://api.twitch.tv/helix"
	MaxUsersPerRequest = 100
)

type User struct {
	ID          string    `json:"id"`
	Login       string    `json:"login"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type Config struct {
	URL         string
	ClientID    string
	Token       string
	CacheTTL    time.Duration
	Concurrency int
	Timeout     time.Duration
	Retry       retry.Options
}

type Resolver struct {
	cfg   Config
	http  *http.Client
	cache cache.Cache
	log   logx.Logger
}

// New builds a Resolver. c may be nil to disable caching.
func New(cfg Config, c cache.Cache, log logx.Logger) *Resolver {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: c,
		log:   log.With(logx.Component("identity")),
	}
}

// ResolveIDs returns the users that exist, keyed by id. Ids missing from the
// result are unknown to the platform (deleted or suspended).
func (r *Resolver) ResolveIDs(ctx context.Context, ids []string) (map[string]User, error) {
	return r.resolve(ctx, "id", ids)
}

// ResolveLogins returns the users that exist, keyed by login.
func (r *Resolver) ResolveLogins(ctx context.Context, logins []string) (map[string]User, error) {
	return r.resolve(ctx, "login", logins)
}

func keyOf(u User, field string) string {
	if field == "id" {
		return u.ID
	}
	return u.Login
}

func (r *Resolver) resolve(ctx context.Context, field string, keys []string) (map[string]User, error) {
	keys = lo.Uniq(lo.Compact(keys))
	out := make(map[string]User, len(keys))

	missing := keys
	if r.cache != nil {
		missing = missing[:0:0]
		for _, k := range keys {
			raw, err := r.cache.Get(ctx, cacheKey(field, k))
			if err != nil {
				missing = append(missing, k)
				continue
			}
			var u User
			if json.Unmarshal(raw, &u) != nil {
				missing = append(missing, k)
				continue
			}
			out[k] = u
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, batch := range lo.Chunk(missing, MaxUsersPerRequest) {
		g.Go(func() error {
			users, err := r.fetch(gctx, field, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, u := range users {
				out[keyOf(u, field)] = u
			}
			mu.Unlock()
			r.store(gctx, users)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.log.Debug("resolved users",
		logx.String("by", field),
		logx.Int("requested", len(keys)),
		logx.Int("fetched", len(missing)),
		logx.Int("found", len(out)),
	)
	return out, nil
}

func cacheKey(field, k string) string { return "user:" + field + ":" + k }

func (r *Resolver) store(ctx context.Context, users []User) {
	if r.cache == nil {
		return
	}
	for _, u := range users {
		raw, err := json.Marshal(u)
		if err != nil {
			continue
		}
		_ = r.cache.Set(ctx, cacheKey("id", u.ID), raw, r.cfg.CacheTTL)
		_ = r.cache.Set(ctx, cacheKey("login", u.Login), raw, r.cfg.CacheTTL)
	}
}

func (r *Resolver) fetch(ctx context.Context, field string, batch []string) ([]User, error) {
	q := url.Values{}
	for _, k := range batch {
		q.Add(field, k)
	}
	endpoint := r.cfg.URL + "/users?" + q.Encode()

	var users []User
	opt := r.cfg.Retry
	opt.Label = "helix.users"
	opt.Log = r.log
	err := retry.Do(ctx, opt, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.NoRetry(err)
		}
		if r.cfg.ClientID != "" {
			req.Header.Set("Client-Id", r.cfg.ClientID)
		}
		if r.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
		}
		res, err := r.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		if err != nil {
			return err
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return &retry.StatusError{Code: res.StatusCode, Body: string(raw)}
		}
		var body struct {
			Data []User `json:"data"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return retry.NoRetry(fmt.Errorf("identity: decode users: %w", err))
		}
		users = body.Data
		return nil
	})
	return users, err
}
