package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "chatrelay/pkg/logx"
)

// fileStore keeps the channel table in memory and persists it as
//
//   - <prefix>.channels.snapshot.json (rewritten atomically on compaction)
//   - <prefix>.channels.journal.jsonl (append-only, replayed on open)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	channels     map[string]Channel

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op      string   `json:"op"`
	ID      string   `json:"id"`
	Channel *Channel `json:"channel,omitempty"`
}

const (
	opPut = "put"
	opDel = "del"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".channels.snapshot.json"
	journalPath := prefix + ".channels.journal.jsonl"

	channels := map[string]Channel{}
	if err := loadSnapshot(snapPath, channels); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, channels)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Info("file store opened",
		logx.String("path", snapPath),
		logx.Int("channels", len(channels)),
		logx.Int("replayed", replayed),
	)
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		channels:     channels,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) ListChannels(ctx context.Context) ([]Channel, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) || (out[i].JoinedAt.Equal(out[j].JoinedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *fileStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Channel{}, ErrClosed
	}
	c, ok := s.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return c, nil
}

func (s *fileStore) GetChannelByLogin(ctx context.Context, login string) (Channel, error) {
	_ = ctx
	login = strings.ToLower(strings.TrimSpace(login))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Channel{}, ErrClosed
	}
	for _, c := range s.channels {
		if c.Login == login {
			return c, nil
		}
	}
	return Channel{}, ErrNotFound
}

func (s *fileStore) InsertChannel(ctx context.Context, c Channel) error {
	_ = ctx
	c, err := normalize(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.channels[c.ID]; ok {
		return ErrExists
	}
	if s.loginTakenLocked(c.Login, c.ID) {
		return ErrExists
	}
	if err := s.appendLocked(journalRecord{Op: opPut, ID: c.ID, Channel: &c}); err != nil {
		return err
	}
	s.channels[c.ID] = c
	return nil
}

func (s *fileStore) UpdateChannel(ctx context.Context, id, field string, value any) error {
	_ = ctx
	value, err := checkField(field, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	c, ok := s.channels[id]
	if !ok {
		return ErrNotFound
	}
	if field == FieldLogin && s.loginTakenLocked(value.(string), id) {
		return ErrExists
	}
	c.apply(field, value)
	if err := s.appendLocked(journalRecord{Op: opPut, ID: id, Channel: &c}); err != nil {
		return err
	}
	s.channels[id] = c
	return nil
}

func (s *fileStore) DeleteChannel(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.channels[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opDel, ID: id}); err != nil {
		return err
	}
	delete(s.channels, id)
	return nil
}

func (s *fileStore) loginTakenLocked(login, except string) bool {
	for id, c := range s.channels {
		if id != except && c.Login == login {
			return true
		}
	}
	return false
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact; the journal still holds every write.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("channel journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.channels); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Channel) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Channel
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records on top of out. A torn final line
// from a crash mid-write is skipped.
func replayJournal(path string, out map[string]Channel) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case opPut:
			if r.Channel != nil {
				out[r.ID] = *r.Channel
			}
		case opDel:
			delete(out, r.ID)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
