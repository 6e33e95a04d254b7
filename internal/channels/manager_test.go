package channels

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/identity"
	"chatrelay/internal/retry"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

type fakeMember struct {
	mu       sync.Mutex
	calls    []string
	joined   map[string]bool
	failures map[string]int

	joinedGate chan struct{} // Joined blocks on it when set
	joinGate   chan struct{} // Join blocks on it when set
	joinStart  chan string
	parked     chan struct{}
}

func newFakeMember() *fakeMember {
	return &fakeMember{joined: map[string]bool{}, failures: map[string]int{}, joinStart: make(chan string, 16), parked: make(chan struct{}, 16)}
}

func (f *fakeMember) Join(ctx context.Context, login string) error {
	f.joinStart <- login
	if f.joinGate != nil {
		select {
		case <-f.joinGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "join "+login)
	if f.failures[login] > 0 {
		f.failures[login]--
		return errors.New("connection reset")
	}
	f.joined[login] = true
	return nil
}

func (f *fakeMember) Part(_ context.Context, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "part "+login)
	delete(f.joined, login)
	return nil
}

func (f *fakeMember) Joined(ctx context.Context) ([]string, error) {
	if f.joinedGate != nil {
		f.parked <- struct{}{}
		select {
		case <-f.joinedGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.joined))
	for l := range f.joined {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeMember) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func newManager(t *testing.T, f *fakeMember, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(logx.Nop())}, opts...)
	m, err := New(f, Config{JoinRetry: retry.Options{MaxRetries: 2}}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// settle waits for the join queue and any in-flight joins.
func settle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.queue.Wait(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
	m.inflight.Wait()
}

func TestPartBeforeQueuedJoin(t *testing.T) {
	t.Parallel()
	f := newFakeMember()
	f.joinedGate = make(chan struct{})
	m := newManager(t, f)

	m.Join("first")
	<-f.parked
	m.Join("target")
	if err := m.Part(context.Background(), "target"); err != nil {
		t.Fatalf("Part: %v", err)
	}
	close(f.joinedGate)
	settle(t, m)

	if got := f.Calls(); !slices.Equal(got, []string{"join first"}) {
		t.Fatalf("calls = %v, want only the first join", got)
	}
	if d := m.Desired(); !slices.Equal(d, []string{"first"}) {
		t.Fatalf("Desired = %v", d)
	}
}

func TestPartAfterJoin(t *testing.T) {
	t.Parallel()
	f := newFakeMember()
	m := newManager(t, f)

	m.Join("#Chan")
	settle(t, m)
	if err := m.Part(context.Background(), "chan"); err != nil {
		t.Fatalf("Part: %v", err)
	}
	if got := f.Calls(); !slices.Equal(got, []string{"join chan", "part chan"}) {
		t.Fatalf("calls = %v", got)
	}
	if len(m.Desired()) != 0 {
		t.Fatalf("Desired = %v, want empty", m.Desired())
	}
}

func TestPartDuringInFlightJoin(t *testing.T) {
	t.Parallel()
	f := newFakeMember()
	f.joinGate = make(chan struct{})
	m := newManager(t, f)

	m.Join("x")
	select {
	case <-f.joinStart:
	case <-time.After(2 * time.Second):
		t.Fatal("join never started")
	}
	if err := m.Part(context.Background(), "x"); err != nil {
		t.Fatalf("Part: %v", err)
	}
	close(f.joinGate)
	settle(t, m)

	if got := f.Calls(); !slices.Equal(got, []string{"join x", "part x"}) {
		t.Fatalf("calls = %v, want join then part", got)
	}
}

func TestRepeatedJoinQueuesOnce(t *testing.T) {
	t.Parallel()
	f := newFakeMember()
	f.joinedGate = make(chan struct{})
	m := newManager(t, f)

	m.Join("gate")
	<-f.parked
	for i := 0; i < 3; i++ {
		m.Join("x")
	}
	if n := m.queue.Len(); n != 1 {
		t.Fatalf("queued jobs = %d, want 1", n)
	}
	close(f.joinedGate)
	settle(t, m)

	n := 0
	for _, c := range f.Calls() {
		if c == "join x" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("join x calls = %d, want 1", n)
	}
}

func TestJoinRetriesAndSkipsJoined(t *testing.T) {
	t.Parallel()
	f := newFakeMember()
	f.failures["flaky"] = 1
	f.joined["already"] = true
	m := newManager(t, f)

	m.Join("flaky")
	m.Join("already")
	settle(t, m)

	if got := f.Calls(); !slices.Equal(got, []string{"join flaky", "join flaky"}) {
		t.Fatalf("calls = %v", got)
	}
	joined, err := m.Joined(context.Background())
	if err != nil {
		t.Fatalf("Joined: %v", err)
	}
	slices.Sort(joined)
	if !slices.Equal(joined, []string{"already", "flaky"}) {
		t.Fatalf("Joined = %v", joined)
	}
}

func TestJoinedIsCached(t *testing.T) {
	t.Parallel()
	f := newFakeMember()
	now := time.Unix(0, 0)
	m := newManager(t, f, WithClock(func() time.Time { return now }))

	if got, _ := m.Joined(context.Background()); len(got) != 0 {
		t.Fatalf("Joined = %v", got)
	}
	f.mu.Lock()
	f.joined["late"] = true
	f.mu.Unlock()
	if got, _ := m.Joined(context.Background()); len(got) != 0 {
		t.Fatalf("Joined within ttl = %v, want cached empty set", got)
	}
	now = now.Add(JoinedCacheTTL)
	if got, _ := m.Joined(context.Background()); !slices.Equal(got, []string{"late"}) {
		t.Fatalf("Joined after ttl = %v", got)
	}
}

type fakeStore struct {
	mu      sync.Mutex
	chans   []storage.Channel
	updates []string
}

func (s *fakeStore) ListChannels(context.Context) ([]storage.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chans), nil
}

func (s *fakeStore) UpdateChannel(_ context.Context, id, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, id+"."+field)
	return nil
}

type fakeResolver map[string]identity.User

func (r fakeResolver) ResolveIDs(_ context.Context, ids []string) (map[string]identity.User, error) {
	out := map[string]identity.User{}
	for _, id := range ids {
		if u, ok := r[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func TestLoadReconciles(t *testing.T) {
	t.Parallel()
	st := &fakeStore{chans: []storage.Channel{
		{ID: "1", Login: "alpha", DisplayName: "Alpha"},
		{ID: "2", Login: "bravo", DisplayName: "bravo", Suspended: true},
		{ID: "3", Login: "charlie", DisplayName: "Charlie"},
		{ID: "4", Login: "delta", DisplayName: "Delta"},
	}}
	res := fakeResolver{
		"1": {ID: "1", Login: "alpha", DisplayName: "Alpha"},
		"2": {ID: "2", Login: "bravo", DisplayName: "Bravo"},
		"3": {ID: "3", Login: "charlie2", DisplayName: "Charlie2"},
	}
	var hooked, parted []string
	f := newFakeMember()
	m := newManager(t, f,
		WithStore(st, res),
		WithOnChannel(func(_ context.Context, id string) { hooked = append(hooked, id) }),
		WithOnPart(func(_ context.Context, id string) { parted = append(parted, id) }),
	)

	rep, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	settle(t, m)

	if rep.Channels != 4 || rep.Joined != 3 || rep.Suspended != 1 || rep.Unsuspended != 1 || rep.Renamed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !slices.Equal(hooked, []string{"1", "2", "3"}) {
		t.Fatalf("hooked = %v", hooked)
	}
	if !slices.Equal(parted, []string{"4"}) {
		t.Fatalf("parted = %v", parted)
	}
	if d := m.Desired(); !slices.Equal(d, []string{"alpha", "bravo", "charlie2"}) {
		t.Fatalf("Desired = %v", d)
	}
	want := []string{
		"2.suspended", "2.display_name",
		"3.login", "3.display_name",
		"4.suspended",
	}
	got := slices.Clone(st.updates)
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("updates = %v, want %v", got, want)
	}
}

func TestLoadPartsChannelThatDisappears(t *testing.T) {
	t.Parallel()
	st := &fakeStore{chans: []storage.Channel{
		{ID: "1", Login: "alpha"},
		{ID: "2", Login: "bravo"},
	}}
	res := fakeResolver{
		"1": {ID: "1", Login: "alpha"},
		"2": {ID: "2", Login: "bravo"},
	}
	var parted []string
	f := newFakeMember()
	m := newManager(t, f,
		WithStore(st, res),
		WithOnPart(func(_ context.Context, id string) { parted = append(parted, id) }),
	)
	ctx := context.Background()

	if _, err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	settle(t, m)
	if len(parted) != 0 {
		t.Fatalf("parted after first load = %v", parted)
	}

	// Already flagged in storage, but still joined from the last load.
	delete(res, "1")
	st.mu.Lock()
	st.chans[0].Suspended = true
	st.mu.Unlock()
	if _, err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	settle(t, m)
	if !slices.Equal(parted, []string{"1"}) {
		t.Fatalf("parted = %v", parted)
	}
	if d := m.Desired(); !slices.Equal(d, []string{"bravo"}) {
		t.Fatalf("Desired = %v", d)
	}

	if _, err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(parted) != 1 {
		t.Fatalf("parted again for a channel no longer served: %v", parted)
	}
}

func TestLoadWithoutStoreIsNoop(t *testing.T) {
	t.Parallel()
	m := newManager(t, newFakeMember())
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(m.Desired()) != 0 {
		t.Fatal("no channels should be desired")
	}
}
