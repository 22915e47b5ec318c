package casesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
)

var errTransport = errors.New("dial tcp: connection refused")

type memoryStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	loads     int
	stores    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snapshots: make(map[string]Snapshot)}
}

func (s *memoryStore) seed(identity string, records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[identity] = Snapshot{Records: cloneRecords(records), CapturedAt: fixedStoreTime, IsOffline: true}
}

func (s *memoryStore) Store(_ context.Context, identity string, records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	s.snapshots[identity] = Snapshot{Records: cloneRecords(records), CapturedAt: fixedStoreTime}
}

func (s *memoryStore) Load(_ context.Context, identity string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	snapshot, ok := s.snapshots[identity]
	return snapshot, ok
}

func (s *memoryStore) Clear(_ context.Context, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, identity)
}

func (s *memoryStore) Exists(_ context.Context, identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snapshots[identity]
	return ok
}

func (s *memoryStore) storeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores
}

type stubFetcher struct {
	mu         sync.Mutex
	records    []Record
	err        error
	updateErr  error
	gate       chan struct{}
	entered    chan struct{}
	fetchCalls int
	updates    []string
}

func (f *stubFetcher) FetchAll(ctx context.Context, _ string) ([]Record, error) {
	f.mu.Lock()
	f.fetchCalls++
	gate := f.gate
	entered := f.entered
	records := cloneRecords(f.records)
	err := f.err
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, networkError(opFetchAll, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (f *stubFetcher) UpdateStatus(_ context.Context, id string, status Status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, id+"="+status.String())
	return nil
}

func (f *stubFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *stubFetcher) setRecords(records []Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchAll(ctx context.Context, identity string) ([]Record, error) {
	args := m.Called(ctx, identity)
	records, _ := args.Get(0).([]Record)
	return records, args.Error(1)
}

func (m *mockFetcher) UpdateStatus(ctx context.Context, id string, status Status, identity string) error {
	args := m.Called(ctx, id, status, identity)
	return args.Error(0)
}

type fakeTimer struct {
	mu      *sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{mu: &s.mu, delay: d, fn: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fireDue runs every timer that is neither stopped nor already fired.
func (s *fakeScheduler) fireDue() int {
	s.mu.Lock()
	due := make([]*fakeTimer, 0, len(s.timers))
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	s.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAcknowledger struct {
	mu   sync.Mutex
	acks []Acknowledgment
}

func (a *recordingAcknowledger) Acknowledge(ack Acknowledgment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ack)
}

func (a *recordingAcknowledger) all() []Acknowledgment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Acknowledgment(nil), a.acks...)
}

type coordinatorFixture struct {
	coordinator  *Coordinator
	store        *memoryStore
	fetcher      *stubFetcher
	connectivity *ConnectivityFlag
	scheduler    *fakeScheduler
	clock        *fakeClock
	acks         *recordingAcknowledger
}

func newCoordinatorFixture(t *testing.T, online bool) *coordinatorFixture {
	t.Helper()
	fixture := &coordinatorFixture{
		store:        newMemoryStore(),
		fetcher:      &stubFetcher{},
		connectivity: NewConnectivityFlag(online),
		scheduler:    &fakeScheduler{},
		clock:        newFakeClock(),
		acks:         &recordingAcknowledger{},
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:        fixture.store,
		Fetcher:      fixture.fetcher,
		Connectivity: fixture.connectivity,
		Acknowledger: fixture.acks,
		Scheduler:    fixture.scheduler,
		Clock:        fixture.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	fixture.coordinator = coordinator
	return fixture
}

func waitForState(t *testing.T, stream <-chan State, predicate func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state, ok := <-stream:
			if !ok {
				t.Fatalf("state stream closed before condition was met")
			}
			if predicate(state) {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state")
		}
	}
}

func recordIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}
