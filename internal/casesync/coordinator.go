package casesync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultDebounceThreshold is the minimum spacing between accepted change notifications.
	DefaultDebounceThreshold = 3 * time.Second
	// DefaultSettleDelay is the wait between an accepted notification and its re-fetch.
	DefaultSettleDelay = time.Second

	opInitialize   = "casesync.coordinator.initialize"
	opRefetch      = "casesync.coordinator.refetch"
	opResync       = "casesync.coordinator.resync"
	opStatusUpdate = "casesync.coordinator.update_status"

	subscriberBuffer = 1
)

// CoordinatorConfig describes the collaborators and tuning of a Coordinator.
type CoordinatorConfig struct {
	Store              LocalStore
	Fetcher            RemoteFetcher
	Connectivity       Connectivity
	Acknowledger       Acknowledger
	Scheduler          Scheduler
	Clock              func() time.Time
	Logger             *zap.Logger
	DebounceThreshold  time.Duration
	SettleDelay        time.Duration
	WriteThroughStatus bool
}

// Coordinator owns the published case snapshot for one session and keeps it
// in step with the local store and the remote fetcher.
//
// Responses are sequenced: every fetch, cache load and optimistic update takes
// a ticket when issued, and a result is published only if no later-issued
// ticket has been published already.
type Coordinator struct {
	store        LocalStore
	fetcher      RemoteFetcher
	connectivity Connectivity
	ack          Acknowledger
	scheduler    Scheduler
	clock        func() time.Time
	logger       *zap.Logger
	debounce     time.Duration
	settle       time.Duration
	writeThrough bool

	inflight singleflight.Group
	ctx      context.Context
	cancel   context.CancelFunc

	mu                 sync.Mutex
	identity           string
	state              State
	initialized        bool
	lastNotificationAt time.Time
	pending            Timer
	issued             uint64
	published          uint64
	closed             bool
	subscribers        map[int64]chan State
	nextSubscriberID   int64
}

// NewCoordinator validates the configuration and returns an idle Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ack := cfg.Acknowledger
	if ack == nil {
		ack = LogAcknowledger{Logger: logger}
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = realScheduler{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	// Zero values select the defaults; debounce and settle cannot be disabled.
	debounce := cfg.DebounceThreshold
	if debounce <= 0 {
		debounce = DefaultDebounceThreshold
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		connectivity: cfg.Connectivity,
		ack:          ack,
		scheduler:    scheduler,
		clock:        clock,
		logger:       logger,
		debounce:     debounce,
		settle:       settle,
		writeThrough: cfg.WriteThroughStatus,
		ctx:          ctx,
		cancel:       cancel,
		state:        State{Records: []Record{}},
		subscribers:  make(map[int64]chan State),
	}, nil
}

// State returns a copy of the currently published state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Identity returns the identity the coordinator is bound to.
func (c *Coordinator) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Subscribe streams published states until ctx is done or the coordinator
// closes. Slow readers only ever see the latest state.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan State {
	stream := make(chan State, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(stream)
		return stream
	}
	c.nextSubscriberID++
	id := c.nextSubscriberID
	c.subscribers[id] = stream
	stream <- c.snapshotLocked()
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		c.mu.Lock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
		c.mu.Unlock()
	}()
	return stream
}

// Initialize binds the coordinator to identity and performs the cache-first
// load followed by a remote fetch when online. It returns once the pass
// completes; a no-op when the identity is already initialized.
func (c *Coordinator) Initialize(ctx context.Context, identity string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if identity != c.identity {
		c.resetLocked(identity)
	} else if c.initialized {
		c.mu.Unlock()
		return
	}

	if identity == "" {
		c.published = c.issued
		c.state = State{Records: []Record{}}
		c.publishLocked()
		c.mu.Unlock()
		return
	}

	c.state.Loading = true
	c.publishLocked()
	cacheTicket := c.ticketLocked()
	c.mu.Unlock()

	cachePublished := false
	if cached, ok := c.store.Load(ctx, identity); ok && cached.Len() > 0 {
		cachePublished = c.apply(cacheTicket, identity, func(state *State) {
			state.Records = cloneRecords(cached.Records)
			state.HasOfflineData = true
			state.Loading = false
		})
	}

	if !c.connectivity.Online() {
		c.logger.Debug("offline, serving cached cases",
			zap.String("operation", opInitialize),
			zap.String("identity", identity),
			zap.Bool("cache_hit", cachePublished))
		c.finishLoading(identity)
		return
	}

	c.mu.Lock()
	fetchTicket := c.ticketLocked()
	c.mu.Unlock()

	records, err := c.fetch(ctx, identity, false)
	if err != nil {
		c.logFetchError(opInitialize, identity, err)
		c.apply(fetchTicket, identity, func(state *State) {
			state.HasError = true
			if !cachePublished {
				state.Records = []Record{}
			}
		})
		c.finishLoading(identity)
		return
	}

	c.publishFetched(ctx, fetchTicket, identity, records)
	c.finishLoading(identity)
}

// OnChangeNotification schedules a debounced re-fetch. Calls arriving within
// the debounce threshold of the last accepted call are ignored.
func (c *Coordinator) OnChangeNotification() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.identity == "" {
		return
	}

	now := c.clock()
	if !c.lastNotificationAt.IsZero() && now.Sub(c.lastNotificationAt) < c.debounce {
		return
	}
	c.lastNotificationAt = now

	if c.pending != nil {
		c.pending.Stop()
	}
	identity := c.identity
	c.pending = c.scheduler.AfterFunc(c.settle, func() {
		c.refetch(identity)
	})
}

// Resync forces a fetch when online and acknowledges the outcome. Offline it
// republishes the local store contents, or does nothing when none exist.
func (c *Coordinator) Resync(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return context.Canceled
	}
	identity := c.identity
	if identity == "" {
		c.mu.Unlock()
		return errNoIdentity
	}

	if !c.connectivity.Online() {
		ticket := c.ticketLocked()
		c.mu.Unlock()
		return c.reloadFromStore(ctx, ticket, identity)
	}

	c.initialized = false
	c.state.Loading = true
	c.publishLocked()
	ticket := c.ticketLocked()
	c.mu.Unlock()

	records, err := c.fetch(ctx, identity, true)
	if err != nil {
		c.logFetchError(opResync, identity, err)
		c.apply(ticket, identity, func(state *State) {
			state.HasError = true
		})
		c.finishLoading(identity)
		c.ack.Acknowledge(Acknowledgment{
			Kind:    AckSyncFailed,
			Message: "Sync failed",
			Err:     err,
		})
		return err
	}

	c.publishFetched(ctx, ticket, identity, records)
	c.finishLoading(identity)
	c.ack.Acknowledge(Acknowledgment{
		Kind:    AckSyncComplete,
		Message: "Sync complete",
		Records: len(records),
	})
	return nil
}

// UpdateStatus writes status through to the remote side and, only on
// success, replaces the status of the matching in-memory record.
func (c *Coordinator) UpdateStatus(ctx context.Context, id string, status Status) bool {
	c.mu.Lock()
	identity := c.identity
	closed := c.closed
	c.mu.Unlock()
	if closed || identity == "" || !c.connectivity.Online() {
		return false
	}

	if err := c.fetcher.UpdateStatus(ctx, id, status, identity); err != nil {
		c.logger.Warn("case status update failed",
			zap.String("operation", opStatusUpdate),
			zap.String("identity", identity),
			zap.String("case_id", id),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err))
		return false
	}

	c.mu.Lock()
	if c.closed || c.identity != identity {
		c.mu.Unlock()
		return true
	}
	records, found := withStatus(c.state.Records, id, status)
	if found {
		c.published = c.ticketLocked()
		c.state.Records = records
		c.publishLocked()
	}
	c.mu.Unlock()

	if found && c.writeThrough {
		c.store.Store(ctx, identity, records)
	}
	return true
}

// Close cancels any pending re-fetch and releases subscribers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Coordinator) refetch(identity string) {
	c.mu.Lock()
	if c.closed || c.identity != identity {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	ticket := c.ticketLocked()
	c.mu.Unlock()

	if !c.connectivity.Online() {
		c.logger.Debug("skipping change re-fetch while offline",
			zap.String("operation", opRefetch),
			zap.String("identity", identity))
		return
	}

	records, err := c.fetch(c.ctx, identity, true)
	if err != nil {
		c.logFetchError(opRefetch, identity, err)
		c.apply(ticket, identity, func(state *State) {
			state.HasError = true
		})
		return
	}
	c.publishFetched(c.ctx, ticket, identity, records)
}

func (c *Coordinator) reloadFromStore(ctx context.Context, ticket uint64, identity string) error {
	cached, ok := c.store.Load(ctx, identity)
	if !ok {
		return nil
	}
	applied := c.apply(ticket, identity, func(state *State) {
		state.Records = cloneRecords(cached.Records)
		state.HasOfflineData = true
		state.Loading = false
	})
	if applied {
		c.ack.Acknowledge(Acknowledgment{
			Kind:    AckSyncComplete,
			Message: "Loaded offline data",
			Records: cached.Len(),
		})
	}
	return nil
}

func (c *Coordinator) publishFetched(ctx context.Context, ticket uint64, identity string, records []Record) {
	fresh := cloneRecords(records)
	applied := c.apply(ticket, identity, func(state *State) {
		state.Records = fresh
		state.HasOfflineData = false
		state.HasError = false
	})
	if !applied {
		c.logger.Debug("discarding stale case fetch",
			zap.String("identity", identity),
			zap.Uint64("ticket", ticket))
		return
	}

	c.mu.Lock()
	if c.identity == identity {
		c.initialized = true
	}
	c.mu.Unlock()

	c.store.Store(ctx, identity, fresh)
}

// fetch shares one remote request per identity between concurrent callers.
// With fresh set, a request already in flight is not joined, so the read is
// issued after the call. The shared request runs on the coordinator's context;
// each caller stops waiting when its own ctx ends.
func (c *Coordinator) fetch(ctx context.Context, identity string, fresh bool) ([]Record, error) {
	if fresh {
		c.inflight.Forget(identity)
	}
	results := c.inflight.DoChan(identity, func() (any, error) {
		return c.fetcher.FetchAll(c.ctx, identity)
	})
	select {
	case <-ctx.Done():
		return nil, networkError(opFetchAll, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		records, _ := result.Val.([]Record)
		return records, nil
	}
}

// apply publishes mutate's result if ticket is newer than the last published one.
func (c *Coordinator) apply(ticket uint64, identity string, mutate func(state *State)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.identity != identity || ticket <= c.published {
		return false
	}
	c.published = ticket
	mutate(&c.state)
	c.publishLocked()
	return true
}

func (c *Coordinator) finishLoading(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.identity != identity || !c.state.Loading {
		return
	}
	c.state.Loading = false
	c.publishLocked()
}

func (c *Coordinator) resetLocked(identity string) {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.identity = identity
	c.initialized = false
	c.lastNotificationAt = time.Time{}
	c.published = c.issued
	c.state = State{Records: []Record{}}
}

func (c *Coordinator) ticketLocked() uint64 {
	c.issued++
	return c.issued
}

func (c *Coordinator) snapshotLocked() State {
	state := c.state
	state.Records = cloneRecords(c.state.Records)
	return state
}

func (c *Coordinator) publishLocked() {
	state := c.snapshotLocked()
	for _, stream := range c.subscribers {
		select {
		case stream <- state:
		default:
			select {
			case <-stream:
			default:
			}
			select {
			case stream <- state:
			default:
			}
		}
	}
}

func (c *Coordinator) logFetchError(operation, identity string, err error) {
	c.logger.Warn("case fetch failed",
		zap.String("operation", operation),
		zap.String("identity", identity),
		zap.String("kind", string(KindOf(err))),
		zap.Error(err))
}
