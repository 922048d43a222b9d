package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/entrhq/shale/pkg/browser"
	"github.com/entrhq/shale/pkg/logging"
)

// EvictionPolicy decides what CreateBrowser does when the pool is full.
type EvictionPolicy string

const (
	// EvictionReject fails the create with PoolExhausted.
	EvictionReject EvictionPolicy = "reject"

	// EvictionOldest terminates the least recently used unreserved session
	// and gives its slot to the new one. If every session is reserved the
	// create fails with PoolExhausted.
	EvictionOldest EvictionPolicy = "evict-oldest"
)

// Default values for Options
const (
	DefaultMaxSessions      = 5
	DefaultSpawnConcurrency = 2
	DefaultTerminateTimeout = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	MaxSessions int
	Eviction    EvictionPolicy

	// SupportedBrowsers is the exact, case-sensitive set of accepted names
	SupportedBrowsers []string

	// IdleTimeout reaps unreserved sessions unused for this long (0 = never)
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	// SpawnTimeout bounds a single driver spawn (0 = caller's context only)
	SpawnTimeout     time.Duration
	SpawnConcurrency int

	TerminateTimeout time.Duration

	Logger *logging.Logger
	Events Publisher
}

// CreateRequest describes a browser to create.
type CreateRequest struct {
	BrowserName string
	Tags        []string
	Reserve     bool
}

// Stats summarises pool occupancy.
type Stats struct {
	MaxSessions int            `json:"max_sessions"`
	Live        int            `json:"live"`
	Reserved    int            `json:"reserved"`
	Starting    int            `json:"starting"`
	Eviction    EvictionPolicy `json:"eviction"`

	// Leaked counts sessions removed from the pool whose browser could not
	// be terminated
	Leaked int `json:"leaked"`
}

// Pool owns every browser session of the server. It enforces capacity,
// creates sessions through the driver and answers queries.
//
// Capacity is tracked in slots: a slot is claimed before a spawn starts and
// released when the spawn fails or the session later leaves the registry,
// so concurrent creates can never overshoot MaxSessions.
type Pool struct {
	opts         Options
	driver       browser.Driver
	registry     *Registry
	reservations *Reservations
	supported    map[string]struct{}
	spawnSem     *semaphore.Weighted
	log          *logging.Logger
	events       Publisher

	mu       sync.Mutex
	claimed  int // live sessions plus in-flight creates
	pending  int // in-flight creates
	leaked   int
	closed   bool
	inflight sync.WaitGroup

	// closing is cancelled by Close to abort spawns and the reaper
	closing context.Context
	stopAll context.CancelFunc
	reapOn  bool
	reapEnd chan struct{}
}

// New creates a pool over driver. The pool takes ownership of the driver and
// closes it in Close.
func New(driver browser.Driver, opts Options) (*Pool, error) {
	if driver == nil {
		return nil, errors.New("pool: driver is required")
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.MaxSessions < 0 {
		return nil, fmt.Errorf("pool: max sessions cannot be negative, got %d", opts.MaxSessions)
	}
	switch opts.Eviction {
	case "":
		opts.Eviction = EvictionReject
	case EvictionReject, EvictionOldest:
	default:
		return nil, fmt.Errorf("pool: unknown eviction policy %q", opts.Eviction)
	}
	if len(opts.SupportedBrowsers) == 0 {
		return nil, errors.New("pool: at least one supported browser is required")
	}
	if opts.SpawnConcurrency <= 0 {
		opts.SpawnConcurrency = DefaultSpawnConcurrency
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = DefaultTerminateTimeout
	}
	if opts.IdleTimeout > 0 && opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.IdleTimeout / 2
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewWithWriter("pool", io.Discard, logging.LevelError)
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}

	supported := make(map[string]struct{}, len(opts.SupportedBrowsers))
	for _, name := range opts.SupportedBrowsers {
		supported[name] = struct{}{}
	}

	registry := NewRegistry()
	closing, stopAll := context.WithCancel(context.Background())

	return &Pool{
		opts:         opts,
		driver:       driver,
		registry:     registry,
		reservations: NewReservations(registry),
		supported:    supported,
		spawnSem:     semaphore.NewWeighted(int64(opts.SpawnConcurrency)),
		log:          opts.Logger,
		events:       opts.Events,
		closing:      closing,
		stopAll:      stopAll,
	}, nil
}

// CreateBrowser spawns a browser and registers it as a session.
//
// The spawn and the insert form one unit: if the driver fails, the spawn
// times out or ctx is cancelled, any spawned process is terminated and no
// session is registered. With Reserve set the session is registered already
// reserved.
func (p *Pool) CreateBrowser(ctx context.Context, req CreateRequest) (Session, error) {
	if _, ok := p.supported[req.BrowserName]; !ok {
		return Session{}, unsupportedBrowser(req.BrowserName, nil)
	}
	tags := NormalizeTags(req.Tags)

	victim, err := p.claimSlot()
	if err != nil {
		p.log.Warnf("create %s refused: %v", req.BrowserName, err)
		return Session{}, err
	}
	defer p.inflight.Done()

	if victim != nil {
		p.log.Infof("evicting session %s to make room for %s", victim.session.ID, req.BrowserName)
		if err := p.retire(ctx, *victim, EventEvicted); err != nil {
			p.log.Errorf("evicted session %s leaked: %v", victim.session.ID, err)
		}
	}

	h, err := p.spawn(ctx, req.BrowserName)
	if err != nil {
		p.abandonSlot()
		p.log.Errorf("spawn %s: %v", req.BrowserName, err)
		return Session{}, err
	}

	if err := ctx.Err(); err != nil {
		p.abandonSlot()
		p.discard(ctx, h)
		return Session{}, canceled(err)
	}

	s, err := p.commit(h, tags, req.Reserve)
	if err != nil {
		p.discard(ctx, h)
		return Session{}, err
	}

	p.log.Infof("created session %s (%s, tags=%v, reserved=%t)", s.ID, s.BrowserName, s.Tags, s.Reserved)
	p.publish(EventCreated, s)
	return s, nil
}

// RunningBrowsers lists the live sessions matching f, oldest first.
func (p *Pool) RunningBrowsers(f Filter) (iter.Seq[Session], error) {
	match, err := f.compile()
	if err != nil {
		return nil, err
	}
	return p.registry.List(match), nil
}

// Get returns the session with the given id.
func (p *Pool) Get(id string) (Session, error) {
	return p.registry.Get(id)
}

// DeleteBrowser removes a session and terminates its browser. A reserved
// session is only deleted with force, which releases it first.
//
// Once the session has left the registry a terminate failure is still
// reported, as DriverFailure.
func (p *Pool) DeleteBrowser(ctx context.Context, id string, force bool) error {
	var forced bool
	s, h, err := p.registry.removeIf(id, func(e *entry) error {
		if !e.reserved {
			return nil
		}
		if !force {
			return resourceBusy(id)
		}
		e.reserved = false
		forced = true
		return nil
	})
	if err != nil {
		return err
	}
	p.releaseSlot()

	if forced {
		p.log.Infof("force-released session %s for deletion", id)
	}
	if err := p.retire(ctx, removed{session: s, handle: h}, EventDeleted); err != nil {
		p.log.Errorf("delete session %s: %v", id, err)
		return err
	}

	p.log.Infof("deleted session %s", id)
	return nil
}

// Reserve grants an exclusive hold on a free session.
func (p *Pool) Reserve(id string) (Session, error) {
	s, err := p.reservations.Reserve(id)
	if err != nil {
		return Session{}, err
	}
	p.log.Debugf("reserved session %s", id)
	p.publish(EventReserved, s)
	return s, nil
}

// Release ends the hold on a reserved session.
func (p *Pool) Release(id string) (Session, error) {
	s, err := p.reservations.Release(id)
	if err != nil {
		return Session{}, err
	}
	p.log.Debugf("released session %s", id)
	p.publish(EventReleased, s)
	return s, nil
}

// Update replaces the tags and changes the reservation state of a session in
// one step; a nil argument leaves that part alone. If the reservation change
// is refused (AlreadyReserved, NotReserved) the tags are not touched either.
func (p *Pool) Update(id string, tags *[]string, reserved *bool) (Session, error) {
	s, err := p.registry.mutate(id, func(e *entry) error {
		if reserved != nil {
			if *reserved && e.reserved {
				return alreadyReserved(id)
			}
			if !*reserved && !e.reserved {
				return notReserved(id)
			}
			e.reserved = *reserved
		}
		if tags != nil {
			e.tags = NormalizeTags(*tags)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	if tags != nil {
		p.publish(EventTagsUpdated, s)
	}
	if reserved != nil {
		if *reserved {
			p.publish(EventReserved, s)
		} else {
			p.publish(EventReleased, s)
		}
	}
	return s, nil
}

// Touch marks a session as used now, which postpones idle reaping.
func (p *Pool) Touch(id string) (Session, error) {
	return p.registry.Touch(id)
}

// UpdateTags replaces the tags of a session.
func (p *Pool) UpdateTags(id string, tags []string) (Session, error) {
	s, err := p.registry.UpdateTags(id, tags)
	if err != nil {
		return Session{}, err
	}
	p.publish(EventTagsUpdated, s)
	return s, nil
}

// ReserveBrowser reserves any free session of the requested browser whose
// tags include every requested tag, preferring the oldest. When no such
// session can be won it creates a new, reserved one.
func (p *Pool) ReserveBrowser(ctx context.Context, req CreateRequest) (Session, error) {
	if _, ok := p.supported[req.BrowserName]; !ok {
		return Session{}, unsupportedBrowser(req.BrowserName, nil)
	}
	want := NormalizeTags(req.Tags)

	match := func(s Session) bool {
		return s.BrowserName == req.BrowserName && s.HasTags(want)
	}
	for _, e := range p.registry.sortedEntries() {
		if s, ok := p.reservations.tryReserve(e, match); ok {
			p.log.Debugf("reserved existing session %s for %s %v", s.ID, req.BrowserName, want)
			p.publish(EventReserved, s)
			return s, nil
		}
	}

	return p.CreateBrowser(ctx, CreateRequest{
		BrowserName: req.BrowserName,
		Tags:        want,
		Reserve:     true,
	})
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	snap := p.registry.Snapshot()
	reserved := 0
	for _, s := range snap {
		if s.Reserved {
			reserved++
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSessions: p.opts.MaxSessions,
		Live:        len(snap),
		Reserved:    reserved,
		Starting:    p.pending,
		Eviction:    p.opts.Eviction,
		Leaked:      p.leaked,
	}
}

// claimSlot reserves capacity for one create. Under EvictionOldest a full
// pool gives up its least recently used free session, which is returned for
// the caller to terminate.
func (p *Pool) claimSlot() (*removed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errClosed()
	}

	if p.claimed < p.opts.MaxSessions {
		p.claimed++
		p.pending++
		p.inflight.Add(1)
		return nil, nil
	}

	if p.opts.Eviction != EvictionOldest {
		return nil, &Error{
			Kind:    KindPoolExhausted,
			Message: fmt.Sprintf("pool is at capacity (%d/%d)", p.claimed, p.opts.MaxSessions),
		}
	}

	victim, ok := p.evictOldest()
	if !ok {
		return nil, &Error{
			Kind:    KindPoolExhausted,
			Message: fmt.Sprintf("pool is at capacity (%d) and no session can be evicted", p.opts.MaxSessions),
		}
	}

	// the victim's slot passes straight to this create
	p.pending++
	p.inflight.Add(1)
	return &victim, nil
}

// evictOldest removes the least recently used free session. The caller
// holds p.mu.
func (p *Pool) evictOldest() (removed, bool) {
	type candidate struct {
		id       string
		lastUsed time.Time
	}

	entries := p.registry.sortedEntries()
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.reserved && !e.removed {
			candidates = append(candidates, candidate{id: e.id, lastUsed: e.lastUsed})
		}
		e.mu.Unlock()
	}

	// stable: creation order breaks ties
	slices.SortStableFunc(candidates, func(a, b candidate) int { return a.lastUsed.Compare(b.lastUsed) })

	for _, c := range candidates {
		s, h, err := p.registry.removeIf(c.id, func(e *entry) error {
			if e.reserved {
				return alreadyReserved(e.id)
			}
			return nil
		})
		if err == nil {
			return removed{session: s, handle: h}, true
		}
	}
	return removed{}, false
}

// commit registers a spawned handle, completing a create.
func (p *Pool) commit(h browser.Handle, tags []string, reserve bool) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending--
	if p.closed {
		p.claimed--
		return Session{}, errClosed()
	}
	return p.registry.Insert(h, tags, reserve), nil
}

// abandonSlot gives back the slot of a create that failed.
func (p *Pool) abandonSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed--
	p.pending--
}

// releaseSlot gives back the slot of a session that left the registry.
func (p *Pool) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed--
}

// spawn runs the driver with the spawn limit, the spawn timeout and
// shutdown cancellation applied, and classifies its failure.
func (p *Pool) spawn(ctx context.Context, name string) (browser.Handle, error) {
	spawnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := p.spawnSem.Acquire(spawnCtx, 1); err != nil {
		return nil, p.spawnAborted(ctx, err)
	}
	defer p.spawnSem.Release(1)

	if p.opts.SpawnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		spawnCtx, cancelTimeout = context.WithTimeout(spawnCtx, p.opts.SpawnTimeout)
		defer cancelTimeout()
	}

	h, err := p.driver.Spawn(spawnCtx, name)
	if err == nil {
		return h, nil
	}
	if errors.Is(err, browser.ErrUnsupportedBrowser) {
		return nil, unsupportedBrowser(name, err)
	}
	return nil, p.spawnAborted(ctx, err)
}

func (p *Pool) spawnAborted(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return canceled(ctx.Err())
	case p.closing.Err() != nil:
		return errClosed()
	default:
		return driverFailure("", "spawn", err)
	}
}

// terminate stops the browser of a session that already left the registry.
// It keeps running when the caller's context is cancelled.
func (p *Pool) terminate(ctx context.Context, r removed) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.TerminateTimeout)
	defer cancel()

	if err := p.driver.Terminate(tctx, r.handle); err != nil {
		return driverFailure(r.session.ID, "terminate", err)
	}
	return nil
}

// retire terminates the browser of a session that already left the registry
// and publishes t for it. A failed terminate is counted as leaked and
// reported on the event.
func (p *Pool) retire(ctx context.Context, r removed, t EventType) error {
	err := p.terminate(ctx, r)

	ev := Event{Type: t, Session: r.session, Time: time.Now()}
	if err != nil {
		p.mu.Lock()
		p.leaked++
		p.mu.Unlock()
		ev.Error = err.Error()
	}
	p.events.Publish(ev)
	return err
}

// discard terminates a handle that never became a session.
func (p *Pool) discard(ctx context.Context, h browser.Handle) {
	if err := p.terminate(ctx, removed{handle: h}); err != nil {
		p.log.Errorf("rollback of %s spawn: %v", h.BrowserName(), err)
	}
}

func (p *Pool) publish(t EventType, s Session) {
	p.events.Publish(Event{Type: t, Session: s, Time: time.Now()})
}

func canceled(err error) *Error {
	return &Error{Kind: KindCanceled, Message: "request canceled", Err: err}
}

func errClosed() *Error {
	return &Error{Kind: KindClosed, Message: "pool is shut down"}
}
