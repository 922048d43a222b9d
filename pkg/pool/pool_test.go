package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/shale/pkg/browser/browsertest"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// last returns the most recent event of type t.
func (r *recorder) last(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func newTestPool(t *testing.T, opts Options) (*Pool, *browsertest.Driver) {
	t.Helper()
	if opts.SupportedBrowsers == nil {
		opts.SupportedBrowsers = []string{"phantomjs", "chromium"}
	}
	driver := browsertest.New(opts.SupportedBrowsers...)
	p, err := New(driver, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, driver
}

func create(t *testing.T, p *Pool, req CreateRequest) Session {
	t.Helper()
	s, err := p.CreateBrowser(context.Background(), req)
	require.NoError(t, err)
	return s
}

func running(t *testing.T, p *Pool, f Filter) []Session {
	t.Helper()
	seq, err := p.RunningBrowsers(f)
	require.NoError(t, err)
	return slices.Collect(seq)
}

func TestNewValidatesOptions(t *testing.T) {
	driver := browsertest.New()

	_, err := New(nil, Options{SupportedBrowsers: []string{"phantomjs"}})
	assert.Error(t, err)

	_, err = New(driver, Options{})
	assert.Error(t, err, "supported browsers are required")

	_, err = New(driver, Options{SupportedBrowsers: []string{"phantomjs"}, MaxSessions: -1})
	assert.Error(t, err)

	_, err = New(driver, Options{SupportedBrowsers: []string{"phantomjs"}, Eviction: "lru"})
	assert.Error(t, err)

	p, err := New(driver, Options{SupportedBrowsers: []string{"phantomjs"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSessions, p.Stats().MaxSessions)
	assert.Equal(t, EvictionReject, p.Stats().Eviction)
}

func TestCreateUntaggedAndTagged(t *testing.T) {
	p, _ := newTestPool(t, Options{})

	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"test1", "test2"}})

	sessions := running(t, p, Filter{})
	require.Len(t, sessions, 2)
	assert.Empty(t, sessions[0].Tags)
	assert.Equal(t, []string{"test1", "test2"}, sessions[1].Tags)
}

func TestCreateReservedUntagged(t *testing.T) {
	p, _ := newTestPool(t, Options{})

	create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"logged-in"}})
	create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{}, Reserve: true})

	sessions := running(t, p, Filter{})
	require.Len(t, sessions, 2)

	var reserved []Session
	for _, s := range sessions {
		if s.Reserved {
			reserved = append(reserved, s)
		}
	}
	require.Len(t, reserved, 1)
	assert.Empty(t, reserved[0].Tags)
}

func TestCreateUnsupportedBrowser(t *testing.T) {
	p, driver := newTestPool(t, Options{})

	_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "PhantomJS"})
	assert.ErrorIs(t, err, ErrUnsupportedBrowser)
	assert.Equal(t, 0, driver.Spawned())
	assert.Equal(t, 0, p.Stats().Live)
}

func TestCreateDriverRejectsBrowser(t *testing.T) {
	// the pool accepts the name but the driver cannot launch it
	driver := browsertest.New("chromium")
	p, err := New(driver, Options{SupportedBrowsers: []string{"chromium", "phantomjs"}})
	require.NoError(t, err)
	defer p.Close(context.Background())

	_, err = p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrUnsupportedBrowser)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestCreateRejectsAtCapacity(t *testing.T) {
	p, driver := newTestPool(t, Options{MaxSessions: 2})

	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	create(t, p, CreateRequest{BrowserName: "phantomjs"})

	_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, driver.Spawned())
	assert.Equal(t, 2, p.Stats().Live)
}

func TestCreateEvictsOldestFree(t *testing.T) {
	events := &recorder{}
	p, driver := newTestPool(t, Options{MaxSessions: 2, Eviction: EvictionOldest, Events: events})

	oldest := create(t, p, CreateRequest{BrowserName: "phantomjs"})
	newer := create(t, p, CreateRequest{BrowserName: "phantomjs"})

	// using the oldest makes the newer one the eviction candidate
	time.Sleep(time.Millisecond)
	_, err := p.UpdateTags(oldest.ID, []string{"busy"})
	require.NoError(t, err)

	fresh := create(t, p, CreateRequest{BrowserName: "phantomjs"})

	_, err = p.Get(newer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get(oldest.ID)
	assert.NoError(t, err)
	_, err = p.Get(fresh.ID)
	assert.NoError(t, err)

	assert.Equal(t, 2, driver.Live())
	assert.Equal(t, 2, p.Stats().Live)
	assert.Contains(t, events.types(), EventEvicted)
}

func TestCreateNeverEvictsReserved(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxSessions: 1, Eviction: EvictionOldest})

	held := create(t, p, CreateRequest{BrowserName: "phantomjs", Reserve: true})

	_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	got, err := p.Get(held.ID)
	require.NoError(t, err)
	assert.True(t, got.Reserved)
}

func TestConcurrentCreatesRespectCapacity(t *testing.T) {
	p, driver := newTestPool(t, Options{MaxSessions: 3, SpawnConcurrency: 8})
	driver.SetSpawnDelay(5 * time.Millisecond)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		exhausted int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrPoolExhausted) {
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, exhausted)
	assert.Equal(t, 3, driver.Live())
}

func TestCreateRollsBackOnDriverFailure(t *testing.T) {
	p, driver := newTestPool(t, Options{MaxSessions: 1})
	driver.SetSpawnError(errors.New("browser crashed on start"))

	_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrDriverFailure)
	assert.Equal(t, 0, p.Stats().Live)
	assert.Equal(t, 0, p.Stats().Starting)

	// the slot was given back
	driver.SetSpawnError(nil)
	create(t, p, CreateRequest{BrowserName: "phantomjs"})
}

func TestCreateSpawnTimeout(t *testing.T) {
	p, driver := newTestPool(t, Options{SpawnTimeout: 10 * time.Millisecond})
	driver.SetSpawnDelay(time.Second)

	_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrDriverFailure)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestCreateCanceledDuringSpawn(t *testing.T) {
	p, driver := newTestPool(t, Options{})
	driver.SetSpawnDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.CreateBrowser(ctx, CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 0, p.Stats().Live)
	assert.Equal(t, 0, driver.Live())
}

func TestCreateCanceledAfterSpawnTerminatesBrowser(t *testing.T) {
	p, driver := newTestPool(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	driver.SetAfterSpawn(func(string) { cancel() })

	_, err := p.CreateBrowser(ctx, CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 1, driver.Spawned())
	assert.Equal(t, 0, driver.Live())
	assert.Equal(t, 0, p.Stats().Live)
}

func TestRunningBrowsersFilters(t *testing.T) {
	p, _ := newTestPool(t, Options{})

	a := create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"logged-in", "region-eu"}})
	create(t, p, CreateRequest{BrowserName: "chromium", Tags: []string{"logged-in"}})
	c := create(t, p, CreateRequest{BrowserName: "phantomjs", Reserve: true})

	yes := true
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 3},
		{name: "by browser", filter: Filter{BrowserName: "phantomjs"}, want: 2},
		{name: "by tag", filter: Filter{Tags: []string{"logged-in"}}, want: 2},
		{name: "by glob", filter: Filter{Tags: []string{"region-*"}}, want: 1},
		{name: "reserved", filter: Filter{Reserved: &yes}, want: 1},
		{name: "no match", filter: Filter{Tags: []string{"missing"}}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, running(t, p, tt.filter), tt.want)
		})
	}

	got := running(t, p, Filter{Tags: []string{"region-eu"}})
	assert.Equal(t, a.ID, got[0].ID)
	got = running(t, p, Filter{Reserved: &yes})
	assert.Equal(t, c.ID, got[0].ID)

	_, err := p.RunningBrowsers(Filter{Tags: []string{"[bad"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeleteBrowser(t *testing.T) {
	p, driver := newTestPool(t, Options{MaxSessions: 1})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs"})

	require.NoError(t, p.DeleteBrowser(context.Background(), s.ID, false))
	assert.Equal(t, 0, driver.Live())

	_, err := p.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, p.DeleteBrowser(context.Background(), s.ID, false), ErrNotFound)

	// capacity freed
	create(t, p, CreateRequest{BrowserName: "phantomjs"})
}

func TestDeleteReservedBrowser(t *testing.T) {
	events := &recorder{}
	p, driver := newTestPool(t, Options{Events: events})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs", Reserve: true})

	err := p.DeleteBrowser(context.Background(), s.ID, false)
	assert.ErrorIs(t, err, ErrResourceBusy)
	got, err := p.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, got.Reserved)

	require.NoError(t, p.DeleteBrowser(context.Background(), s.ID, true))
	assert.Equal(t, 0, driver.Live())
	assert.Equal(t, []EventType{EventCreated, EventDeleted}, events.types())
}

func TestDeleteReportsTerminateFailure(t *testing.T) {
	p, driver := newTestPool(t, Options{})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs"})
	driver.SetTerminateError(errors.New("kill: no such process"))

	err := p.DeleteBrowser(context.Background(), s.ID, false)
	assert.ErrorIs(t, err, ErrDriverFailure)

	// the session is gone regardless
	_, err = p.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, p.Stats().Live)
	assert.Equal(t, 1, p.Stats().Leaked)
}

func TestPoolReserveRelease(t *testing.T) {
	events := &recorder{}
	p, _ := newTestPool(t, Options{Events: events})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs"})

	got, err := p.Reserve(s.ID)
	require.NoError(t, err)
	assert.True(t, got.Reserved)

	_, err = p.Reserve(s.ID)
	assert.ErrorIs(t, err, ErrAlreadyReserved)

	got, err = p.Release(s.ID)
	require.NoError(t, err)
	assert.False(t, got.Reserved)

	_, err = p.Release(s.ID)
	assert.ErrorIs(t, err, ErrNotReserved)

	assert.Equal(t, []EventType{EventCreated, EventReserved, EventReleased}, events.types())
}

func TestUpdate(t *testing.T) {
	events := &recorder{}
	p, _ := newTestPool(t, Options{Events: events})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs"})

	tags := []string{"b", "a"}
	reserve := true
	got, err := p.Update(s.ID, &tags, &reserve)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.True(t, got.Reserved)
	assert.Equal(t, []EventType{EventCreated, EventTagsUpdated, EventReserved}, events.types())

	_, err = p.Update("nope", &tags, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRefusedReservationKeepsTags(t *testing.T) {
	events := &recorder{}
	p, _ := newTestPool(t, Options{Events: events})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"old"}, Reserve: true})

	tags := []string{"new"}
	reserve, release := true, false

	_, err := p.Update(s.ID, &tags, &reserve)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
	got, err := p.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, got.Tags)

	_, err = p.Update(s.ID, nil, &release)
	require.NoError(t, err)
	_, err = p.Update(s.ID, &tags, &release)
	assert.ErrorIs(t, err, ErrNotReserved)
	got, err = p.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, got.Tags)

	assert.Equal(t, []EventType{EventCreated, EventReleased}, events.types())
}

func TestTouchPostponesReaping(t *testing.T) {
	p, _ := newTestPool(t, Options{IdleTimeout: time.Minute})
	s := create(t, p, CreateRequest{BrowserName: "phantomjs"})

	time.Sleep(time.Millisecond)
	touched, err := p.Touch(s.ID)
	require.NoError(t, err)
	assert.True(t, touched.LastUsedAt.After(s.LastUsedAt))

	// idle relative to creation, but not relative to the touch
	assert.Equal(t, 0, p.reapIdle(context.Background(), s.LastUsedAt.Add(time.Minute+time.Nanosecond)))

	_, err = p.Touch("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictionTerminateFailureIsReported(t *testing.T) {
	events := &recorder{}
	p, driver := newTestPool(t, Options{MaxSessions: 1, Eviction: EvictionOldest, Events: events})
	victim := create(t, p, CreateRequest{BrowserName: "phantomjs"})
	driver.SetTerminateError(errors.New("kill: permission denied"))

	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	assert.Equal(t, 1, p.Stats().Leaked)

	ev, ok := events.last(EventEvicted)
	require.True(t, ok)
	assert.Equal(t, victim.ID, ev.Session.ID)
	assert.Contains(t, ev.Error, "permission denied")
}

func TestReserveBrowserReusesFreeSession(t *testing.T) {
	p, driver := newTestPool(t, Options{})

	create(t, p, CreateRequest{BrowserName: "chromium", Tags: []string{"logged-in"}})
	held := create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"logged-in"}, Reserve: true})
	want := create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"logged-in", "extra"}})

	got, err := p.ReserveBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs", Tags: []string{"logged-in"}})
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.NotEqual(t, held.ID, got.ID)
	assert.True(t, got.Reserved)
	assert.Equal(t, 3, driver.Spawned())
}

func TestReserveBrowserCreatesWhenNoneFree(t *testing.T) {
	p, driver := newTestPool(t, Options{})
	create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"other"}})

	got, err := p.ReserveBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs", Tags: []string{"logged-in"}})
	require.NoError(t, err)
	assert.True(t, got.Reserved)
	assert.Equal(t, []string{"logged-in"}, got.Tags)
	assert.Equal(t, 2, driver.Spawned())

	_, err = p.ReserveBrowser(context.Background(), CreateRequest{BrowserName: "netscape"})
	assert.ErrorIs(t, err, ErrUnsupportedBrowser)
}

func TestConcurrentReserveBrowserSharesNothing(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxSessions: 10})
	for range 3 {
		create(t, p, CreateRequest{BrowserName: "phantomjs"})
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.ReserveBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[s.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 6)
	for id, n := range ids {
		assert.Equal(t, 1, n, "session %s handed out twice", id)
	}
}

func TestStats(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxSessions: 4, Eviction: EvictionOldest})
	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	create(t, p, CreateRequest{BrowserName: "phantomjs", Reserve: true})

	assert.Equal(t, Stats{
		MaxSessions: 4,
		Live:        2,
		Reserved:    1,
		Starting:    0,
		Eviction:    EvictionOldest,
	}, p.Stats())
}
