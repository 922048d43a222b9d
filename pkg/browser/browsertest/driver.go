// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/entrhq/shale/pkg/browser"
)

// Process is the handle returned by Driver.
type Process struct {
	ID   int
	Name string
}

// BrowserName implements browser.Handle.
func (p *Process) BrowserName() string {
	return p.Name
}

// Driver is a fake driver that tracks live processes in memory.
type Driver struct {
	mu         sync.Mutex
	browsers   []string
	nextID     int
	live       map[*Process]bool
	spawned    int
	terminated int
	closed     bool

	spawnDelay   time.Duration
	spawnErr     error
	terminateErr error
	afterSpawn   func(browserName string)
}

// New creates a driver that accepts the given browser names, or any name
// when none are given.
func New(browsers ...string) *Driver {
	return &Driver{
		browsers: browsers,
		live:     make(map[*Process]bool),
	}
}

// SetSpawnDelay makes every Spawn block for d or until its context ends.
func (d *Driver) SetSpawnDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spawnDelay = delay
}

// SetSpawnError makes every Spawn fail with err (nil restores success).
func (d *Driver) SetSpawnError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spawnErr = err
}

// SetTerminateError makes every Terminate fail with err after the process
// has been stopped.
func (d *Driver) SetTerminateError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminateErr = err
}

// SetAfterSpawn registers a hook run after a successful spawn, before the
// handle is returned.
func (d *Driver) SetAfterSpawn(fn func(browserName string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.afterSpawn = fn
}

// Spawn implements browser.Driver.
func (d *Driver) Spawn(ctx context.Context, browserName string) (browser.Handle, error) {
	d.mu.Lock()
	delay, spawnErr, closed := d.spawnDelay, d.spawnErr, d.closed
	supported := len(d.browsers) == 0 || slices.Contains(d.browsers, browserName)
	d.mu.Unlock()

	if closed {
		return nil, browser.ErrNotStarted
	}
	if !supported {
		return nil, fmt.Errorf("%w: %q", browser.ErrUnsupportedBrowser, browserName)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("launch %s: %w", browserName, ctx.Err())
		}
	}
	if spawnErr != nil {
		return nil, spawnErr
	}

	d.mu.Lock()
	d.nextID++
	p := &Process{ID: d.nextID, Name: browserName}
	d.live[p] = true
	d.spawned++
	hook := d.afterSpawn
	d.mu.Unlock()

	if hook != nil {
		hook(browserName)
	}
	return p, nil
}

// Terminate implements browser.Driver.
func (d *Driver) Terminate(_ context.Context, h browser.Handle) error {
	p, ok := h.(*Process)
	if !ok {
		return fmt.Errorf("handle %T was not spawned by browsertest", h)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.live[p] {
		return errors.New("browsertest: process is not running")
	}
	delete(d.live, p)
	d.terminated++
	return d.terminateErr
}

// Close implements browser.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Live returns the number of processes spawned and not yet terminated.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Spawned returns the total number of successful spawns.
func (d *Driver) Spawned() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawned
}

// Terminated returns the total number of terminations.
func (d *Driver) Terminated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated
}

// Closed reports whether Close has been called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

var _ browser.Driver = (*Driver)(nil)
