package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// errSkip tells removeIf to leave an entry in place.
var errSkip = errors.New("skip")

// Start launches the idle reaper. It is a no-op without an idle timeout, on
// a closed pool, or when the reaper already runs.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.reapOn || p.opts.IdleTimeout <= 0 {
		return
	}
	p.reapOn = true
	p.reapEnd = make(chan struct{})

	go p.reapLoop(p.closing, p.reapEnd)
	p.log.Infof("idle reaper started (idle timeout %s, interval %s)", p.opts.IdleTimeout, p.opts.ReapInterval)
}

func (p *Pool) reapLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := p.reapIdle(ctx, now); n > 0 {
				p.log.Infof("reaped %d idle session(s)", n)
			}
		}
	}
}

// reapIdle deletes every unreserved session unused since now minus the idle
// timeout and returns how many it removed.
func (p *Pool) reapIdle(ctx context.Context, now time.Time) int {
	var victims []removed
	for _, e := range p.registry.sortedEntries() {
		s, h, err := p.registry.removeIf(e.id, func(e *entry) error {
			if e.reserved || now.Sub(e.lastUsed) <= p.opts.IdleTimeout {
				return errSkip
			}
			return nil
		})
		if err != nil {
			continue
		}
		p.releaseSlot()
		victims = append(victims, removed{session: s, handle: h})
	}

	for _, v := range victims {
		if err := p.retire(ctx, v, EventReaped); err != nil {
			p.log.Errorf("reap session %s: %v", v.session.ID, err)
			continue
		}
		p.log.Debugf("reaped session %s, idle since %s", v.session.ID, v.session.LastUsedAt.Format(time.RFC3339))
	}
	return len(victims)
}

// Close shuts the pool down. New creates fail with ErrClosed, in-flight
// spawns are aborted, then every live session is terminated, reserved or
// not, and the driver is closed. Terminate failures are logged and returned
// joined; Close never stops at the first one. Calling Close again is a no-op.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	reapEnd := p.reapEnd
	p.mu.Unlock()

	p.stopAll()
	if reapEnd != nil {
		<-reapEnd
	}
	p.inflight.Wait()

	sessions := p.registry.drain()
	p.mu.Lock()
	p.claimed -= len(sessions)
	p.mu.Unlock()

	p.log.Infof("shutting down, terminating %d session(s)", len(sessions))

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(max(p.opts.SpawnConcurrency, 4))
	for _, r := range sessions {
		g.Go(func() error {
			if err := p.retire(ctx, r, EventDeleted); err != nil {
				p.log.Errorf("shutdown: %v", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := p.driver.Close(); err != nil {
		p.log.Errorf("closing driver: %v", err)
		errs = append(errs, driverFailure("", "close", err))
	}
	return errors.Join(errs...)
}
