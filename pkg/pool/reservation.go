package pool

import "time"

// Reservations grants and releases exclusive holds on sessions.
//
// Each session moves Free -> Reserved -> Free. Transitions run under the
// session's own entry lock, so of any number of concurrent Reserve calls on
// one id exactly one succeeds, in lock acquisition order; the rest see
// AlreadyReserved.
type Reservations struct {
	registry *Registry
}

// NewReservations creates a coordinator over registry.
func NewReservations(registry *Registry) *Reservations {
	return &Reservations{registry: registry}
}

// Reserve moves a free session to reserved.
func (c *Reservations) Reserve(id string) (Session, error) {
	e, err := c.registry.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Session{}, notFound(id)
	}
	if e.reserved {
		return Session{}, alreadyReserved(id)
	}
	e.reserved = true
	e.lastUsed = time.Now()
	return e.snapshot(), nil
}

// Release moves a reserved session back to free. Releasing a free session
// leaves it untouched and returns NotReserved.
func (c *Reservations) Release(id string) (Session, error) {
	e, err := c.registry.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Session{}, notFound(id)
	}
	if !e.reserved {
		return Session{}, notReserved(id)
	}
	e.reserved = false
	e.lastUsed = time.Now()
	return e.snapshot(), nil
}

// tryReserve reserves e only if it is free and match accepts its current
// state. It reports whether the hold was granted.
func (c *Reservations) tryReserve(e *entry, match func(Session) bool) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || e.reserved {
		return Session{}, false
	}
	if match != nil && !match(e.snapshot()) {
		return Session{}, false
	}
	e.reserved = true
	e.lastUsed = time.Now()
	return e.snapshot(), true
}
