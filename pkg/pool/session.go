package pool

import (
	"slices"
	"sync"
	"time"

	"github.com/entrhq/shale/pkg/browser"
)

// Session is a point-in-time copy of one live browser in the pool.
type Session struct {
	ID          string    `json:"id"`
	BrowserName string    `json:"browser_name"`
	Tags        []string  `json:"tags"`
	Reserved    bool      `json:"reserved"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// HasTags reports whether every tag in want is present on the session.
func (s Session) HasTags(want []string) bool {
	for _, t := range want {
		if _, found := slices.BinarySearch(s.Tags, t); !found {
			return false
		}
	}
	return true
}

// NormalizeTags turns a tag list into the set representation used by
// sessions: sorted, without duplicates, never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	out = append(out, tags...)
	slices.Sort(out)
	return slices.Compact(out)
}

// entry is the registry's mutable record for a session. Immutable fields are
// set before insertion; the rest are guarded by mu.
type entry struct {
	id          string
	seq         uint64
	browserName string
	createdAt   time.Time
	handle      browser.Handle

	mu       sync.Mutex
	tags     []string
	reserved bool
	lastUsed time.Time
	removed  bool
}

// snapshot copies the entry. The caller holds e.mu.
func (e *entry) snapshot() Session {
	return Session{
		ID:          e.id,
		BrowserName: e.browserName,
		Tags:        slices.Clone(e.tags),
		Reserved:    e.reserved,
		CreatedAt:   e.createdAt,
		LastUsedAt:  e.lastUsed,
	}
}
