package browser

import (
	"context"
	"errors"
)

// ErrUnsupportedBrowser is returned by Spawn for a browser name the driver
// cannot launch.
var ErrUnsupportedBrowser = errors.New("unsupported browser")

// ErrNotStarted is returned when a driver is used before Start or after Close.
var ErrNotStarted = errors.New("browser driver not started")

// Handle is an opaque reference to a running browser process.
type Handle interface {
	// BrowserName is the name the process was spawned with.
	BrowserName() string
}

// Driver spawns and terminates browser processes.
//
// Implementations must be safe for concurrent use. Spawn and Terminate may
// block; callers must not hold locks across them.
type Driver interface {
	Spawn(ctx context.Context, browserName string) (Handle, error)
	Terminate(ctx context.Context, h Handle) error
	Close() error
}
