package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Default values for launched browsers
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultPageTimeout    = 30000.0 // milliseconds
)

// Engines lists the browser engines Playwright can launch.
var Engines = []string{"chromium", "firefox", "webkit"}

// PlaywrightOptions configures a PlaywrightDriver.
type PlaywrightOptions struct {
	// Headless controls whether browsers run without a visible window
	Headless bool

	// Browsers lists the names Spawn will be asked for, engines or aliases.
	// Start installs only their engines; empty installs all.
	Browsers []string

	// Aliases maps extra browser names onto engines, e.g. phantomjs to
	// chromium. Sessions keep the name they were requested with.
	Aliases map[string]string

	// SkipInstall assumes the driver and browsers are already present
	SkipInstall bool

	// Viewport sets the initial viewport of every page
	Viewport *Viewport
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Instance is the Handle returned by PlaywrightDriver.
type Instance struct {
	name string

	// Browser is the Playwright browser instance
	Browser playwright.Browser

	// Context is the browser context (isolated session)
	Context playwright.BrowserContext

	// Page is the page opened at launch
	Page playwright.Page

	closeOnce sync.Once
	closeErr  error
}

// BrowserName implements Handle.
func (i *Instance) BrowserName() string {
	return i.name
}

func (i *Instance) close() error {
	i.closeOnce.Do(func() {
		var errs []error
		if i.Page != nil {
			if err := i.Page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close page: %w", err))
			}
		}
		if i.Context != nil {
			if err := i.Context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close context: %w", err))
			}
		}
		if i.Browser != nil {
			if err := i.Browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		i.closeErr = errors.Join(errs...)
	})
	return i.closeErr
}

// PlaywrightDriver launches browsers through Playwright.
type PlaywrightDriver struct {
	mu         sync.RWMutex
	opts       PlaywrightOptions
	playwright *playwright.Playwright
	started    bool
}

// NewPlaywrightDriver creates a driver. Start must be called before Spawn.
func NewPlaywrightDriver(opts PlaywrightOptions) *PlaywrightDriver {
	if opts.Viewport == nil {
		opts.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	opts.Aliases = maps.Clone(opts.Aliases)
	return &PlaywrightDriver{opts: opts}
}

// Engine resolves a browser name or alias to the engine that launches it.
func (d *PlaywrightDriver) Engine(name string) (string, error) {
	engine, aliased := d.opts.Aliases[name]
	if !aliased {
		engine = name
	}
	if !slices.Contains(Engines, engine) {
		if aliased {
			return "", fmt.Errorf("%w: %q is an alias for unknown engine %q", ErrUnsupportedBrowser, name, engine)
		}
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBrowser, name)
	}
	return engine, nil
}

// engines resolves every configured browser name and returns the distinct
// engines in the order first seen.
func (d *PlaywrightDriver) engines() ([]string, error) {
	out := make([]string, 0, len(Engines))
	for _, name := range d.opts.Browsers {
		engine, err := d.Engine(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, engine) {
			out = append(out, engine)
		}
	}
	return out, nil
}

// Start installs (unless skipped) and runs the Playwright driver process.
// Every configured browser name must resolve to an engine.
func (d *PlaywrightDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}

	engines, err := d.engines()
	if err != nil {
		return err
	}

	// Playwright's own output would interleave with the server log
	runOpts := &playwright.RunOptions{
		Browsers: engines,
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if !d.opts.SkipInstall {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	d.playwright = pw
	d.started = true
	return nil
}

// browserType resolves a browser name. The caller holds d.mu.
func (d *PlaywrightDriver) browserType(name string) (playwright.BrowserType, error) {
	if !d.started || d.playwright == nil {
		return nil, ErrNotStarted
	}
	engine, err := d.Engine(name)
	if err != nil {
		return nil, err
	}
	switch engine {
	case "chromium":
		return d.playwright.Chromium, nil
	case "firefox":
		return d.playwright.Firefox, nil
	case "webkit":
		return d.playwright.WebKit, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBrowser, engine)
	}
}

// Spawn launches a browser with a fresh context and page.
func (d *PlaywrightDriver) Spawn(ctx context.Context, browserName string) (Handle, error) {
	d.mu.RLock()
	bt, err := d.browserType(browserName)
	d.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		inst *Instance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := d.launch(ctx, bt, browserName)
		done <- result{inst, err}
	}()

	select {
	case r := <-done:
		return r.inst, r.err
	case <-ctx.Done():
		// Reap the launch once it finishes so no browser outlives the caller.
		go func() {
			if r := <-done; r.err == nil {
				_ = r.inst.close()
			}
		}()
		return nil, fmt.Errorf("launch %s: %w", browserName, ctx.Err())
	}
}

func (d *PlaywrightDriver) launch(ctx context.Context, bt playwright.BrowserType, name string) (*Instance, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.opts.Headless),
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			launchOpts.Timeout = playwright.Float(float64(remaining.Milliseconds()))
		}
	}

	b, err := bt.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", name, err)
	}

	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  d.opts.Viewport.Width,
			Height: d.opts.Viewport.Height,
		},
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = b.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(DefaultPageTimeout)

	return &Instance{
		name:    name,
		Browser: b,
		Context: bctx,
		Page:    page,
	}, nil
}

// Terminate closes the page, context and browser of a handle.
func (d *PlaywrightDriver) Terminate(ctx context.Context, h Handle) error {
	inst, ok := h.(*Instance)
	if !ok {
		return fmt.Errorf("handle %T was not spawned by the playwright driver", h)
	}

	done := make(chan error, 1)
	go func() { done <- inst.close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("terminate %s: %w", inst.name, ctx.Err())
	}
}

// Close stops the Playwright driver process. Browsers must already be
// terminated.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.playwright == nil {
		return nil
	}
	d.started = false
	if err := d.playwright.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

var _ Driver = (*PlaywrightDriver)(nil)
