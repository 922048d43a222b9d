// Package browser launches and terminates the browser processes that back
// pool sessions.
//
// The pool never talks to a browser engine directly. It holds an opaque
// Handle returned by a Driver and gives it back to the same Driver when the
// session ends:
//
//	handle, err := driver.Spawn(ctx, "chromium")
//	...
//	err = driver.Terminate(ctx, handle)
//
// # Drivers
//
// PlaywrightDriver runs real browsers through Playwright. Each handle owns a
// Browser, an isolated BrowserContext and one Page. The engines it launches
// are "chromium", "firefox" and "webkit"; PlaywrightOptions.Aliases maps
// other names onto them, so a pool can keep serving "phantomjs" on chromium.
//
// The browsertest subpackage provides an in-memory Driver for tests.
//
// # Timeouts
//
// Spawn and Terminate honour context cancellation. When the caller gives up
// on a launch that is still in flight, the driver closes the browser as soon
// as the launch completes, so an abandoned Spawn never leaks a process.
package browser
