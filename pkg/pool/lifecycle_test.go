package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReapIdle(t *testing.T) {
	events := &recorder{}
	p, driver := newTestPool(t, Options{IdleTimeout: time.Minute, Events: events})

	idle := create(t, p, CreateRequest{BrowserName: "phantomjs"})
	held := create(t, p, CreateRequest{BrowserName: "phantomjs", Reserve: true})

	// nothing is idle yet
	assert.Equal(t, 0, p.reapIdle(context.Background(), time.Now()))

	n := p.reapIdle(context.Background(), time.Now().Add(2*time.Minute))
	assert.Equal(t, 1, n)

	_, err := p.Get(idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get(held.ID)
	assert.NoError(t, err)

	assert.Equal(t, 1, driver.Live())
	assert.Equal(t, 1, p.Stats().Live)
	assert.Contains(t, events.types(), EventReaped)
}

func TestReaperRuns(t *testing.T) {
	p, driver := newTestPool(t, Options{IdleTimeout: 20 * time.Millisecond, ReapInterval: 5 * time.Millisecond})
	create(t, p, CreateRequest{BrowserName: "phantomjs"})

	p.Start()
	p.Start() // second call is a no-op

	assert.Eventually(t, func() bool { return driver.Live() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestStartWithoutIdleTimeout(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	p.Start()
	assert.False(t, p.reapOn)
}

func TestCloseTerminatesEverything(t *testing.T) {
	events := &recorder{}
	p, driver := newTestPool(t, Options{IdleTimeout: time.Hour, Events: events})
	p.Start()

	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	create(t, p, CreateRequest{BrowserName: "chromium", Reserve: true})
	create(t, p, CreateRequest{BrowserName: "phantomjs", Tags: []string{"a"}})

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 0, driver.Live())
	assert.Equal(t, 3, driver.Terminated())
	assert.True(t, driver.Closed())
	assert.Equal(t, 0, p.Stats().Live)

	_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
	assert.ErrorIs(t, err, ErrClosed)

	// idempotent
	assert.NoError(t, p.Close(context.Background()))
}

func TestCloseAbortsInFlightSpawn(t *testing.T) {
	p, driver := newTestPool(t, Options{})
	driver.SetSpawnDelay(10 * time.Second)

	errc := make(chan error, 1)
	go func() {
		_, err := p.CreateBrowser(context.Background(), CreateRequest{BrowserName: "phantomjs"})
		errc <- err
	}()

	require.Eventually(t, func() bool { return p.Stats().Starting == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close(context.Background()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("create did not return after Close")
	}
	assert.Equal(t, 0, driver.Live())
}

func TestCloseJoinsTerminateErrors(t *testing.T) {
	p, driver := newTestPool(t, Options{})
	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	create(t, p, CreateRequest{BrowserName: "phantomjs"})
	driver.SetTerminateError(errors.New("kill failed"))

	err := p.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDriverFailure)

	// every session was still attempted
	assert.Equal(t, 2, driver.Terminated())
	assert.True(t, driver.Closed())
}
