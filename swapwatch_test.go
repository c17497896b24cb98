package swapwatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"github.com/swapwatch/swapwatch/chainwatch"
)

// TestHealthMonitorRequestsShutdown checks that a chain backend failing its
// health check triggers a shutdown request.
func TestHealthMonitorRequestsShutdown(t *testing.T) {
	t.Parallel()

	backend := &chainwatch.MockChainBackend{}
	backend.On("GetBlockchainInfo").Return(
		nil, errors.New("connection refused"),
	)

	var shutdowns int32
	monitor := newHealthMonitor(&CheckConfig{
		Interval: 10 * time.Millisecond,
		Attempts: 1,
		Timeout:  time.Second,
	}, backend, func() {
		atomic.AddInt32(&shutdowns, 1)
	})

	require.NoError(t, monitor.Start())
	t.Cleanup(func() {
		require.NoError(t, monitor.Stop())
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&shutdowns) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

// TestHealthMonitorDisabled checks that zero attempts disables the chain
// backend check.
func TestHealthMonitorDisabled(t *testing.T) {
	t.Parallel()

	backend := &chainwatch.MockChainBackend{}

	var shutdowns int32
	monitor := newHealthMonitor(&CheckConfig{
		Interval: 10 * time.Millisecond,
		Attempts: 0,
		Timeout:  time.Second,
	}, backend, func() {
		atomic.AddInt32(&shutdowns, 1)
	})

	require.NoError(t, monitor.Start())
	t.Cleanup(func() {
		require.NoError(t, monitor.Stop())
	})

	require.Never(t, func() bool {
		return atomic.LoadInt32(&shutdowns) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	backend.AssertNotCalled(t, "GetBlockchainInfo")
}

// fakeChainStatus is a chainStatus fed by the test.
type fakeChainStatus struct {
	events chan chainwatch.Event

	mu       sync.Mutex
	tip      chainwatch.ChainTip
	numReads int
}

func (f *fakeChainStatus) Notifications() <-chan chainwatch.Event {
	return f.events
}

func (f *fakeChainStatus) BestBlock() chainwatch.ChainTip {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.numReads++
	return f.tip
}

func (f *fakeChainStatus) NumPending() int {
	return 0
}

func (f *fakeChainStatus) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.numReads
}

// TestLogEventsStatus checks that the event logger reports the chain status
// on every tick and exits once the notification channel is closed.
func TestLogEventsStatus(t *testing.T) {
	t.Parallel()

	status := &fakeChainStatus{
		events: make(chan chainwatch.Event),
		tip: chainwatch.ChainTip{
			Height: 100,
			Hash:   chainhash.DoubleHashH([]byte("tip")),
		},
	}
	statusTicker := ticker.NewForce(time.Hour)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		logEvents(status, statusTicker, make(chan struct{}))
	}()

	status.events <- chainwatch.BlockConnected{Height: 101}
	require.Zero(t, status.reads())

	statusTicker.Force <- time.Now()
	require.Eventually(t, func() bool {
		return status.reads() == 1
	}, 5*time.Second, 10*time.Millisecond)

	close(status.events)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("event logger did not exit")
	}
}

// TestLogEventsWithoutTicker checks that a disabled status log only follows
// the events and stops on done.
func TestLogEventsWithoutTicker(t *testing.T) {
	t.Parallel()

	status := &fakeChainStatus{events: make(chan chainwatch.Event)}
	done := make(chan struct{})

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		logEvents(status, nil, done)
	}()

	status.events <- chainwatch.BlockConnected{Height: 1}
	close(done)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("event logger did not exit")
	}
	require.Zero(t, status.reads())
}
