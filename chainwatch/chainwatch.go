package chainwatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/swapwatch/swapwatch/watchset"
	"github.com/swapwatch/swapwatch/zmqntfn"
)

const (
	// eventBufferSize is the capacity of the notification channel before
	// events spill into the queue's overflow list.
	eventBufferSize = 100
)

// ErrNotStarted is returned by operations that need a running watcher.
var ErrNotStarted = errors.New("chain watcher not started")

// Config holds the dependencies of a ChainWatcher.
type Config struct {
	// Backend is the node the watcher queries.
	Backend ChainBackend

	// WatchSet holds the inputs and scripts that make a transaction
	// relevant. Callers keep adding to it while the watcher runs.
	WatchSet *watchset.WatchSet

	// Metrics is optional. Unregistered collectors are used if nil.
	Metrics *Metrics

	// Clock is used for the not-on-disk retry. Defaults to the system
	// clock.
	Clock clock.Clock

	// NotFoundRetryDelay defaults to DefaultNotFoundRetryDelay.
	NotFoundRetryDelay time.Duration

	// Dial opens the notification sockets. Defaults to gozmq.
	Dial zmqntfn.Dialer

	// ConnectTimeout defaults to zmqntfn.DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// ChainWatcher follows a bitcoind node through its ZMQ feeds. It tracks the
// best chain tip and reports relevant transactions. Every event is delivered
// on a single channel in the order it was emitted.
type ChainWatcher struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg Config

	// events buffers emitted events without bound. notifications is fed
	// from it in emission order.
	events        *queue.ConcurrentQueue
	notifications chan Event

	transport  *zmqntfn.Manager
	tracker    *tracker
	classifier *classifier
	rescanner  *rescanner

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a ChainWatcher. Nothing is dialed or queried until Start.
func New(cfg Config) (*ChainWatcher, error) {
	if cfg.Backend == nil {
		return nil, errors.New("chain backend required")
	}
	if cfg.WatchSet == nil {
		return nil, errors.New("watch set required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.NotFoundRetryDelay == 0 {
		cfg.NotFoundRetryDelay = DefaultNotFoundRetryDelay
	}

	w := &ChainWatcher{
		cfg:    cfg,
		events:        queue.NewConcurrentQueue(eventBufferSize),
		notifications: make(chan Event),
		quit:          make(chan struct{}),
	}

	w.tracker = newTracker(
		cfg.Backend, cfg.Clock, cfg.NotFoundRetryDelay, cfg.Metrics,
		w.emit, w.quit,
	)
	w.classifier = newClassifier(
		cfg.Backend, cfg.WatchSet, cfg.Metrics, w.emit,
	)
	w.rescanner = newRescanner(
		cfg.Backend, cfg.WatchSet, cfg.Metrics, w.emit, w.quit,
	)
	w.transport = zmqntfn.NewManager(zmqntfn.Config{
		OnRawTx:        w.classifier.ProcessRawTx,
		OnRawBlock:     w.tracker.ProcessRawBlock,
		OnHashBlock:    w.handleBlockHash,
		OnSequenceGap:  w.handleSequenceGap,
		Dial:           cfg.Dial,
		ConnectTimeout: cfg.ConnectTimeout,
		Clock:          cfg.Clock,
	})

	return w, nil
}

// Start initializes the tip from the node and subscribes to the feeds in
// descs. It fails if the node can't be queried or the descriptors lack the
// mandatory feeds.
func (w *ChainWatcher) Start(descs []zmqntfn.Descriptor) error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return errors.New("chain watcher already started")
	}

	log.Info("Chain watcher starting")

	w.events.Start()

	w.wg.Add(1)
	go w.notificationDispatcher()

	if err := w.tracker.init(); err != nil {
		return err
	}

	if err := w.transport.Init(descs); err != nil {
		return fmt.Errorf("unable to subscribe to node "+
			"notifications: %w", err)
	}

	log.Infof("Chain watcher started, listening on %v",
		w.transport.ActiveFilters())

	return nil
}

// Stop closes every subscription and stops event delivery. It is safe to
// call Stop more than once.
func (w *ChainWatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.stopped, 0, 1) {
		return nil
	}

	log.Info("Chain watcher shutting down...")
	defer log.Debug("Chain watcher shutdown complete")

	close(w.quit)

	if err := w.transport.Close(); err != nil {
		log.Debugf("Error closing notification transport: %v", err)
	}
	w.events.Stop()
	w.wg.Wait()

	return nil
}

// Notifications returns the channel every BlockConnected and RelevantTx is
// delivered on. The channel is closed once the watcher stops.
func (w *ChainWatcher) Notifications() <-chan Event {
	return w.notifications
}

// notificationDispatcher moves events from the queue to the notification
// channel.
//
// NOTE: This must be run as a goroutine.
func (w *ChainWatcher) notificationDispatcher() {
	defer w.wg.Done()
	defer close(w.notifications)

	for {
		select {
		case item := <-w.events.ChanOut():
			event, ok := item.(Event)
			if !ok {
				log.Errorf("Dropping unknown event type %T", item)
				continue
			}

			select {
			case w.notifications <- event:
			case <-w.quit:
				return
			}

		case <-w.quit:
			return
		}
	}
}

// BestBlock returns the tracked chain tip.
func (w *ChainWatcher) BestBlock() ChainTip {
	return w.tracker.bestBlock()
}

// Rescan reports every relevant transaction confirmed between fromHeight and
// the current tip, inclusive. It blocks until the range is done. A start
// height above the tip is a no-op. The watcher must be started.
func (w *ChainWatcher) Rescan(fromHeight int32) error {
	if atomic.LoadInt32(&w.started) == 0 {
		return ErrNotStarted
	}

	if fromHeight < 0 {
		fromHeight = 0
	}

	return w.rescanner.rescan(fromHeight, w.tracker.bestBlock().Height)
}

// CompatibilityRescan returns true once rescans permanently use the slow
// per-transaction path.
func (w *ChainWatcher) CompatibilityRescan() bool {
	return w.rescanner.compat.Load()
}

// NumPending returns the number of relevant transactions reported as
// unconfirmed and not seen since.
func (w *ChainWatcher) NumPending() int {
	return w.classifier.numPending()
}

// emit hands an event to the delivery queue. Events emitted after Stop are
// dropped.
func (w *ChainWatcher) emit(event Event) {
	select {
	case w.events.ChanIn() <- event:
	case <-w.quit:
		log.Debugf("Dropping %v, shutting down", event)
	}
}

// handleBlockHash decodes a block hash notification. The node publishes the
// hash in display byte order.
func (w *ChainWatcher) handleBlockHash(body []byte) {
	if len(body) != chainhash.HashSize {
		log.Errorf("Dropping block hash notification of %d bytes",
			len(body))
		return
	}

	var hash chainhash.Hash
	for i := range body {
		hash[i] = body[chainhash.HashSize-1-i]
	}

	w.tracker.ProcessBlockHash(hash)
}

// handleSequenceGap records notifications the node dropped.
func (w *ChainWatcher) handleSequenceGap(filter zmqntfn.FilterType,
	missed uint32) {

	w.cfg.Metrics.NotificationGaps.WithLabelValues(
		filter.String(),
	).Add(float64(missed))
}
