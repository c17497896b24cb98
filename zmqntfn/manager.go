package zmqntfn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConnectTimeout is how long a subscription handshake may take
	// before it fails with ErrConnectionTimeout.
	DefaultConnectTimeout = 1000 * time.Millisecond

	// DefaultPollInterval is the read deadline of an idle socket.
	DefaultPollInterval = time.Second
)

var (
	// ErrConnectionTimeout is returned when a subscription handshake
	// doesn't complete within the connect timeout.
	ErrConnectionTimeout = errors.New("zmq connection timed out")

	// ErrMissingRawTxFilter is returned by Init when no raw transaction
	// endpoint is supplied.
	ErrMissingRawTxFilter = errors.New("rawtx zmq notifications are " +
		"required")

	// ErrNoBlockNotifications is returned by Init when neither a raw block
	// nor a block hash endpoint is supplied.
	ErrNoBlockNotifications = errors.New("either rawblock or hashblock " +
		"zmq notifications are required")

	// errManagerClosed is returned when subscribing after Close.
	errManagerClosed = errors.New("zmq manager closed")
)

// Config holds the handlers and dependencies of a Manager.
type Config struct {
	// OnRawTx receives every serialized transaction.
	OnRawTx Handler

	// OnRawBlock receives every serialized block.
	OnRawBlock Handler

	// OnHashBlock receives every block hash in the node's display byte
	// order.
	OnHashBlock Handler

	// OnSequenceGap, if set, is told how many messages of a filter the
	// node dropped.
	OnSequenceGap func(filter FilterType, missed uint32)

	// Dial opens sockets. Defaults to a gozmq dialer.
	Dial Dialer

	// ConnectTimeout bounds every subscription handshake. Defaults to
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Clock is used for the connect timeout. Defaults to the system
	// clock.
	Clock clock.Clock
}

// Manager owns every subscription to a bitcoind node and implements the
// raw block to block hash fallback.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	subs   map[FilterType]*Subscription
	closed bool

	// hashBlockDesc is the block hash endpoint to fall back to if the raw
	// block connection drops.
	hashBlockDesc fn.Option[Descriptor]

	wg sync.WaitGroup
}

// NewManager creates a manager. No sockets are opened until Init.
func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = NewGozmqDialer(DefaultPollInterval)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg:  cfg,
		subs: make(map[FilterType]*Subscription),
	}
}

// Subscribe dials address and subscribes to filter, delivering every
// message to handler. It fails with ErrConnectionTimeout if the handshake
// doesn't complete in time. The subscription is owned by the manager and is
// released by Close. A filter can only be subscribed once.
func (m *Manager) Subscribe(filter FilterType, address string,
	handler Handler) (*Subscription, error) {

	return m.subscribe(filter, address, handler, nil)
}

// subscribe is Subscribe with an optional drop callback.
func (m *Manager) subscribe(filter FilterType, address string,
	handler Handler,
	onDrop func(*Subscription, error)) (*Subscription, error) {

	m.mu.Lock()
	err := m.canSubscribe(filter)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	addr := normalizeAddress(address)

	log.Debugf("Subscribing to ZMQ %v notifications on %v", filter, addr)

	conn, err := dialTimeout(
		m.cfg.Dial, m.cfg.Clock, addr, []string{string(filter)},
		m.cfg.ConnectTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq %v "+
			"events: %w", filter, err)
	}

	sub := newSubscription(
		filter, addr, conn, handler, onDrop, m.cfg.OnSequenceGap,
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	// The manager may have been closed while dialing.
	if err := m.canSubscribe(filter); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.Debugf("Error closing zmq %v socket: %v", filter,
				closeErr)
		}

		return nil, err
	}

	// Register before the read loop runs so a drop callback always finds
	// the subscription.
	m.subs[filter] = sub
	sub.start()

	return sub, nil
}

// canSubscribe returns an error if filter can't be subscribed to.
//
// NOTE: The mutex must be held.
func (m *Manager) canSubscribe(filter FilterType) error {
	if m.closed {
		return errManagerClosed
	}
	if _, ok := m.subs[filter]; ok {
		return fmt.Errorf("already subscribed to zmq %v notifications",
			filter)
	}

	return nil
}

// Init subscribes to the transaction feed and to the best available block
// feed among descs. A raw transaction endpoint is mandatory. A raw block
// endpoint is preferred; without one, or if it can't be reached, the block
// hash endpoint is used in degraded mode. On failure every socket opened by
// Init is closed again.
func (m *Manager) Init(descs []Descriptor) error {
	var (
		rawTx, rawBlock, hashBlock fn.Option[Descriptor]
	)
	for _, desc := range descs {
		filter, ok := desc.Filter()
		if !ok {
			log.Debugf("Ignoring unused zmq notification %v", desc)
			continue
		}

		switch filter {
		case RawTx:
			rawTx = fn.Some(desc)
		case RawBlock:
			rawBlock = fn.Some(desc)
		case HashBlock:
			hashBlock = fn.Some(desc)
		}
	}

	txDesc, err := rawTx.UnwrapOrErr(ErrMissingRawTxFilter)
	if err != nil {
		return err
	}
	if rawBlock.IsNone() && hashBlock.IsNone() {
		return ErrNoBlockNotifications
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed
	}
	m.hashBlockDesc = hashBlock
	m.mu.Unlock()

	// The transaction and block feeds are independent, dial them at the
	// same time.
	var (
		txSub, blockSub *Subscription
		g               errgroup.Group
	)
	g.Go(func() error {
		sub, err := m.subscribe(RawTx, txDesc.Address, m.cfg.OnRawTx, nil)
		txSub = sub

		return err
	})
	g.Go(func() error {
		sub, err := m.subscribeBlocks(rawBlock, hashBlock)
		blockSub = sub

		return err
	})
	if err := g.Wait(); err != nil {
		m.release(txSub, blockSub)
		return err
	}

	return nil
}

// subscribeBlocks subscribes to the raw block feed if possible and to the
// block hash feed otherwise.
func (m *Manager) subscribeBlocks(rawBlock,
	hashBlock fn.Option[Descriptor]) (*Subscription, error) {

	var rawBlockErr error
	if desc, err := rawBlock.UnwrapOrErr(ErrNoBlockNotifications); err == nil {
		sub, err := m.subscribe(
			RawBlock, desc.Address, m.cfg.OnRawBlock,
			m.fallbackToHashBlock,
		)
		if err == nil {
			return sub, nil
		}

		if hashBlock.IsNone() {
			return nil, err
		}

		rawBlockErr = err
	}

	desc, err := hashBlock.UnwrapOrErr(ErrNoBlockNotifications)
	if err != nil {
		return nil, err
	}

	if rawBlockErr != nil {
		log.Warnf("Unable to use rawblock notifications (%v), falling "+
			"back to hashblock", rawBlockErr)
	}
	log.Warnf("Using hashblock zmq notifications: every block costs an " +
		"extra node query and chain tracking runs in degraded mode")

	return m.subscribe(HashBlock, desc.Address, m.cfg.OnHashBlock, nil)
}

// fallbackToHashBlock replaces a dropped raw block subscription with a block
// hash subscription.
func (m *Manager) fallbackToHashBlock(dropped *Subscription, dropErr error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.subs[RawBlock] == dropped {
		delete(m.subs, RawBlock)
	}
	hashBlock := m.hashBlockDesc
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if err := dropped.Close(); err != nil {
		log.Debugf("Error closing dropped rawblock socket: %v", err)
	}

	desc, err := hashBlock.UnwrapOrErr(ErrNoBlockNotifications)
	if err != nil {
		log.Errorf("Rawblock connection lost (%v) and no hashblock "+
			"endpoint configured, block notifications stopped",
			dropErr)
		return
	}

	log.Warnf("Rawblock connection lost (%v), falling back to hashblock "+
		"notifications on %v", dropErr, desc.Address)

	sub, err := m.subscribe(HashBlock, desc.Address, m.cfg.OnHashBlock, nil)
	switch {
	case errors.Is(err, errManagerClosed):
		return

	case err != nil:
		log.Errorf("Unable to fall back to hashblock notifications: %v",
			err)
		return
	}

	log.Infof("Receiving block notifications via %v on %v", sub.Filter(),
		sub.Address())
}

// ActiveFilters returns the filters that currently have an open
// subscription.
func (m *Manager) ActiveFilters() []FilterType {
	m.mu.Lock()
	defer m.mu.Unlock()

	filters := make([]FilterType, 0, len(m.subs))
	for _, filter := range []FilterType{RawTx, RawBlock, HashBlock} {
		if _, ok := m.subs[filter]; ok {
			filters = append(filters, filter)
		}
	}

	return filters
}

// Close closes every subscription. Errors from sockets that are already
// closed are ignored. It is safe to call Close more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[FilterType]*Subscription)
	m.mu.Unlock()

	closeAll(subs...)
	m.wg.Wait()

	return nil
}

// release unregisters and closes the given subscriptions.
func (m *Manager) release(subs ...*Subscription) {
	m.mu.Lock()
	for _, sub := range subs {
		if sub != nil && m.subs[sub.Filter()] == sub {
			delete(m.subs, sub.Filter())
		}
	}
	m.mu.Unlock()

	closeAll(subs...)
}

// closeAll closes the non-nil subscriptions, logging errors.
func closeAll(subs ...*Subscription) {
	for _, sub := range subs {
		if sub == nil {
			continue
		}

		if err := sub.Close(); err != nil {
			log.Debugf("Error closing zmq %v socket: %v",
				sub.Filter(), err)
		}
	}
}
