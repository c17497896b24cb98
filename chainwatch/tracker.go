package chainwatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/swapwatch/swapwatch/multimutex"
	"github.com/swapwatch/swapwatch/zmqntfn"
)

// DefaultNotFoundRetryDelay is how long the tracker waits before asking the
// node again for a block it reported as not yet on disk.
const DefaultNotFoundRetryDelay = 250 * time.Millisecond

// ChainTip is the tracked head of the best chain.
type ChainTip struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns a human readable form of the tip.
func (c ChainTip) String() string {
	return fmt.Sprintf("%v@%d", c.Hash, c.Height)
}

// candidate is a block notification to reconcile against the tip.
type candidate struct {
	hash     chainhash.Hash
	prevHash chainhash.Hash

	// height is only known when the block was looked up on the node.
	height fn.Option[int32]
}

// tracker maintains the chain tip from block notifications.
type tracker struct {
	backend    ChainBackend
	clock      clock.Clock
	retryDelay time.Duration
	metrics    *Metrics
	emit       func(Event)

	// handlerLocks serializes the handlers of a single block feed so
	// notifications are reconciled in arrival order.
	handlerLocks *multimutex.Mutex[zmqntfn.FilterType]

	// tipMtx guards tip. It is held for a whole reconciliation so the raw
	// block and block hash handlers never interleave.
	tipMtx sync.Mutex
	tip    ChainTip

	quit <-chan struct{}
}

// newTracker creates a tracker. The tip is unset until init.
func newTracker(backend ChainBackend, clk clock.Clock,
	retryDelay time.Duration, metrics *Metrics, emit func(Event),
	quit <-chan struct{}) *tracker {

	return &tracker{
		backend:      backend,
		clock:        clk,
		retryDelay:   retryDelay,
		metrics:      metrics,
		emit:         emit,
		handlerLocks: multimutex.NewMutex[zmqntfn.FilterType](),
		quit:         quit,
	}
}

// init sets the tip to the node's best block.
func (t *tracker) init() error {
	info, err := t.backend.GetBlockchainInfo()
	if err != nil {
		return fmt.Errorf("unable to query best block: %w", err)
	}

	t.tipMtx.Lock()
	t.tip = ChainTip{Height: info.Height, Hash: info.BestHash}
	t.tipMtx.Unlock()

	t.metrics.TipHeight.Set(float64(info.Height))

	log.Infof("Chain tip initialized at height=%d, hash=%v", info.Height,
		info.BestHash)

	return nil
}

// bestBlock returns the current tip.
func (t *tracker) bestBlock() ChainTip {
	t.tipMtx.Lock()
	defer t.tipMtx.Unlock()

	return t.tip
}

// ProcessRawBlock reconciles a serialized block against the tip. Only the
// 80 byte header is read: the parent hash sits at bytes 4 to 36 and the
// block's own hash is the double SHA256 of the header.
func (t *tracker) ProcessRawBlock(raw []byte) {
	t.handlerLocks.Lock(zmqntfn.RawBlock)
	defer t.handlerLocks.Unlock(zmqntfn.RawBlock)

	if len(raw) < wire.MaxBlockHeaderPayload {
		log.Errorf("Dropping raw block notification of %d bytes, "+
			"shorter than a block header", len(raw))
		return
	}

	var prevHash chainhash.Hash
	copy(prevHash[:], raw[4:4+chainhash.HashSize])

	t.connect(candidate{
		hash:     chainhash.DoubleHashH(raw[:wire.MaxBlockHeaderPayload]),
		prevHash: prevHash,
		height:   fn.None[int32](),
	})
}

// ProcessBlockHash reconciles a block announced by hash only. The node is
// asked for its height and parent.
func (t *tracker) ProcessBlockHash(hash chainhash.Hash) {
	t.handlerLocks.Lock(zmqntfn.HashBlock)
	defer t.handlerLocks.Unlock(zmqntfn.HashBlock)

	block, err := t.getBlock(&hash)
	if err != nil {
		log.Errorf("Dropping block notification %v: %v", hash, err)
		return
	}

	t.connect(candidate{
		hash:     block.Hash,
		prevHash: block.PreviousHash,
		height:   fn.Some(block.Height),
	})
}

// connect applies one candidate to the tip, emitting the resulting block
// events.
func (t *tracker) connect(c candidate) {
	t.tipMtx.Lock()
	defer t.tipMtx.Unlock()

	if c.prevHash == t.tip.Hash {
		t.tip = ChainTip{Height: t.tip.Height + 1, Hash: c.hash}

		log.Debugf("New block: height=%d, hash=%v", t.tip.Height,
			c.hash)

		t.metrics.TipHeight.Set(float64(t.tip.Height))
		t.emitBlock(t.tip.Height)

		return
	}

	height, err := c.height.UnwrapOrFuncErr(func() (int32, error) {
		prev, err := t.getBlock(&c.prevHash)
		if err != nil {
			return 0, fmt.Errorf("unable to resolve parent %v: %w",
				c.prevHash, err)
		}

		return prev.Height + 1, nil
	})
	if err != nil {
		log.Errorf("Dropping block notification %v: %v", c.hash, err)
		return
	}

	if height <= t.tip.Height {
		log.Infof("Ignoring orphan block %v at height %d, tip is %v",
			c.hash, height, t.tip)

		t.metrics.Orphans.Inc()
		return
	}

	// Heights between the old tip and the candidate are announced
	// without being checked one by one.
	for h := t.tip.Height + 1; h < height; h++ {
		t.emitBlock(h)
	}

	oldTip := t.tip
	t.tip = ChainTip{Height: height, Hash: c.hash}

	log.Infof("Chain reorganization or gap: tip moved from %v to %v",
		oldTip, t.tip)

	t.metrics.Reorgs.Inc()
	t.metrics.TipHeight.Set(float64(height))
	t.emitBlock(height)
}

// emitBlock emits a BlockConnected event.
func (t *tracker) emitBlock(height int32) {
	t.metrics.BlocksConnected.Inc()
	t.emit(BlockConnected{Height: height})
}

// getBlock queries the node for a block, retrying once after the retry
// delay if the node hasn't written it to disk yet.
func (t *tracker) getBlock(hash *chainhash.Hash) (*BlockInfo, error) {
	block, err := t.backend.GetBlock(hash)
	if !errors.Is(err, ErrBlockNotFoundOnDisk) {
		if err != nil {
			t.metrics.observeQueryFailure("getblock")
		}

		return block, err
	}

	log.Debugf("Block %v not on disk yet, retrying in %v", hash,
		t.retryDelay)

	select {
	case <-t.clock.TickAfter(t.retryDelay):
	case <-t.quit:
		return nil, ErrShuttingDown
	}

	block, err = t.backend.GetBlock(hash)
	if err != nil {
		t.metrics.observeQueryFailure("getblock")
	}

	return block, err
}
