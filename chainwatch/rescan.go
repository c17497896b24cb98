package chainwatch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/swapwatch/swapwatch/watchset"
)

// rescanMode selects how a rescan fetches block transactions.
type rescanMode uint8

const (
	// fastRescan fetches every block with its transactions in a single
	// call.
	fastRescan rescanMode = iota

	// compatRescan fetches the txid list of every block, then every
	// transaction on its own.
	compatRescan
)

// String returns a human readable form of the mode.
func (m rescanMode) String() string {
	switch m {
	case fastRescan:
		return "fast"
	case compatRescan:
		return "compatibility"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// blockTxFetcher returns the transactions of the block with the given hash.
type blockTxFetcher func(hash *chainhash.Hash) ([]*wire.MsgTx, error)

// rescanner rediscovers relevant transactions in already confirmed blocks.
type rescanner struct {
	backend  ChainBackend
	watchSet *watchset.WatchSet
	metrics  *Metrics
	emit     func(Event)

	// compat is set for the rest of the process lifetime once the fast
	// path failed.
	compat atomic.Bool

	quit <-chan struct{}
}

// newRescanner creates a rescanner that starts out on the fast path.
func newRescanner(backend ChainBackend, watchSet *watchset.WatchSet,
	metrics *Metrics, emit func(Event),
	quit <-chan struct{}) *rescanner {

	return &rescanner{
		backend:  backend,
		watchSet: watchSet,
		metrics:  metrics,
		emit:     emit,
		quit:     quit,
	}
}

// rescan walks the heights from..to inclusive and emits a confirmed
// RelevantTx for every relevant transaction found. A failure on the fast
// path switches to the compatibility path for good and restarts the whole
// range. A failure on the compatibility path is returned.
func (r *rescanner) rescan(from, to int32) error {
	if from > to {
		log.Debugf("Nothing to rescan from height %d, tip is at %d",
			from, to)
		return nil
	}

	mode := fastRescan
	if r.compat.Load() {
		mode = compatRescan
	}

	for {
		log.Infof("Starting %v rescan of heights %d to %d", mode, from,
			to)

		switch mode {
		case fastRescan:
			err := r.walk(from, to, r.fastBlockTxs)
			switch {
			case err == nil:
				return nil

			case errors.Is(err, ErrShuttingDown):
				return err
			}

			log.Warnf("Fast rescan failed (%v), switching to "+
				"compatibility rescan for heights %d to %d",
				err, from, to)

			r.compat.Store(true)
			r.metrics.CompatibilityRescan.Set(1)
			mode = compatRescan

		case compatRescan:
			err := r.walk(from, to, r.compatBlockTxs)
			if err != nil {
				return fmt.Errorf("compatibility rescan of "+
					"heights %d to %d failed: %w", from, to,
					err)
			}

			return nil
		}
	}
}

// walk runs fetch over every block in the range, emitting the relevant
// transactions.
func (r *rescanner) walk(from, to int32, fetch blockTxFetcher) error {
	for height := from; height <= to; height++ {
		select {
		case <-r.quit:
			return ErrShuttingDown
		default:
		}

		hash, err := r.backend.GetBlockHash(int64(height))
		if err != nil {
			r.metrics.observeQueryFailure("getblockhash")
			return fmt.Errorf("unable to get hash of block %d: %w",
				height, err)
		}

		txs, err := fetch(hash)
		if err != nil {
			return fmt.Errorf("unable to get transactions of "+
				"block %v (height %d): %w", hash, height, err)
		}

		for _, tx := range txs {
			if !r.watchSet.IsRelevant(tx) {
				continue
			}

			log.Debugf("Rescan found relevant transaction %v in "+
				"block %d", tx.TxHash(), height)

			r.metrics.observeTx(true)
			r.emit(RelevantTx{
				Tx:        btcutil.NewTx(tx),
				Confirmed: true,
			})
		}
	}

	return nil
}

// fastBlockTxs decodes the transactions embedded in a verbose block.
func (r *rescanner) fastBlockTxs(hash *chainhash.Hash) ([]*wire.MsgTx,
	error) {

	block, err := r.backend.GetBlockVerbose(hash)
	if err != nil {
		r.metrics.observeQueryFailure("getblock_verbose")
		return nil, err
	}

	txs := make([]*wire.MsgTx, 0, len(block.Transactions))
	for _, vtx := range block.Transactions {
		tx, err := decodeTxHex(vtx.RawHex)
		if err != nil {
			return nil, fmt.Errorf("transaction %v: %w", vtx.TxID,
				err)
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// compatBlockTxs fetches the txid list of a block, then every transaction
// on its own.
func (r *rescanner) compatBlockTxs(hash *chainhash.Hash) ([]*wire.MsgTx,
	error) {

	block, err := r.backend.GetBlock(hash)
	if err != nil {
		r.metrics.observeQueryFailure("getblock")
		return nil, err
	}

	txs := make([]*wire.MsgTx, 0, len(block.TxIDs))
	for i := range block.TxIDs {
		txid := block.TxIDs[i]

		status, err := r.backend.GetTransactionStatus(&txid)
		if err != nil {
			r.metrics.observeQueryFailure("getrawtransaction")
			return nil, fmt.Errorf("transaction %v: %w", txid, err)
		}

		tx, err := decodeTxHex(status.RawHex)
		if err != nil {
			return nil, fmt.Errorf("transaction %v: %w", txid, err)
		}
		txs = append(txs, tx)
	}

	return txs, nil
}
