package chainwatch

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/swapwatch/swapwatch/watchset"
)

// classifier turns transaction feed messages into RelevantTx events. It
// tells mempool sightings apart from confirmed ones.
type classifier struct {
	backend  ChainBackend
	watchSet *watchset.WatchSet
	metrics  *Metrics
	emit     func(Event)

	// pending holds the relevant transactions emitted as unconfirmed. An
	// entry is removed when the transaction is seen a second time.
	pendingMtx sync.Mutex
	pending    map[chainhash.Hash]struct{}
}

// newClassifier creates a classifier with an empty pending set.
func newClassifier(backend ChainBackend, watchSet *watchset.WatchSet,
	metrics *Metrics, emit func(Event)) *classifier {

	return &classifier{
		backend:  backend,
		watchSet: watchSet,
		metrics:  metrics,
		emit:     emit,
		pending:  make(map[chainhash.Hash]struct{}),
	}
}

// ProcessRawTx classifies one serialized transaction from the feed.
//
// A transaction already pending is reported confirmed on its next sighting:
// the feed announces a transaction once when it enters the mempool and once
// more when it is mined. Otherwise a relevant transaction is looked up on
// the node and reported confirmed or pending accordingly. Lookup failures
// are logged and the sighting is dropped.
func (c *classifier) ProcessRawTx(raw []byte) {
	tx, err := decodeTx(raw)
	if err != nil {
		log.Errorf("Unable to decode transaction from feed: %v", err)
		return
	}
	txid := tx.TxHash()

	if c.takePending(txid) {
		log.Debugf("Pending transaction %v seen again, marking "+
			"confirmed", txid)

		c.emitTx(tx, true)
		return
	}

	if !c.watchSet.IsRelevant(tx) {
		return
	}

	log.Tracef("Relevant transaction %v: %v", txid,
		newLogClosure(func() string {
			return spew.Sdump(tx)
		}),
	)

	status, err := c.backend.GetTransactionStatus(&txid)
	if err != nil {
		c.metrics.observeQueryFailure("getrawtransaction")
		log.Errorf("Unable to query status of relevant transaction "+
			"%v: %v", txid, err)
		return
	}

	if status.Confirmations >= 1 {
		log.Debugf("Relevant transaction %v already has %d "+
			"confirmation(s)", txid, status.Confirmations)

		c.emitTx(tx, true)
		return
	}

	c.pendingMtx.Lock()
	c.pending[txid] = struct{}{}
	c.pendingMtx.Unlock()

	log.Debugf("Relevant transaction %v entered the mempool", txid)

	c.emitTx(tx, false)
}

// takePending removes txid from the pending set, returning whether it was
// present.
func (c *classifier) takePending(txid chainhash.Hash) bool {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	if _, ok := c.pending[txid]; !ok {
		return false
	}
	delete(c.pending, txid)

	return true
}

// numPending returns the size of the pending set.
func (c *classifier) numPending() int {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	return len(c.pending)
}

// emitTx emits a RelevantTx event for tx.
func (c *classifier) emitTx(tx *wire.MsgTx, confirmed bool) {
	c.metrics.observeTx(confirmed)
	c.emit(RelevantTx{
		Tx:        btcutil.NewTx(tx),
		Confirmed: confirmed,
	})
}

// decodeTx deserializes a transaction.
func decodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}

// decodeTxHex deserializes a hex encoded transaction.
func decodeTxHex(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	return decodeTx(raw)
}
