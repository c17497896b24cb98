// Package watchset holds the inputs and output scripts the swap service is
// interested in. Entries are registered by swap creation and are never
// removed by the chain watcher, which only ever reads from the set.
package watchset

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// WatchSet is a concurrency-safe set of watched previous-output transaction
// identifiers and watched output scripts. Inserts may race with reads.
type WatchSet struct {
	mtx sync.RWMutex

	// inputs holds the txids whose outputs, once spent, make the spending
	// transaction relevant.
	inputs map[chainhash.Hash]struct{}

	// outputs holds serialized output scripts. A transaction paying to any
	// of them is relevant.
	outputs map[string]struct{}
}

// New returns an empty WatchSet.
func New() *WatchSet {
	return &WatchSet{
		inputs:  make(map[chainhash.Hash]struct{}),
		outputs: make(map[string]struct{}),
	}
}

// AddInputs registers the given previous-output txids.
func (w *WatchSet) AddInputs(txids ...chainhash.Hash) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, txid := range txids {
		w.inputs[txid] = struct{}{}
	}
}

// AddOutputs registers the given output scripts. The scripts are copied.
func (w *WatchSet) AddOutputs(pkScripts ...[]byte) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, pkScript := range pkScripts {
		w.outputs[string(pkScript)] = struct{}{}
	}
}

// HasInput reports whether txid is a watched previous-output identifier.
func (w *WatchSet) HasInput(txid chainhash.Hash) bool {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	_, ok := w.inputs[txid]
	return ok
}

// HasOutput reports whether pkScript is a watched output script.
func (w *WatchSet) HasOutput(pkScript []byte) bool {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	_, ok := w.outputs[string(pkScript)]
	return ok
}

// IsRelevant returns true if any input of tx spends an output of a watched
// transaction, or if any output of tx pays to a watched script.
func (w *WatchSet) IsRelevant(tx *wire.MsgTx) bool {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	for _, txIn := range tx.TxIn {
		_, ok := w.inputs[txIn.PreviousOutPoint.Hash]
		if ok {
			return true
		}
	}

	for _, txOut := range tx.TxOut {
		if _, ok := w.outputs[string(txOut.PkScript)]; ok {
			return true
		}
	}

	return false
}

// NumInputs returns the number of watched inputs.
func (w *WatchSet) NumInputs() int {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return len(w.inputs)
}

// NumOutputs returns the number of watched output scripts.
func (w *WatchSet) NumOutputs() int {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return len(w.outputs)
}
