package chainwatch

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Event is a notification delivered on ChainWatcher.Notifications. It is
// either a BlockConnected or a RelevantTx.
type Event interface {
	fmt.Stringer

	event()
}

// BlockConnected announces that the best chain reached Height. Several may
// be delivered for one block notification when a gap is backfilled.
type BlockConnected struct {
	Height int32
}

func (BlockConnected) event() {}

// String returns a human readable form of the event.
func (b BlockConnected) String() string {
	return fmt.Sprintf("block(%d)", b.Height)
}

// RelevantTx announces a sighting of a transaction that spends a watched
// input or pays to a watched script.
type RelevantTx struct {
	Tx *btcutil.Tx

	// Confirmed is true if the transaction is known to be in a block.
	Confirmed bool
}

func (RelevantTx) event() {}

// String returns a human readable form of the event.
func (r RelevantTx) String() string {
	return fmt.Sprintf("transaction(%v, confirmed=%v)", r.Tx.Hash(),
		r.Confirmed)
}
