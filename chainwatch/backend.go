package chainwatch

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrBlockNotFoundOnDisk is returned by a ChainBackend when the node
	// announced a block it hasn't written to disk yet.
	ErrBlockNotFoundOnDisk = errors.New("block not found on disk")

	// ErrShuttingDown is returned when an operation is aborted because
	// the watcher is stopping.
	ErrShuttingDown = errors.New("chain watcher shutting down")
)

// BlockInfo is the header level view of a block.
type BlockInfo struct {
	// Height is the height of the block in the node's best chain.
	Height int32

	// Hash is the block's identifier.
	Hash chainhash.Hash

	// PreviousHash is the identifier of the block's parent.
	PreviousHash chainhash.Hash

	// TxIDs lists the block's transactions in block order.
	TxIDs []chainhash.Hash
}

// VerboseTx is a transaction as embedded in a verbose block.
type VerboseTx struct {
	TxID chainhash.Hash

	// RawHex is the hex encoded serialized transaction.
	RawHex string
}

// VerboseBlock is a block with its transactions already serialized by the
// node.
type VerboseBlock struct {
	Height       int32
	Hash         chainhash.Hash
	Transactions []VerboseTx
}

// ChainInfo is the node's view of its best chain.
type ChainInfo struct {
	Height   int32
	BestHash chainhash.Hash
}

// TxStatus is the node's view of a single transaction.
type TxStatus struct {
	// Confirmations is zero while the transaction is unconfirmed.
	Confirmations int64

	// RawHex is the hex encoded serialized transaction.
	RawHex string
}

// ChainBackend is the subset of a bitcoind node's RPC surface the watcher
// depends on. Every method may block on the network.
type ChainBackend interface {
	// GetBlock returns the block with the given hash. It fails with
	// ErrBlockNotFoundOnDisk if the node doesn't have the block data
	// yet.
	GetBlock(hash *chainhash.Hash) (*BlockInfo, error)

	// GetBlockVerbose returns the block with the given hash together
	// with its serialized transactions.
	GetBlockVerbose(hash *chainhash.Hash) (*VerboseBlock, error)

	// GetBlockchainInfo returns the node's best chain tip.
	GetBlockchainInfo() (*ChainInfo, error)

	// GetBlockHash returns the hash of the best chain block at height.
	GetBlockHash(height int64) (*chainhash.Hash, error)

	// GetTransactionStatus returns the confirmation status and the
	// serialized form of a transaction.
	GetTransactionStatus(txid *chainhash.Hash) (*TxStatus, error)
}
