package chainwatch

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/mock"
)

// MockChainBackend is a mock implementation of the ChainBackend interface.
type MockChainBackend struct {
	mock.Mock
}

// Compile-time check to ensure MockChainBackend implements ChainBackend.
var _ ChainBackend = (*MockChainBackend)(nil)

// GetBlock implements the ChainBackend interface.
func (m *MockChainBackend) GetBlock(hash *chainhash.Hash) (*BlockInfo,
	error) {

	args := m.Called(hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*BlockInfo), args.Error(1)
}

// GetBlockVerbose implements the ChainBackend interface.
func (m *MockChainBackend) GetBlockVerbose(
	hash *chainhash.Hash) (*VerboseBlock, error) {

	args := m.Called(hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*VerboseBlock), args.Error(1)
}

// GetBlockchainInfo implements the ChainBackend interface.
func (m *MockChainBackend) GetBlockchainInfo() (*ChainInfo, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*ChainInfo), args.Error(1)
}

// GetBlockHash implements the ChainBackend interface.
func (m *MockChainBackend) GetBlockHash(height int64) (*chainhash.Hash,
	error) {

	args := m.Called(height)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

// GetTransactionStatus implements the ChainBackend interface.
func (m *MockChainBackend) GetTransactionStatus(
	txid *chainhash.Hash) (*TxStatus, error) {

	args := m.Called(txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*TxStatus), args.Error(1)
}
