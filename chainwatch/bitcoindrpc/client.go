// Package bitcoindrpc implements chainwatch.ChainBackend on top of bitcoind's
// JSON-RPC interface.
package bitcoindrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/swapwatch/swapwatch/chainwatch"
	"github.com/swapwatch/swapwatch/zmqntfn"
)

const (
	// zmqNotificationsVersion is the first bitcoind version with the
	// getzmqnotifications call.
	zmqNotificationsVersion = 170000

	// notFoundOnDiskMsg is the error bitcoind returns for a block whose
	// data isn't written yet.
	notFoundOnDiskMsg = "not found on disk"
)

// Config holds the RPC connection settings.
type Config struct {
	// Host is the host:port of bitcoind's RPC server.
	Host string

	User string
	Pass string
}

// Client queries a bitcoind node.
type Client struct {
	chainConn *rpcclient.Client
}

// Compile-time check to ensure Client implements chainwatch.ChainBackend.
var _ chainwatch.ChainBackend = (*Client)(nil)

// New creates a client. No connection is made until the first call.
func New(cfg *Config) (*Client, error) {
	rpcConfig := &rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}

	chainConn, err := rpcclient.New(rpcConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create bitcoind rpc "+
			"client: %w", err)
	}

	return &Client{chainConn: chainConn}, nil
}

// Stop shuts down the underlying RPC client.
func (c *Client) Stop() {
	c.chainConn.Shutdown()
	c.chainConn.WaitForShutdown()
}

// GetBlock returns the header data and txid list of a block.
func (c *Client) GetBlock(hash *chainhash.Hash) (*chainwatch.BlockInfo,
	error) {

	res, err := c.chainConn.GetBlockVerbose(hash)
	if err != nil {
		return nil, mapBlockErr(hash, err)
	}

	info := &chainwatch.BlockInfo{
		Height: int32(res.Height),
		TxIDs:  make([]chainhash.Hash, 0, len(res.Tx)),
	}
	if err := decodeHash(res.Hash, &info.Hash); err != nil {
		return nil, err
	}

	// The genesis block has no parent.
	if res.PreviousHash != "" {
		err := decodeHash(res.PreviousHash, &info.PreviousHash)
		if err != nil {
			return nil, err
		}
	}

	for _, txidStr := range res.Tx {
		var txid chainhash.Hash
		if err := decodeHash(txidStr, &txid); err != nil {
			return nil, err
		}
		info.TxIDs = append(info.TxIDs, txid)
	}

	return info, nil
}

// verboseBlock is the part of a verbosity 2 getblock result the client
// reads.
type verboseBlock struct {
	Hash   string `json:"hash"`
	Height int32  `json:"height"`
	Tx     []struct {
		TxID string `json:"txid"`
		Hex  string `json:"hex"`
	} `json:"tx"`
}

// GetBlockVerbose returns a block with its serialized transactions. Nodes
// older than 0.16 don't support this and return an error.
func (c *Client) GetBlockVerbose(
	hash *chainhash.Hash) (*chainwatch.VerboseBlock, error) {

	params, err := marshalParams(hash.String(), 2)
	if err != nil {
		return nil, err
	}

	resp, err := c.chainConn.RawRequest("getblock", params)
	if err != nil {
		return nil, mapBlockErr(hash, err)
	}

	var res verboseBlock
	if err := json.Unmarshal(resp, &res); err != nil {
		return nil, fmt.Errorf("unable to decode block %v: %w", hash,
			err)
	}

	block := &chainwatch.VerboseBlock{
		Height:       res.Height,
		Transactions: make([]chainwatch.VerboseTx, 0, len(res.Tx)),
	}
	if err := decodeHash(res.Hash, &block.Hash); err != nil {
		return nil, err
	}

	for _, tx := range res.Tx {
		vtx := chainwatch.VerboseTx{RawHex: tx.Hex}
		if err := decodeHash(tx.TxID, &vtx.TxID); err != nil {
			return nil, err
		}

		// A node that ignores the verbosity returns bare txids.
		if vtx.RawHex == "" {
			return nil, fmt.Errorf("block %v: transaction %v "+
				"without hex", hash, tx.TxID)
		}

		block.Transactions = append(block.Transactions, vtx)
	}

	return block, nil
}

// blockchainInfo is the part of the getblockchaininfo result the client
// reads.
type blockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int32  `json:"blocks"`
	BestBlockHash string `json:"bestblockhash"`
}

// GetBlockchainInfo returns the node's best block.
func (c *Client) GetBlockchainInfo() (*chainwatch.ChainInfo, error) {
	resp, err := c.chainConn.RawRequest("getblockchaininfo", nil)
	if err != nil {
		return nil, err
	}

	var res blockchainInfo
	if err := json.Unmarshal(resp, &res); err != nil {
		return nil, fmt.Errorf("unable to decode blockchain info: %w",
			err)
	}

	info := &chainwatch.ChainInfo{Height: res.Blocks}
	if err := decodeHash(res.BestBlockHash, &info.BestHash); err != nil {
		return nil, err
	}

	log.Tracef("Node %v chain at height %d", res.Chain, res.Blocks)

	return info, nil
}

// GetBlockHash returns the hash of the best chain block at height.
func (c *Client) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return c.chainConn.GetBlockHash(height)
}

// GetTransactionStatus returns the confirmation count and serialization of
// a transaction. It requires txindex for transactions outside the mempool
// that don't touch the node's wallet.
func (c *Client) GetTransactionStatus(
	txid *chainhash.Hash) (*chainwatch.TxStatus, error) {

	res, err := c.chainConn.GetRawTransactionVerbose(txid)
	if err != nil {
		return nil, fmt.Errorf("unable to get transaction %v: %w",
			txid, err)
	}

	return &chainwatch.TxStatus{
		Confirmations: int64(res.Confirmations),
		RawHex:        res.Hex,
	}, nil
}

// Version returns bitcoind's version number, for example 270000 for v27.0.
func (c *Client) Version() (int64, error) {
	resp, err := c.chainConn.RawRequest("getnetworkinfo", nil)
	if err != nil {
		return 0, err
	}

	// Parse the response to retrieve bitcoind's version.
	info := struct {
		Version int64 `json:"version"`
	}{}
	if err := json.Unmarshal(resp, &info); err != nil {
		return 0, err
	}

	return info.Version, nil
}

// GetZMQNotifications returns the notification endpoints the node publishes
// on.
func (c *Client) GetZMQNotifications() ([]zmqntfn.Descriptor, error) {
	version, err := c.Version()
	if err != nil {
		return nil, fmt.Errorf("unable to query bitcoind version: %w",
			err)
	}
	if version < zmqNotificationsVersion {
		return nil, fmt.Errorf("bitcoind version %d doesn't support "+
			"getzmqnotifications", version)
	}

	resp, err := c.chainConn.RawRequest("getzmqnotifications", nil)
	if err != nil {
		return nil, err
	}

	var descs []zmqntfn.Descriptor
	if err := json.Unmarshal(resp, &descs); err != nil {
		return nil, fmt.Errorf("unable to decode zmq notifications: %w",
			err)
	}

	log.Debugf("Node publishes zmq notifications: %v", descs)

	return descs, nil
}

// CheckNetwork returns an error if the node's genesis block doesn't belong
// to params.
func (c *Client) CheckNetwork(params *chaincfg.Params) error {
	genesis, err := c.chainConn.GetBlockHash(0)
	if err != nil {
		return fmt.Errorf("unable to query genesis block: %w", err)
	}

	if !genesis.IsEqual(params.GenesisHash) {
		return fmt.Errorf("bitcoind is on a different network than "+
			"%v: genesis block %v, expected %v", params.Name,
			genesis, params.GenesisHash)
	}

	return nil
}

// mapBlockErr translates bitcoind's not-on-disk error into
// chainwatch.ErrBlockNotFoundOnDisk.
func mapBlockErr(hash *chainhash.Hash, err error) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) &&
		strings.Contains(rpcErr.Message, notFoundOnDiskMsg) {

		return fmt.Errorf("block %v: %w", hash,
			chainwatch.ErrBlockNotFoundOnDisk)
	}

	return fmt.Errorf("unable to get block %v: %w", hash, err)
}

// decodeHash parses a hash in display byte order into hash.
func decodeHash(s string, hash *chainhash.Hash) error {
	if err := chainhash.Decode(hash, s); err != nil {
		return fmt.Errorf("invalid hash %q: %w", s, err)
	}

	return nil
}

// marshalParams encodes positional RPC parameters for RawRequest.
func marshalParams(params ...interface{}) ([]json.RawMessage, error) {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return nil, err
		}
		rawParams = append(rawParams, raw)
	}

	return rawParams, nil
}
