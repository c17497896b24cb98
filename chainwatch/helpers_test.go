package chainwatch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/swapwatch/swapwatch/zmqntfn"
)

// eventLog records emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, event)
}

func (e *eventLog) blocks() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var heights []int32
	for _, event := range e.events {
		if block, ok := event.(BlockConnected); ok {
			heights = append(heights, block.Height)
		}
	}

	return heights
}

func (e *eventLog) txs() []RelevantTx {
	e.mu.Lock()
	defer e.mu.Unlock()

	var txs []RelevantTx
	for _, event := range e.events {
		if tx, ok := event.(RelevantTx); ok {
			txs = append(txs, tx)
		}
	}

	return txs
}

// rawBlock returns a serialized empty block with the given parent and its
// hash.
func rawBlock(t require.TestingT, prev chainhash.Hash,
	nonce uint32) ([]byte, chainhash.Hash) {

	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1700000000, 0),
		Bits:      0x1d00ffff,
		Nonce:     nonce,
	})

	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))

	return buf.Bytes(), block.BlockHash()
}

// spendingTx returns a transaction spending prevTxid:0 and paying to
// pkScript.
func spendingTx(prevTxid chainhash.Hash, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevTxid},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(50_000, pkScript))

	return tx
}

func serializeTx(t require.TestingT, tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return buf.Bytes()
}

func txHex(t require.TestingT, tx *wire.MsgTx) string {
	return hex.EncodeToString(serializeTx(t, tx))
}

// testHash returns a recognizable hash.
func testHash(b byte) chainhash.Hash {
	return chainhash.Hash{b, b, b}
}

// timeoutErr is a net.Error reporting a timeout.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// feedConn is an in-memory notification socket.
type feedConn struct {
	msgs chan [][]byte

	closeOnce sync.Once
	closed    chan struct{}
	seq       uint32
}

func (c *feedConn) publish(topic zmqntfn.FilterType, body []byte) {
	var seq [4]byte
	binary.LittleEndian.PutUint32(seq[:], c.seq)
	c.seq++

	c.msgs <- [][]byte{[]byte(topic), body, seq[:]}
}

func (c *feedConn) Receive(_ [][]byte) ([][]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	case <-time.After(10 * time.Millisecond):
		return nil, timeoutErr{}
	}
}

func (c *feedConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	return nil
}

// feedDialer hands out one feedConn per topic.
type feedDialer struct {
	mu    sync.Mutex
	conns map[zmqntfn.FilterType]*feedConn
}

func newFeedDialer() *feedDialer {
	return &feedDialer{
		conns: make(map[zmqntfn.FilterType]*feedConn),
	}
}

func (d *feedDialer) dial(_ string, topics []string) (zmqntfn.Conn, error) {
	conn := &feedConn{
		msgs:   make(chan [][]byte, 16),
		closed: make(chan struct{}),
	}

	d.mu.Lock()
	d.conns[zmqntfn.FilterType(topics[0])] = conn
	d.mu.Unlock()

	return conn, nil
}

func (d *feedDialer) conn(t *testing.T,
	filter zmqntfn.FilterType) *feedConn {

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, ok := d.conns[filter]
	require.True(t, ok, "no %v subscription", filter)

	return conn
}

// nextEvent waits for the next delivered event.
func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}
