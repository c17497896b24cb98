package zmqntfn

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
)

// timeoutErr is a net.Error reporting a timeout.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeMsg is a message or an error returned by a fakeConn.
type fakeMsg struct {
	parts [][]byte
	err   error
}

// fakeConn is an in-memory Conn fed through its msgs channel.
type fakeConn struct {
	msgs chan fakeMsg

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan fakeMsg, 16),
		closed: make(chan struct{}),
	}
}

// send queues a well formed bitcoind message.
func (c *fakeConn) send(topic string, body []byte, seq uint32) {
	var seqBytes [seqNumLen]byte
	binary.LittleEndian.PutUint32(seqBytes[:], seq)

	c.msgs <- fakeMsg{parts: [][]byte{[]byte(topic), body, seqBytes[:]}}
}

// fail makes the next Receive return err.
func (c *fakeConn) fail(err error) {
	c.msgs <- fakeMsg{err: err}
}

func (c *fakeConn) Receive(bufs [][]byte) ([][]byte, error) {
	select {
	case msg := <-c.msgs:
		if msg.err != nil {
			return nil, msg.err
		}

		return msg.parts, nil

	case <-c.closed:
		return nil, io.EOF

	case <-time.After(10 * time.Millisecond):
		return nil, timeoutErr{}
	}
}

func (c *fakeConn) Close() error {
	err := errors.New("already closed")
	c.closeOnce.Do(func() {
		close(c.closed)
		err = nil
	})

	return err
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeConns per address and records dial order.
type fakeDialer struct {
	mu sync.Mutex

	conns map[string]*fakeConn

	// block holds addresses whose dial never completes.
	block map[string]struct{}

	// refuse holds addresses whose dial fails immediately.
	refuse map[string]struct{}

	// drop holds addresses whose connection fails on its first read.
	drop map[string]struct{}

	dialed []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns:  make(map[string]*fakeConn),
		block:  make(map[string]struct{}),
		refuse: make(map[string]struct{}),
		drop:   make(map[string]struct{}),
	}
}

func (d *fakeDialer) dial(addr string, topics []string) (Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, addr)
	_, blocked := d.block[addr]
	_, refused := d.refuse[addr]
	_, dropped := d.drop[addr]
	d.mu.Unlock()

	if blocked {
		select {}
	}
	if refused {
		return nil, errors.New("connection refused")
	}

	conn := newFakeConn()
	if dropped {
		conn.fail(errors.New("connection reset by peer"))
	}

	d.mu.Lock()
	d.conns[addr] = conn
	d.mu.Unlock()

	return conn, nil
}

func (d *fakeDialer) conn(addr string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[addr]
}

func (d *fakeDialer) numDials(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	for _, dialed := range d.dialed {
		if dialed == addr {
			n++
		}
	}

	return n
}
