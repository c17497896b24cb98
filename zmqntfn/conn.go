package zmqntfn

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lightninglabs/gozmq"
	"github.com/lightningnetwork/lnd/clock"
)

// Conn is a subscribed ZMQ socket.
type Conn interface {
	// Receive reads one multipart message, reusing bufs where possible.
	Receive(bufs [][]byte) ([][]byte, error)

	// Close closes the socket. Any blocked Receive returns.
	Close() error
}

// Dialer opens a subscription socket to addr for the given topics.
type Dialer func(addr string, topics []string) (Conn, error)

// NewGozmqDialer returns a Dialer backed by gozmq. The poll interval bounds
// every socket read, a timed out read is simply re-polled.
func NewGozmqDialer(pollInterval time.Duration) Dialer {
	return func(addr string, topics []string) (Conn, error) {
		return gozmq.Subscribe(addr, topics, pollInterval)
	}
}

// isTimeout returns true if err is a network timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// dialTimeout runs dial and fails with ErrConnectionTimeout if it doesn't
// complete within timeout. A connection that completes after the deadline is
// closed.
func dialTimeout(dial Dialer, clk clock.Clock, addr string, topics []string,
	timeout time.Duration) (Conn, error) {

	type dialResult struct {
		conn Conn
		err  error
	}

	resultChan := make(chan dialResult, 1)
	go func() {
		conn, err := dial(addr, topics)
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		switch {
		case res.err != nil && isTimeout(res.err):
			return nil, fmt.Errorf("%w: %v: %v",
				ErrConnectionTimeout, addr, res.err)

		case res.err != nil:
			return nil, res.err
		}

		return res.conn, nil

	case <-clk.TickAfter(timeout):
		go func() {
			res := <-resultChan
			if res.err == nil {
				_ = res.conn.Close()
			}
		}()

		return nil, fmt.Errorf("%w: %v after %v", ErrConnectionTimeout,
			addr, timeout)
	}
}
