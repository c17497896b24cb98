package zmqntfn

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// seqNumLen is the length of the sequence number frame of a bitcoind
	// ZMQ message.
	seqNumLen = 4

	// maxRawBlockSize is the upper bound of a serialized block.
	maxRawBlockSize = wire.MaxBlockPayload

	// maxRawTxSize is the upper bound of a serialized transaction.
	maxRawTxSize = wire.MaxBlockPayload
)

// Handler consumes the body of one notification. The body is only valid for
// the duration of the call.
type Handler func(body []byte)

// Subscription is an open socket subscribed to a single filter. Its read
// loop delivers messages to the handler in arrival order.
type Subscription struct {
	filter  FilterType
	address string
	conn    Conn
	handler Handler

	// onDrop is called from a fresh goroutine when the socket fails with
	// anything other than a read timeout. If nil, such errors are logged
	// and the socket is polled again.
	onDrop func(*Subscription, error)

	// onGap is called with the number of missed messages when the
	// sequence number skips ahead.
	onGap func(FilterType, uint32)

	// lastSeq is the sequence number of the last message read. Only
	// accessed by the read loop.
	lastSeq fn.Option[uint32]

	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// newSubscription wraps conn. The read loop runs once start is called.
func newSubscription(filter FilterType, address string, conn Conn,
	handler Handler, onDrop func(*Subscription, error),
	onGap func(FilterType, uint32)) *Subscription {

	return &Subscription{
		filter:  filter,
		address: address,
		conn:    conn,
		handler: handler,
		onDrop:  onDrop,
		onGap:   onGap,
		quit:    make(chan struct{}),
	}
}

// start launches the read loop.
func (s *Subscription) start() {
	s.wg.Add(1)
	go s.readLoop()
}

// Filter returns the subscribed filter.
func (s *Subscription) Filter() FilterType {
	return s.filter
}

// Address returns the dialed endpoint.
func (s *Subscription) Address() string {
	return s.address
}

// Close closes the socket and waits for the read loop to exit. It may be
// called more than once, only the first call's error is returned.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.conn.Close()
	})
	s.wg.Wait()

	return err
}

// bufferSize returns the size of the body buffer for the filter.
func (s *Subscription) bufferSize() int {
	switch s.filter {
	case RawBlock:
		return maxRawBlockSize
	case HashBlock:
		return chainhash.HashSize
	default:
		return maxRawTxSize
	}
}

// readLoop polls the socket until it is closed.
//
// NOTE: This must be run as a goroutine.
func (s *Subscription) readLoop() {
	defer s.wg.Done()

	log.Infof("Started listening for bitcoind %v notifications via ZMQ "+
		"on %v", s.filter, s.address)

	// ZMQ messages from bitcoind include three parts: the command, the
	// data, and the sequence number. The buffers are reused across reads.
	var (
		command = make([]byte, len(s.filter))
		seqNum  [seqNumLen]byte
		data    = make([]byte, s.bufferSize())
	)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		bufs := [][]byte{command, data, seqNum[:]}
		bufs, err := s.conn.Receive(bufs)
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			// The socket times out on every idle poll interval,
			// don't spam the logs about it.
			if isTimeout(err) {
				log.Tracef("Re-polling timed out ZMQ %v "+
					"connection", s.filter)
				continue
			}

			if s.onDrop != nil {
				log.Warnf("ZMQ %v connection to %v dropped: %v",
					s.filter, s.address, err)

				go s.onDrop(s, err)
				return
			}

			// EOF should only be returned if the connection was
			// explicitly closed, so we can exit at this point.
			if errors.Is(err, io.EOF) {
				return
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				s.filter, err)
			continue
		}

		if len(bufs) < 2 {
			log.Warnf("Received truncated ZMQ %v message with %d "+
				"parts", s.filter, len(bufs))
			continue
		}

		eventType := string(bufs[0])
		if eventType != string(s.filter) {
			// It's possible that the message wasn't fully read if
			// bitcoind shuts down, which will produce an
			// unreadable event type. To prevent from logging it,
			// we'll make sure it conforms to the ASCII standard.
			if eventType == "" || !isASCII(eventType) {
				continue
			}

			log.Warnf("Received unexpected event type from %v "+
				"subscription: %v", s.filter, eventType)
			continue
		}

		if len(bufs) > 2 && len(bufs[2]) == seqNumLen {
			s.checkSequence(binary.LittleEndian.Uint32(bufs[2]))
		}

		s.handler(bufs[1])
	}
}

// checkSequence records seq and reports how many messages were skipped since
// the previous one.
func (s *Subscription) checkSequence(seq uint32) {
	defer func() {
		s.lastSeq = fn.Some(seq)
	}()

	s.lastSeq.WhenSome(func(last uint32) {
		next := last + 1
		switch {
		case seq == next:
			return

		// The node restarted and its counters started over.
		case seq < next:
			log.Infof("ZMQ %v sequence from %v reset to %d",
				s.filter, s.address, seq)
			return
		}

		missed := seq - next
		log.Warnf("Missed %d ZMQ %v notification(s) from %v "+
			"(expected sequence %d, got %d)", missed, s.filter,
			s.address, next, seq)

		if s.onGap != nil {
			s.onGap(s.filter, missed)
		}
	})
}

// isASCII is a helper method that checks whether all bytes in `data` would be
// printable ASCII characters if interpreted as a string.
func isASCII(s string) bool {
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}
