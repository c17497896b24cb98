package zmqntfn

import (
	"fmt"
	"strings"
)

// FilterType is the topic of a bitcoind ZMQ notification feed.
type FilterType string

const (
	// RawTx delivers every transaction entering the mempool or a block
	// as serialized bytes.
	RawTx FilterType = "rawtx"

	// RawBlock delivers every connected block as serialized bytes.
	RawBlock FilterType = "rawblock"

	// HashBlock delivers the hash of every connected block. It is the
	// degraded substitute for RawBlock.
	HashBlock FilterType = "hashblock"
)

// String returns the topic name.
func (f FilterType) String() string {
	return string(f)
}

// Descriptor describes one notification endpoint in the shape returned by
// bitcoind's getzmqnotifications call.
type Descriptor struct {
	// Type is the notification type, for example "pubrawtx".
	Type string `json:"type"`

	// Address is the endpoint, for example "tcp://127.0.0.1:28332".
	Address string `json:"address"`
}

// NewDescriptor returns a descriptor for the given filter and address.
func NewDescriptor(filter FilterType, address string) Descriptor {
	return Descriptor{
		Type:    "pub" + string(filter),
		Address: address,
	}
}

// Filter maps the descriptor's notification type to a filter. The second
// return value is false for notification types this package doesn't consume.
func (d Descriptor) Filter() (FilterType, bool) {
	switch FilterType(strings.TrimPrefix(d.Type, "pub")) {
	case RawTx:
		return RawTx, true
	case RawBlock:
		return RawBlock, true
	case HashBlock:
		return HashBlock, true
	default:
		return "", false
	}
}

// String returns a human readable form of the descriptor.
func (d Descriptor) String() string {
	return fmt.Sprintf("%v@%v", d.Type, d.Address)
}

// normalizeAddress strips the transport scheme from a bitcoind endpoint so
// it can be passed to a TCP dialer.
func normalizeAddress(address string) string {
	return strings.TrimPrefix(address, "tcp://")
}
