// Package transport defines the seams between the signaling channel, the
// direct peer transport and the sync engine.
package transport

import "github.com/rudransh-shrivastava/peer-sync/internal/protocol"

// Signaler carries handshake messages to the peer through the relay.
type Signaler interface {
	Send(msg protocol.SignalMessage) error
}

// Conn is an open direct channel to the peer.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(msg protocol.SignalMessage) error

func (f SignalerFunc) Send(msg protocol.SignalMessage) error { return f(msg) }
