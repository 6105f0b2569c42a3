package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrInvalidState is returned by Connect and Listen outside the
	// Disconnected state.
	ErrInvalidState = errors.New("transport in invalid state for operation")
	// ErrNegotiation is returned when the peers cannot agree on a protocol.
	ErrNegotiation = errors.New("protocol negotiation failed")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// TransportError describes a failed network operation.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Stream is the duplex byte stream of an established connection.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// PeerIdentity identifies the remote peer after a secure upgrade. It is
// empty for plain connections.
type PeerIdentity []byte

// Upgrader secures a freshly established connection. initiator is true
// on the side that dialed.
type Upgrader interface {
	Upgrade(ctx context.Context, conn net.Conn, initiator bool) (Stream, PeerIdentity, error)
}

// State is the connection state of a TCPTransport.
type State int32

const (
	// StateDisconnected means no connection is established or in progress.
	StateDisconnected State = iota
	// StateConnecting means a connection is being established or upgraded.
	StateConnecting
	// StateConnected means a connection is established.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// LineConn exchanges framed negotiation lines.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
}
