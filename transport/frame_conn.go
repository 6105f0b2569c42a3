package transport

import (
	"io"

	"github.com/xya/spark/reactor"
	"github.com/xya/spark/wire"
)

// FrameConn reads and writes frames on a Stream through a reactor. Reads
// request exactly the header and then exactly the payload, so nothing is
// buffered past a frame boundary and the same Stream can be handed from
// negotiation to the message loop.
//
// FrameConn blocks the calling goroutine on the reactor's Tasks, so it
// must not be used from the reactor loop itself. Reads must come from a
// single goroutine; writes may be concurrent.
type FrameConn struct {
	*wire.Reader
	*wire.Writer
	stream Stream
}

// NewFrameConn returns a FrameConn over s driven by r.
func NewFrameConn(r reactor.Reactor, s Stream) *FrameConn {
	rs := reactorStream{reactor: r, stream: s}
	return &FrameConn{
		Reader: wire.NewExactReader(rs),
		Writer: wire.NewWriter(rs),
		stream: s,
	}
}

// Stream returns the underlying stream.
func (c *FrameConn) Stream() Stream { return c.stream }

// Close closes the underlying stream.
func (c *FrameConn) Close() error {
	return c.stream.Close()
}

// reactorStream performs blocking reads and writes on a Stream by waiting
// on the reactor's Tasks. A read fills p unless the stream ends first.
type reactorStream struct {
	reactor reactor.Reactor
	stream  Stream
}

func (rs reactorStream) Read(p []byte) (int, error) {
	v, err := rs.reactor.Read(rs.stream, len(p)).Wait()
	if err != nil {
		return 0, err
	}
	n := copy(p, v.([]byte))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (rs reactorStream) Write(p []byte) (int, error) {
	v, err := rs.reactor.Write(rs.stream, p).Wait()
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
