package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xya/spark/reactor"
	"github.com/xya/spark/task"
)

// TCPOptions configures a TCPTransport.
type TCPOptions struct {
	// Upgrader secures every new connection. Nil means plain TCP.
	Upgrader Upgrader
	// UpgradeTimeout bounds the secure handshake.
	UpgradeTimeout time.Duration
	// Proxy, if set, carries outbound connections.
	Proxy *ProxyConfig
}

// DefaultTCPOptions returns plain TCP with a 10 second upgrade timeout.
func DefaultTCPOptions() TCPOptions {
	return TCPOptions{UpgradeTimeout: 10 * time.Second}
}

// Conn is an established connection handed to OnConnected handlers.
type Conn struct {
	Stream
	// ID identifies the connection in logs.
	ID uuid.UUID
	// Initiator is true on the side that dialed.
	Initiator bool
	// Peer is the identity proven by the Upgrader, if any.
	Peer PeerIdentity

	transport *TCPTransport
	once      sync.Once
	closeErr  error
}

// Close closes the connection and returns the transport to Disconnected.
func (c *Conn) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError is like Close and reports reason to OnDisconnected
// handlers.
func (c *Conn) CloseWithError(reason error) error {
	c.once.Do(func() {
		c.closeErr = c.Stream.Close()
		c.transport.lost(c, reason)
	})
	return c.closeErr
}

// TCPTransport owns a listening socket and at most one connection.
// Connect and Accept are submitted to the reactor and the
// OnConnected/OnDisconnected handlers run on the reactor loop. While
// listening, the transport accepts again after every disconnect.
type TCPTransport struct {
	reactor reactor.Reactor
	opts    TCPOptions
	halt    *idem.Halter

	mu             sync.Mutex
	state          State
	listener       net.Listener
	accepting      bool
	conn           *Conn
	onConnected    []func(*Conn)
	onDisconnected []func(error)
}

// NewTCPTransport returns a disconnected transport driven by r.
func NewTCPTransport(r reactor.Reactor, opts TCPOptions) *TCPTransport {
	if opts.UpgradeTimeout <= 0 {
		opts.UpgradeTimeout = DefaultTCPOptions().UpgradeTimeout
	}
	return &TCPTransport{
		reactor: r,
		opts:    opts,
		halt:    idem.NewHalterNamed("TCPTransport"),
	}
}

// Reactor returns the reactor driving the transport.
func (t *TCPTransport) Reactor() reactor.Reactor { return t.reactor }

// OnConnected registers a handler for new connections.
func (t *TCPTransport) OnConnected(fn func(*Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnected = append(t.onConnected, fn)
}

// OnDisconnected registers a handler for lost connections. The argument
// is the reason passed to Conn.CloseWithError, nil for a local close.
func (t *TCPTransport) OnDisconnected(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnected = append(t.onDisconnected, fn)
}

// State returns the connection state.
func (t *TCPTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Addr returns the listening address, or nil when not listening.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Listen binds addr and starts accepting a connection.
func (t *TCPTransport) Listen(addr string) error {
	t.mu.Lock()
	if t.halt.ReqStop.IsClosed() {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state != StateDisconnected || t.listener != nil {
		state := t.state
		t.mu.Unlock()
		return &TransportError{Op: "listen", Addr: addr, Err: fmt.Errorf("%w: %s", ErrInvalidState, state)}
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.mu.Unlock()
		return &TransportError{Op: "listen", Addr: addr, Err: err}
	}
	t.listener = l
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  l.Addr().String(),
	}).Info("Listening for incoming connections")
	t.startAccept()
	return nil
}

func (t *TCPTransport) startAccept() {
	t.mu.Lock()
	if t.accepting || t.listener == nil || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.accepting = true
	l := t.listener
	t.mu.Unlock()

	t.reactor.Accept(l).OnResolved(func(res *task.Task) {
		t.mu.Lock()
		t.accepting = false
		t.mu.Unlock()

		v, err := res.Result()
		if err != nil {
			if t.halt.ReqStop.IsClosed() || res.IsCanceled() || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "startAccept",
				"address":  l.Addr().String(),
				"error":    err.Error(),
			}).Error("Accept failed")
			return
		}
		t.established(v.(net.Conn), false, nil)
	})
}

// Connect dials addr. The returned Task resolves with the *Conn once the
// connection is established and upgraded.
func (t *TCPTransport) Connect(addr string) *task.Task {
	t.mu.Lock()
	if t.halt.ReqStop.IsClosed() {
		t.mu.Unlock()
		return task.Failed(ErrClosed)
	}
	if t.state != StateDisconnected {
		state := t.state
		t.mu.Unlock()
		return task.Failed(&TransportError{Op: "connect", Addr: addr, Err: fmt.Errorf("%w: %s", ErrInvalidState, state)})
	}
	t.state = StateConnecting
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"address":  addr,
	}).Info("Connecting")

	result := task.New()
	t.dial(addr).OnResolved(func(res *task.Task) {
		v, err := res.Result()
		if err != nil {
			t.mu.Lock()
			if t.state == StateConnecting {
				t.state = StateDisconnected
			}
			t.mu.Unlock()
			result.Fail(&TransportError{Op: "connect", Addr: addr, Err: err})
			t.startAccept()
			return
		}
		t.established(v.(net.Conn), true, result)
	})
	return result
}

// dial connects through the reactor, or through the proxy on its own
// goroutine since proxy handshakes block. Either way the returned Task is
// resolved on the reactor loop.
func (t *TCPTransport) dial(addr string) *task.Task {
	if t.opts.Proxy == nil {
		return t.reactor.Connect("tcp", addr)
	}
	dialer, err := newProxyDialer(t.opts.Proxy)
	if err != nil {
		return task.Failed(err)
	}
	raw := task.New()
	go func() {
		conn, err := dialProxy(dialer, t.opts.Proxy, addr)
		if err != nil {
			raw.Fail(err)
			return
		}
		raw.Complete(conn)
	}()
	res := task.Then(raw, t.reactor, func(v any) (any, error) { return v, nil })
	res.OnResolved(func(res *task.Task) {
		if !res.IsCanceled() {
			return
		}
		// the reactor closed first; nobody will take the connection
		raw.OnResolved(func(raw *task.Task) {
			if v, err := raw.Result(); err == nil {
				v.(net.Conn).Close()
			}
		})
	})
	return res
}

// established upgrades raw and publishes the connection. The upgrade runs
// off the reactor loop and its outcome is posted back to it.
func (t *TCPTransport) established(raw net.Conn, initiator bool, result *task.Task) {
	t.mu.Lock()
	if t.conn != nil || t.halt.ReqStop.IsClosed() {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "established",
			"remote":   raw.RemoteAddr().String(),
		}).Info("Dropping redundant connection")
		raw.Close()
		if result != nil {
			result.Fail(&TransportError{Op: "connect", Addr: raw.RemoteAddr().String(), Err: ErrInvalidState})
		}
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()

	finish := func(stream Stream, peer PeerIdentity, err error) {
		if err != nil {
			raw.Close()
			t.mu.Lock()
			t.state = StateDisconnected
			t.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "established",
				"remote":   raw.RemoteAddr().String(),
				"error":    err.Error(),
			}).Error("Connection upgrade failed")
			if result != nil {
				result.Fail(&TransportError{Op: "upgrade", Addr: raw.RemoteAddr().String(), Err: err})
			}
			t.startAccept()
			return
		}
		t.publish(stream, peer, initiator, result)
	}

	if t.opts.Upgrader == nil {
		finish(raw, nil, nil)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.UpgradeTimeout)
		defer cancel()
		stream, peer, err := t.opts.Upgrader.Upgrade(ctx, raw, initiator)
		t.reactor.Post(func() { finish(stream, peer, err) })
	}()
}

func (t *TCPTransport) publish(stream Stream, peer PeerIdentity, initiator bool, result *task.Task) {
	c := &Conn{
		Stream:    stream,
		ID:        uuid.New(),
		Initiator: initiator,
		Peer:      peer,
		transport: t,
	}
	t.mu.Lock()
	if t.conn != nil || t.halt.ReqStop.IsClosed() {
		// another connection won the race
		t.mu.Unlock()
		stream.Close()
		if result != nil {
			result.Fail(&TransportError{Op: "connect", Addr: stream.RemoteAddr().String(), Err: ErrInvalidState})
		}
		return
	}
	t.state = StateConnected
	t.conn = c
	handlers := append([]func(*Conn){}, t.onConnected...)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "publish",
		"conn_id":   c.ID.String(),
		"remote":    stream.RemoteAddr().String(),
		"initiator": initiator,
		"secure":    len(peer) > 0,
	}).Info("Connection established")

	if result != nil {
		result.Complete(c)
	}
	for _, fn := range handlers {
		fn(c)
	}
}

// lost is called once per connection when it is closed.
func (t *TCPTransport) lost(c *Conn, reason error) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	handlers := append([]func(error){}, t.onDisconnected...)
	t.mu.Unlock()

	fields := logrus.Fields{
		"function": "lost",
		"conn_id":  c.ID.String(),
	}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	logrus.WithFields(fields).Info("Disconnected")

	t.reactor.Post(func() {
		for _, fn := range handlers {
			fn(reason)
		}
		t.startAccept()
	})
}

// Conn returns the current connection, or nil.
func (t *TCPTransport) Conn() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Disconnect closes the current connection, if any.
func (t *TCPTransport) Disconnect() error {
	c := t.Conn()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Close stops listening and closes the current connection.
func (t *TCPTransport) Close() error {
	t.halt.ReqStop.Close()
	t.mu.Lock()
	l := t.listener
	t.listener = nil
	t.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	if derr := t.Disconnect(); derr != nil && err == nil {
		err = derr
	}
	t.halt.Done.Close()
	return err
}

// Done is closed once the transport has been closed.
func (t *TCPTransport) Done() <-chan struct{} {
	return t.halt.Done.Chan
}
