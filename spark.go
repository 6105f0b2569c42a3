package spark

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/crypto"
	"github.com/xya/spark/file"
	"github.com/xya/spark/limits"
	"github.com/xya/spark/noise"
	"github.com/xya/spark/reactor"
	"github.com/xya/spark/session"
	"github.com/xya/spark/store"
	"github.com/xya/spark/task"
	"github.com/xya/spark/transport"
)

// ErrClosed is returned by a Node that has been closed.
var ErrClosed = errors.New("spark node closed")

// Options contains the configuration for a Node.
type Options struct {
	// Reactor selects the I/O backend.
	Reactor reactor.Kind
	// Workers bounds the thread-pool reactor.
	Workers int
	// MailboxSize is the capacity of every actor mailbox.
	MailboxSize int
	// BlockSize is the size of the file blocks this node uploads.
	BlockSize int
	// NegotiationTimeout bounds the protocol version handshake.
	NegotiationTimeout time.Duration
	// Protocols lists the supported protocol versions, most preferred first.
	Protocols []transport.ProtocolVersion

	// Secure runs the Noise XX handshake on every connection.
	Secure bool
	// KeyPair is the static identity used when Secure is set. A fresh
	// one is generated when nil.
	KeyPair *crypto.KeyPair
	// Verify, if set, accepts or rejects the peer's static public key.
	Verify func(publicKey []byte) error
	// Proxy, if set, carries outbound connections.
	Proxy *transport.ProxyConfig

	// DatabasePath is the SQLite file keeping the share list and the
	// download journal. Empty disables persistence.
	DatabasePath string
	// DownloadDir receives downloaded files.
	DownloadDir string
	// Clock is injected into transfers, mostly for tests.
	Clock file.TimeProvider
}

// NewOptions returns the default options: thread-pool reactor, SPARKv1,
// plain TCP, no persistence and downloads in the working directory.
func NewOptions() *Options {
	return &Options{
		Reactor:            reactor.KindThreadPool,
		Workers:            reactor.DefaultOptions().Workers,
		MailboxSize:        actor.DefaultOptions().MailboxSize,
		BlockSize:          limits.DefaultBlockSize,
		NegotiationTimeout: transport.DefaultNegotiationTimeout,
		Protocols:          []transport.ProtocolVersion{transport.ProtocolSparkV1},
		DownloadDir:        ".",
	}
}

// Validate checks the options for values the components would reject.
func (o *Options) Validate() error {
	if _, err := reactor.ParseKind(o.Reactor.String()); err != nil {
		return err
	}
	if err := limits.ValidateBlockSize(o.BlockSize); err != nil {
		return err
	}
	if o.Workers < 0 {
		return fmt.Errorf("invalid worker count %d", o.Workers)
	}
	if o.MailboxSize < 0 {
		return fmt.Errorf("invalid mailbox size %d", o.MailboxSize)
	}
	if o.NegotiationTimeout <= 0 {
		return errors.New("negotiation timeout must be positive")
	}
	if len(o.Protocols) == 0 {
		return errors.New("no protocol version configured")
	}
	return nil
}

// Node is one Spark peer: a reactor, an actor runtime, the file sharing
// service and the TCP transport carrying its session.
type Node struct {
	options *Options
	keyPair *crypto.KeyPair

	reactor   reactor.Reactor
	runtime   *actor.Runtime
	store     *store.Store
	files     *file.Manager
	session   *session.Session
	transport *transport.TCPTransport

	mu     sync.Mutex
	closed bool
}

// New creates and starts a Node. Options are copied; nil means
// NewOptions.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	n := &Node{options: &opts}
	if opts.Secure {
		n.keyPair = opts.KeyPair
		if n.keyPair == nil {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return nil, err
			}
			n.keyPair = kp
		}
	}

	if err := n.start(); err != nil {
		n.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"reactor":    opts.Reactor.String(),
		"block_size": opts.BlockSize,
		"secure":     opts.Secure,
		"database":   opts.DatabasePath,
	}).Info("Spark node started")
	return n, nil
}

func (n *Node) start() error {
	opts := n.options
	r, err := reactor.New(opts.Reactor, reactor.Options{Workers: opts.Workers})
	if err != nil {
		return err
	}
	n.reactor = r
	if err := r.LaunchThread(); err != nil {
		return err
	}
	n.runtime = actor.NewRuntime(actor.Options{MailboxSize: opts.MailboxSize})

	fo := file.Options{
		BlockSize:   opts.BlockSize,
		DownloadDir: opts.DownloadDir,
		Clock:       opts.Clock,
	}
	if opts.DatabasePath != "" {
		st, err := store.Open(opts.DatabasePath)
		if err != nil {
			return err
		}
		n.store = st
		fo.Catalog = st
		fo.Journal = st
	}
	m, err := file.NewManager(n.runtime, fo)
	if err != nil {
		return err
	}
	n.files = m
	pid, err := m.Spawn()
	if err != nil {
		return err
	}

	n.session = session.New(n.runtime, r, pid, session.Options{
		Protocols:          opts.Protocols,
		NegotiationTimeout: opts.NegotiationTimeout,
	})
	m.Bind(n.session)

	to := transport.DefaultTCPOptions()
	to.Proxy = opts.Proxy
	if n.keyPair != nil {
		u := noise.NewUpgrader(n.keyPair)
		u.Verify = opts.Verify
		to.Upgrader = u
	}
	n.transport = transport.NewTCPTransport(r, to)
	n.transport.OnConnected(n.session.Start)
	return nil
}

func (n *Node) usable() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}

// Listen accepts one peer at a time on addr.
func (n *Node) Listen(addr string) error {
	if err := n.usable(); err != nil {
		return err
	}
	return n.transport.Listen(addr)
}

// Connect dials addr. The Task resolves with the *transport.Conn once
// connected; use Session().Active() to wait for the negotiated session.
func (n *Node) Connect(addr string) *task.Task {
	if err := n.usable(); err != nil {
		return task.Failed(err)
	}
	return n.transport.Connect(addr)
}

// Disconnect closes the current connection, if any.
func (n *Node) Disconnect() error {
	if n.session == nil {
		return nil
	}
	return n.session.Disconnect()
}

// Addr returns the listening address, or nil.
func (n *Node) Addr() net.Addr { return n.transport.Addr() }

// Files returns the file sharing service.
func (n *Node) Files() *file.Manager { return n.files }

// Session returns the session carrying the peer's messages.
func (n *Node) Session() *session.Session { return n.session }

// Runtime returns the actor runtime.
func (n *Node) Runtime() *actor.Runtime { return n.runtime }

// Reactor returns the I/O reactor.
func (n *Node) Reactor() reactor.Reactor { return n.reactor }

// PublicKey returns the node's static public key in hex, or "" when the
// node is not secure.
func (n *Node) PublicKey() string {
	if n.keyPair == nil {
		return ""
	}
	return n.keyPair.PublicKeyString()
}

// Watch attaches a process that receives every event published by the
// file sharing service: session, file table and transfer events.
func (n *Node) Watch(name string) (*actor.Process, error) {
	if err := n.usable(); err != nil {
		return nil, err
	}
	p, err := n.runtime.Attach(name, nil)
	if err != nil {
		return nil, err
	}
	n.files.Notifier().Subscribe(p.PID())
	return p, nil
}

// Close stops the node: the connection, every actor, the reactor and
// the database, in that order.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	var errs []error
	if n.transport != nil {
		errs = append(errs, n.transport.Close())
	}
	if n.runtime != nil {
		n.runtime.Shutdown()
	}
	if n.reactor != nil {
		errs = append(errs, n.reactor.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.keyPair != nil && n.options.KeyPair == nil {
		errs = append(errs, crypto.WipeKeyPair(n.keyPair))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Spark node stopped")
	return errors.Join(errs...)
}
