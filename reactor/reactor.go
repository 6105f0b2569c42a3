// Package reactor multiplexes asynchronous I/O behind a single interface
// with interchangeable backends.
//
// Every operation returns a *task.Task immediately. The Task is resolved,
// and its continuations run, on the reactor's own loop goroutine, so all
// callbacks attached to a reactor's Tasks are serialized. Three backends
// are provided:
//
//   - KindPoll polls non-blocking descriptors (unix only).
//   - KindCompletion posts finished operations to a completion port that
//     the loop waits on.
//   - KindThreadPool runs blocking calls on a bounded worker pool and
//     drains their results on the loop.
//
// Example:
//
//	r, err := reactor.New(reactor.KindThreadPool, reactor.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r.LaunchThread()
//	defer r.Close()
//	data, err := r.Read(conn, 16).Wait()
package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/task"
)

var (
	// ErrClosed is returned when starting a reactor that was closed.
	ErrClosed = errors.New("reactor closed")
	// ErrAlreadyRunning is returned when the loop is started twice.
	ErrAlreadyRunning = errors.New("reactor already running")
	// ErrUnsupportedStream is returned when a backend cannot drive a stream.
	ErrUnsupportedStream = errors.New("stream not supported by reactor backend")
	// ErrUnsupportedKind is returned for backends unavailable on this platform.
	ErrUnsupportedKind = errors.New("reactor kind not supported on this platform")
)

// Kind selects a reactor backend.
type Kind uint8

const (
	// KindPoll is the readiness-polling backend.
	KindPoll Kind = iota + 1
	// KindCompletion is the completion-port backend.
	KindCompletion
	// KindThreadPool is the thread-pool backend.
	KindThreadPool
)

func (k Kind) String() string {
	switch k {
	case KindPoll:
		return "poll"
	case KindCompletion:
		return "completion"
	case KindThreadPool:
		return "threadpool"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// ParseKind parses a backend name as printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poll":
		return KindPoll, nil
	case "completion", "iocp":
		return KindCompletion, nil
	case "threadpool", "thread-pool", "threads":
		return KindThreadPool, nil
	default:
		return 0, fmt.Errorf("unknown reactor kind %q", s)
	}
}

// Stream is a duplex byte stream the reactor can read from and write to.
// The poll backend polls streams that implement syscall.Conn through their
// descriptor and serves the others from a helper goroutine.
type Stream interface {
	io.Reader
	io.Writer
}

// Reactor is the common contract of all backends.
type Reactor interface {
	task.Executor

	// Read resolves with exactly n bytes, or fewer if the stream ends.
	Read(s Stream, n int) *task.Task
	// Write resolves with the number of bytes written once all of p is out.
	Write(s Stream, p []byte) *task.Task
	// Connect resolves with a net.Conn.
	Connect(network, address string) *task.Task
	// Accept resolves with the next net.Conn accepted on l.
	Accept(l net.Listener) *task.Task
	// Invoke runs fn on the loop and resolves with its result.
	Invoke(fn func() (any, error)) *task.Task

	// LaunchThread starts the loop on a new goroutine.
	LaunchThread() error
	// Run runs the loop on the calling goroutine until Close.
	Run() error
	// Close stops the loop, canceling every pending Task.
	Close() error
	// Done is closed once the loop has exited.
	Done() <-chan struct{}
	Kind() Kind
}

// Options configures a reactor.
type Options struct {
	// Workers bounds the thread-pool backend.
	Workers int
	// QueueSize is the capacity of internal request and result queues.
	QueueSize int
}

// DefaultOptions returns the defaults used by New when given a zero value.
func DefaultOptions() Options {
	return Options{
		Workers:   8,
		QueueSize: 256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}

// New creates a reactor of the given kind. The loop is not started.
func New(kind Kind, opts Options) (Reactor, error) {
	opts = opts.withDefaults()
	logrus.WithFields(logrus.Fields{
		"function": "New",
		"kind":     kind.String(),
		"workers":  opts.Workers,
	}).Debug("Creating reactor")

	switch kind {
	case KindPoll:
		return newPollReactor(opts)
	case KindCompletion:
		return NewCompletionReactor(opts), nil
	case KindThreadPool:
		return NewThreadPoolReactor(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

// Pipe returns a connected pair of pipe ends usable with every backend.
func Pipe() (r, w *os.File, err error) {
	return os.Pipe()
}

// safeCall runs fn and converts a panic into a TaskFailure.
func safeCall(fn func() (any, error)) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = task.NewTaskFailure(fmt.Errorf("panic in reactor call: %v", p))
		}
	}()
	return fn()
}

// resolve settles t with the outcome of an operation.
func resolve(t *task.Task, v any, err error) {
	if err != nil {
		t.Fail(err)
		return
	}
	t.Complete(v)
}

// readFull performs the blocking read used by the completion and
// thread-pool backends: it stops at n bytes or at end of stream.
func readFull(s Stream, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := s.Read(buf[got:])
		got += m
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	return buf[:got], nil
}

func writeAll(s Stream, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		m, err := s.Write(p[written:])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
