package reactor

import (
	"net"

	"github.com/xya/spark/task"
)

// completion is one packet on the completion port. Packets without a
// token are control packets.
type completion struct {
	token    uint64
	value    any
	err      error
	control  func()
	shutdown bool
}

// CompletionReactor submits every operation with a correlation token. The
// operation proceeds in the Go runtime and its outcome is posted to a
// single completion port; the loop blocks on the port and dispatches by
// token. Invoke, Post and Close travel through the same port as
// zero-length control packets.
type CompletionReactor struct {
	core
	port chan completion
}

// NewCompletionReactor returns a completion-port reactor.
func NewCompletionReactor(opts Options) *CompletionReactor {
	opts = opts.withDefaults()
	r := &CompletionReactor{port: make(chan completion, opts.QueueSize)}
	r.init(KindCompletion, r)
	return r
}

func (r *CompletionReactor) post(c completion) {
	select {
	case r.port <- c:
	case <-r.halt.Done.Chan:
	}
}

// submit starts op and returns the Task its completion packet resolves.
func (r *CompletionReactor) submit(op func() (any, error)) *task.Task {
	token, t, ok := r.register()
	if !ok {
		return t
	}
	go func() {
		v, err := safeCall(op)
		r.post(completion{token: token, value: v, err: err})
	}()
	return t
}

// Read implements Reactor.
func (r *CompletionReactor) Read(s Stream, n int) *task.Task {
	return r.submit(func() (any, error) { return readFull(s, n) })
}

// Write implements Reactor.
func (r *CompletionReactor) Write(s Stream, p []byte) *task.Task {
	return r.submit(func() (any, error) { return writeAll(s, p) })
}

// Connect implements Reactor.
func (r *CompletionReactor) Connect(network, address string) *task.Task {
	return r.submit(func() (any, error) { return net.Dial(network, address) })
}

// Accept implements Reactor.
func (r *CompletionReactor) Accept(l net.Listener) *task.Task {
	return r.submit(func() (any, error) { return l.Accept() })
}

// Invoke implements Reactor.
func (r *CompletionReactor) Invoke(fn func() (any, error)) *task.Task {
	token, t, ok := r.register()
	if !ok {
		return t
	}
	r.post(completion{control: func() {
		if pending := r.take(token); pending != nil {
			v, err := safeCall(fn)
			resolve(pending, v, err)
		}
	}})
	return t
}

// Post implements task.Executor. Functions posted after Close are dropped.
func (r *CompletionReactor) Post(fn func()) {
	if r.closed() {
		return
	}
	r.post(completion{control: fn})
}

// LaunchThread implements Reactor.
func (r *CompletionReactor) LaunchThread() error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.loop()
	return nil
}

// Run implements Reactor.
func (r *CompletionReactor) Run() error {
	if err := r.begin(); err != nil {
		return err
	}
	r.loop()
	return nil
}

func (r *CompletionReactor) loop() {
	defer r.finish()
	for c := range r.port {
		switch {
		case c.shutdown:
			r.cancelAll()
			return
		case c.control != nil:
			c.control()
		default:
			if t := r.take(c.token); t != nil {
				resolve(t, c.value, c.err)
			} else if conn, ok := c.value.(net.Conn); ok {
				// the operation was canceled while the connection was being made
				conn.Close()
			}
		}
	}
}

// Close implements Reactor.
func (r *CompletionReactor) Close() error {
	wasRunning, changed := r.shut()
	if !changed {
		return nil
	}
	if wasRunning {
		r.post(completion{shutdown: true})
		return nil
	}
	r.cancelAll()
	r.finish()
	return nil
}
