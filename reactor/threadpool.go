package reactor

import (
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/mailbox"
	"github.com/xya/spark/task"
)

type blockingCall struct {
	token uint64
	fn    func() (any, error)
}

// ThreadPoolReactor executes blocking calls on a bounded pool of worker
// goroutines. Workers pull calls from a shared request queue and post the
// outcome to a result queue; the loop drains the result queue and is the
// only place Tasks are resolved. Workers are started on demand, up to
// Options.Workers, whenever more calls are queued than workers are free
// to take them. A call already running when the reactor closes is
// allowed to finish; its result is discarded.
type ThreadPoolReactor struct {
	core
	requests   *mailbox.Queue[blockingCall]
	results    *mailbox.Queue[func()]
	maxWorkers int32
	workers    atomic.Int32
	idle       atomic.Int32 // workers not running a call
	backlog    atomic.Int32 // calls queued and not yet taken
}

// NewThreadPoolReactor returns a thread-pool reactor.
func NewThreadPoolReactor(opts Options) *ThreadPoolReactor {
	opts = opts.withDefaults()
	r := &ThreadPoolReactor{
		requests:   mailbox.New[blockingCall](opts.QueueSize),
		results:    mailbox.New[func()](opts.QueueSize),
		maxWorkers: int32(opts.Workers),
	}
	r.init(KindThreadPool, r)
	return r
}

func (r *ThreadPoolReactor) submit(fn func() (any, error)) *task.Task {
	token, t, ok := r.register()
	if !ok {
		return t
	}
	call := blockingCall{token: token, fn: fn}
	r.backlog.Add(1)
	if queued, err := r.requests.TryPut(call); err != nil {
		r.backlog.Add(-1)
		r.take(token)
		t.Cancel()
		return t
	} else if !queued {
		// keep the submitter non-blocking when the request queue is full
		go r.requests.Put(call)
	}
	r.ensureWorkers()
	return t
}

// ensureWorkers starts workers until every queued call has a free worker
// or the pool is full.
func (r *ThreadPoolReactor) ensureWorkers() {
	for r.backlog.Load() > r.idle.Load() {
		n := r.workers.Load()
		if n >= r.maxWorkers {
			return
		}
		if r.workers.CompareAndSwap(n, n+1) {
			r.idle.Add(1)
			go r.work(n + 1)
		}
	}
}

func (r *ThreadPoolReactor) work(id int32) {
	defer func() {
		r.idle.Add(-1)
		r.workers.Add(-1)
	}()
	logrus.WithFields(logrus.Fields{
		"function": "work",
		"worker":   id,
	}).Debug("Reactor worker started")

	for {
		call, err := r.requests.Get()
		if err != nil {
			return
		}
		r.idle.Add(-1)
		r.backlog.Add(-1)
		v, err := safeCall(call.fn)
		// rejoin the idle set before reporting, so a continuation that
		// submits more work can reuse this worker
		r.idle.Add(1)
		token := call.token
		if perr := r.results.Put(func() {
			if t := r.take(token); t != nil {
				resolve(t, v, err)
			} else if conn, ok := v.(net.Conn); ok {
				conn.Close()
			}
		}); perr != nil {
			if conn, ok := v.(net.Conn); ok {
				conn.Close()
			}
		}
	}
}

// Read implements Reactor.
func (r *ThreadPoolReactor) Read(s Stream, n int) *task.Task {
	return r.submit(func() (any, error) { return readFull(s, n) })
}

// Write implements Reactor.
func (r *ThreadPoolReactor) Write(s Stream, p []byte) *task.Task {
	return r.submit(func() (any, error) { return writeAll(s, p) })
}

// Connect implements Reactor.
func (r *ThreadPoolReactor) Connect(network, address string) *task.Task {
	return r.submit(func() (any, error) { return net.Dial(network, address) })
}

// Accept implements Reactor.
func (r *ThreadPoolReactor) Accept(l net.Listener) *task.Task {
	return r.submit(func() (any, error) { return l.Accept() })
}

// Invoke implements Reactor.
func (r *ThreadPoolReactor) Invoke(fn func() (any, error)) *task.Task {
	token, t, ok := r.register()
	if !ok {
		return t
	}
	if err := r.enqueue(func() {
		if pending := r.take(token); pending != nil {
			v, err := safeCall(fn)
			resolve(pending, v, err)
		}
	}); err != nil && r.take(token) != nil {
		t.Cancel()
	}
	return t
}

// Post implements task.Executor.
func (r *ThreadPoolReactor) Post(fn func()) {
	if r.closed() {
		return
	}
	r.enqueue(fn)
}

// enqueue hands fn to the loop without blocking the caller, which may be
// the loop itself.
func (r *ThreadPoolReactor) enqueue(fn func()) error {
	queued, err := r.results.TryPut(fn)
	if err != nil {
		return err
	}
	if !queued {
		go r.results.Put(fn)
	}
	return nil
}

// LaunchThread implements Reactor.
func (r *ThreadPoolReactor) LaunchThread() error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.loop()
	return nil
}

// Run implements Reactor.
func (r *ThreadPoolReactor) Run() error {
	if err := r.begin(); err != nil {
		return err
	}
	r.loop()
	return nil
}

func (r *ThreadPoolReactor) loop() {
	defer r.finish()
	for {
		fn, err := r.results.Get()
		if err != nil {
			return
		}
		fn()
	}
}

// Close implements Reactor.
func (r *ThreadPoolReactor) Close() error {
	wasRunning, changed := r.shut()
	if !changed {
		return nil
	}
	// workers finish their current call and then find the queue closed
	r.requests.Close(false)
	if wasRunning {
		err := r.enqueue(func() {
			r.cancelAll()
			r.results.Close(false)
		})
		if err == nil {
			return nil
		}
	}
	r.results.Close(false)
	r.cancelAll()
	r.finish()
	return nil
}
