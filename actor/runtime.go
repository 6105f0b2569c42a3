// Package actor implements lightweight processes that communicate only
// through bounded mailboxes.
//
// A Runtime owns every process it starts. Processes are identified by a
// PID that combines an arena slot index with a generation counter, so a
// PID kept after its process exited never reaches a newer process that
// reuses the slot.
//
// Example:
//
//	rt := actor.NewRuntime(actor.DefaultOptions())
//	defer rt.Shutdown()
//	pid, _ := rt.Spawn("echo", func(p *actor.Process) error {
//	    for {
//	        m, err := p.Receive()
//	        if err != nil {
//	            return err
//	        }
//	        fmt.Println(m)
//	    }
//	})
//	rt.Send(pid, message.Command{Tag: "hello"})
package actor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/mailbox"
	"github.com/xya/spark/message"
)

var (
	// ErrExited is returned when sending to a process that is gone.
	ErrExited = errors.New("process exited")
	// ErrKilled is returned by Receive when the mailbox was closed by Kill.
	// An entry routine returning it exits normally.
	ErrKilled = errors.New("process killed")
	// ErrStalePID is returned for a PID whose slot now belongs to another
	// process.
	ErrStalePID = errors.New("stale process id")
	// ErrRuntimeClosed is returned by Spawn and Attach after Shutdown.
	ErrRuntimeClosed = errors.New("actor runtime closed")
)

// EventProcessExited is the tag of the Event delivered to monitors.
// Its arguments are the PID of the exited process and the exit reason.
const EventProcessExited = "process-exited"

// Exit reasons reported to monitors.
const (
	ReasonNormal = "normal"
	ReasonKilled = "killed"
)

// PID identifies a process. The zero PID never names a process.
type PID uint64

func makePID(index, gen uint32) PID {
	return PID(uint64(index)<<32 | uint64(gen))
}

// Index returns the arena slot of the PID.
func (p PID) Index() uint32 { return uint32(p >> 32) }

// Generation returns the generation of the slot when the PID was issued.
func (p PID) Generation() uint32 { return uint32(p) }

func (p PID) String() string {
	return fmt.Sprintf("<%d.%d>", p.Index(), p.Generation())
}

// Options configures a Runtime.
type Options struct {
	// MailboxSize is the capacity of every process mailbox.
	MailboxSize int
}

// DefaultOptions returns the Runtime defaults.
func DefaultOptions() Options {
	return Options{MailboxSize: mailbox.DefaultCapacity}
}

type slot struct {
	gen  uint32
	proc *Process
}

// Runtime is the registry of live processes.
type Runtime struct {
	opts Options

	mu     sync.Mutex
	exited *sync.Cond
	slots  []slot
	free   []uint32
	live   int
	closed bool
}

// NewRuntime creates an empty Runtime.
func NewRuntime(opts Options) *Runtime {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultOptions().MailboxSize
	}
	rt := &Runtime{opts: opts}
	rt.exited = sync.NewCond(&rt.mu)
	return rt
}

// register allocates a slot for a new process.
func (rt *Runtime) register(name string, notify func()) (*Process, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, ErrRuntimeClosed
	}
	var index uint32
	if n := len(rt.free); n > 0 {
		index = rt.free[n-1]
		rt.free = rt.free[:n-1]
	} else {
		index = uint32(len(rt.slots))
		rt.slots = append(rt.slots, slot{})
	}
	s := &rt.slots[index]
	s.gen++
	p := &Process{
		rt:      rt,
		pid:     makePID(index, s.gen),
		name:    name,
		mailbox: mailbox.New[message.Message](rt.opts.MailboxSize),
		notify:  notify,
	}
	s.proc = p
	rt.live++
	return p, nil
}

// lookup resolves pid to its live process.
func (rt *Runtime) lookup(pid PID) (*Process, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lookupLocked(pid)
}

func (rt *Runtime) lookupLocked(pid PID) (*Process, error) {
	index := pid.Index()
	if pid.Generation() == 0 || int(index) >= len(rt.slots) {
		return nil, fmt.Errorf("%w: %s", ErrExited, pid)
	}
	s := rt.slots[index]
	if s.proc == nil || s.gen < pid.Generation() {
		return nil, fmt.Errorf("%w: %s", ErrExited, pid)
	}
	if s.gen != pid.Generation() {
		return nil, fmt.Errorf("%w: %w: %s", ErrExited, ErrStalePID, pid)
	}
	return s.proc, nil
}

// Spawn starts entry as a new process and returns its PID. An error
// returned by entry is logged and ends the process; ErrKilled is a normal
// exit. A panic is recovered and treated like an error.
func (rt *Runtime) Spawn(name string, entry func(p *Process) error) (PID, error) {
	p, err := rt.register(name, nil)
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Spawn",
		"pid":      p.pid.String(),
		"name":     name,
	}).Debug("Spawning process")

	go p.run(entry)
	return p.pid, nil
}

// Attach registers the calling thread of control as a process without an
// entry routine. notify, when non-nil, is called after every delivery so
// an external loop can schedule a Pump.
func (rt *Runtime) Attach(name string, notify func()) (*Process, error) {
	p, err := rt.register(name, notify)
	if err != nil {
		return nil, err
	}
	p.attached = true
	logrus.WithFields(logrus.Fields{
		"function": "Attach",
		"pid":      p.pid.String(),
		"name":     name,
	}).Debug("Attached external process")
	return p, nil
}

// Detach releases a PID obtained from Attach.
func (rt *Runtime) Detach(pid PID) error {
	p, err := rt.lookup(pid)
	if err != nil {
		return err
	}
	if !p.attached {
		return fmt.Errorf("detach %s: process has an entry routine", pid)
	}
	p.exit(ReasonNormal)
	return nil
}

// Send delivers m to pid, blocking while the mailbox is full.
func (rt *Runtime) Send(pid PID, m message.Message) error {
	p, err := rt.lookup(pid)
	if err != nil {
		return err
	}
	if err := p.mailbox.Put(m); err != nil {
		return fmt.Errorf("%w: %s", ErrExited, pid)
	}
	p.delivered()
	return nil
}

// TrySend is like Send but reports false instead of blocking when the
// mailbox is full.
func (rt *Runtime) TrySend(pid PID, m message.Message) (bool, error) {
	p, err := rt.lookup(pid)
	if err != nil {
		return false, err
	}
	ok, err := p.mailbox.TryPut(m)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrExited, pid)
	}
	if ok {
		p.delivered()
	}
	return ok, nil
}

// Kill closes the mailbox of pid. With flush, messages already queued are
// still received before Receive reports ErrKilled. Killing an attached
// process exits it immediately.
func (rt *Runtime) Kill(pid PID, flush bool) error {
	p, err := rt.lookup(pid)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"pid":      pid.String(),
		"name":     p.name,
		"flush":    flush,
	}).Debug("Killing process")

	p.killed.Store(true)
	if p.attached {
		p.exit(ReasonKilled)
		return nil
	}
	p.mailbox.Close(flush)
	return nil
}

// Monitor arranges for watcher to receive a process-exited Event when
// target exits.
func (rt *Runtime) Monitor(watcher, target PID) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, err := rt.lookupLocked(watcher); err != nil {
		return err
	}
	p, err := rt.lookupLocked(target)
	if err != nil {
		return err
	}
	p.monitors = append(p.monitors, watcher)
	return nil
}

// Alive reports whether pid names a live process.
func (rt *Runtime) Alive(pid PID) bool {
	_, err := rt.lookup(pid)
	return err == nil
}

// Name returns the name pid was spawned with.
func (rt *Runtime) Name(pid PID) (string, error) {
	p, err := rt.lookup(pid)
	if err != nil {
		return "", err
	}
	return p.name, nil
}

// Len returns the number of live processes.
func (rt *Runtime) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.live
}

// remove frees the slot of p and returns its monitors. It reports false
// when p was already removed.
func (rt *Runtime) remove(p *Process) ([]PID, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	index := p.pid.Index()
	s := &rt.slots[index]
	if s.proc != p {
		return nil, false
	}
	s.proc = nil
	rt.free = append(rt.free, index)
	rt.live--
	monitors := p.monitors
	p.monitors = nil
	rt.exited.Broadcast()
	return monitors, true
}

// Shutdown kills every process, refuses new ones and waits until all
// entry routines have returned.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	rt.closed = true
	var procs []*Process
	for _, s := range rt.slots {
		if s.proc != nil {
			procs = append(procs, s.proc)
		}
	}
	rt.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Shutdown",
		"processes": len(procs),
	}).Info("Shutting down actor runtime")

	for _, p := range procs {
		rt.Kill(p.pid, false)
	}

	rt.mu.Lock()
	for rt.live > 0 {
		rt.exited.Wait()
	}
	rt.mu.Unlock()
}
