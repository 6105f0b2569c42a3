package actor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/mailbox"
	"github.com/xya/spark/message"
)

// Process is the handle a process uses to receive messages and talk to
// the Runtime. It must only be used by the thread of control that owns it.
type Process struct {
	rt       *Runtime
	pid      PID
	name     string
	mailbox  *mailbox.Queue[message.Message]
	notify   func()
	attached bool
	killed   atomic.Bool

	// guarded by rt.mu
	monitors []PID
}

// PID returns the identity of the process.
func (p *Process) PID() PID { return p.pid }

// Name returns the name given at spawn or attach time.
func (p *Process) Name() string { return p.name }

// Runtime returns the owning runtime.
func (p *Process) Runtime() *Runtime { return p.rt }

// Send delivers m to another process.
func (p *Process) Send(to PID, m message.Message) error {
	return p.rt.Send(to, m)
}

func (p *Process) mailboxErr(err error) error {
	if errors.Is(err, mailbox.ErrClosed) {
		return ErrKilled
	}
	return err
}

// Receive blocks until a message arrives. It returns ErrKilled once the
// mailbox is closed and empty.
func (p *Process) Receive() (message.Message, error) {
	m, err := p.mailbox.Get()
	if err != nil {
		return nil, p.mailboxErr(err)
	}
	return m, nil
}

// ReceiveTimeout is like Receive but gives up after d with
// mailbox.ErrTimeout.
func (p *Process) ReceiveTimeout(d time.Duration) (message.Message, error) {
	m, err := p.mailbox.GetTimeout(d)
	if err != nil {
		return nil, p.mailboxErr(err)
	}
	return m, nil
}

// TryReceive returns the next message if one is queued.
func (p *Process) TryReceive() (message.Message, bool, error) {
	m, ok, err := p.mailbox.TryGet()
	if err != nil {
		return nil, false, p.mailboxErr(err)
	}
	return m, ok, nil
}

// Pump hands every queued message to handle without blocking and returns
// how many were handled. It is how attached processes consume their
// mailbox from an external event loop.
func (p *Process) Pump(handle func(message.Message)) (int, error) {
	n := 0
	for {
		m, ok, err := p.TryReceive()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		handle(m)
		n++
	}
}

// Pending returns the number of queued messages.
func (p *Process) Pending() int {
	return p.mailbox.Len()
}

func (p *Process) delivered() {
	if p.notify != nil {
		p.notify()
	}
}

func (p *Process) run(entry func(p *Process) error) {
	reason := ReasonNormal
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"pid":      p.pid.String(),
				"name":     p.name,
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("Process panicked")
			reason = fmt.Sprintf("panic: %v", r)
		}
		p.exit(reason)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"pid":      p.pid.String(),
		"name":     p.name,
	}).Debug("Process started")

	if err := entry(p); err != nil {
		if errors.Is(err, ErrKilled) {
			reason = ReasonKilled
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"pid":      p.pid.String(),
				"name":     p.name,
			}).Info("Process killed")
			return
		}
		reason = err.Error()
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"pid":      p.pid.String(),
			"name":     p.name,
			"error":    err.Error(),
		}).Error("Process failed")
	}
}

// exit unregisters p, closes its mailbox and tells its monitors.
func (p *Process) exit(reason string) {
	monitors, ok := p.rt.remove(p)
	if !ok {
		return
	}
	p.mailbox.Close(false)

	logrus.WithFields(logrus.Fields{
		"function": "exit",
		"pid":      p.pid.String(),
		"name":     p.name,
		"reason":   reason,
	}).Debug("Process exited")

	ev := message.Event{Tag: EventProcessExited, Args: []any{p.pid, reason}}
	for _, watcher := range monitors {
		if err := p.rt.Send(watcher, ev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "exit",
				"pid":      p.pid.String(),
				"watcher":  watcher.String(),
			}).Debug("Monitor already gone")
		}
	}
}

// Killed reports whether Kill was called on the process.
func (p *Process) Killed() bool {
	return p.killed.Load()
}
