package actor

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/message"
)

// Notifier fans Events out to subscribed processes. Subscribers that have
// exited are dropped on the next Notify.
type Notifier struct {
	rt *Runtime

	mu   sync.Mutex
	subs []PID
}

// NewNotifier returns a Notifier delivering through rt.
func NewNotifier(rt *Runtime) *Notifier {
	return &Notifier{rt: rt}
}

// Subscribe adds pid. Subscribing twice has no effect.
func (n *Notifier) Subscribe(pid PID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		if s == pid {
			return
		}
	}
	n.subs = append(n.subs, pid)
}

// Unsubscribe removes pid.
func (n *Notifier) Unsubscribe(pid PID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == pid {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns a copy of the subscriber list.
func (n *Notifier) Subscribers() []PID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PID(nil), n.subs...)
}

// Notify sends ev to every subscriber.
func (n *Notifier) Notify(ev message.Event) {
	for _, pid := range n.Subscribers() {
		if err := n.rt.Send(pid, ev); err != nil {
			if errors.Is(err, ErrExited) {
				n.Unsubscribe(pid)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Notify",
				"event":    ev.Tag,
				"pid":      pid.String(),
				"error":    err.Error(),
			}).Debug("Dropping subscriber")
		}
	}
}
