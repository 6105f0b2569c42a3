// Package session runs the Spark message protocol over a transport
// connection on behalf of a service actor.
//
// On every connection handed to Start, a Session negotiates the protocol
// version, then reads messages until the stream ends. Requests,
// notifications and blocks are delivered to the service's mailbox.
// Responses resolve the Task returned by the matching SendRequest and are
// delivered to the service as well. The service also receives
// session-started and session-ended events, which are published to any
// PID subscribed through Notifier.
//
//	s := session.New(rt, r, servicePID, session.DefaultOptions())
//	tcp.OnConnected(s.Start)
//	...
//	files, err := s.SendRequest("list-files", map[string]any{"register": true}).Wait()
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/message"
	"github.com/xya/spark/reactor"
	"github.com/xya/spark/task"
	"github.com/xya/spark/transport"
)

// ErrNotConnected is returned when sending without an active session.
var ErrNotConnected = errors.New("session not connected")

const (
	// EventStarted is sent once the protocol has been negotiated.
	// Args: session id, protocol name.
	EventStarted = "session-started"
	// EventEnded is sent when an active session ends.
	// Args: session id, reason ("" for a clean end of stream).
	EventEnded = "session-ended"
)

// Options configures a Session.
type Options struct {
	// Protocols lists the supported versions, most preferred first.
	Protocols []transport.ProtocolVersion
	// NegotiationTimeout bounds the version handshake.
	NegotiationTimeout time.Duration
}

// DefaultOptions supports SPARKv1 with the default negotiation timeout.
func DefaultOptions() Options {
	return Options{
		Protocols:          []transport.ProtocolVersion{transport.ProtocolSparkV1},
		NegotiationTimeout: transport.DefaultNegotiationTimeout,
	}
}

// Session carries the message protocol for one connection at a time.
type Session struct {
	rt         *actor.Runtime
	reactor    reactor.Reactor
	service    actor.PID
	negotiator *transport.VersionNegotiator
	notifier   *actor.Notifier

	mu          sync.Mutex
	conn        *transport.Conn
	frames      *transport.FrameConn
	protocol    transport.ProtocolVersion
	nextTransID uint64
	pending     map[uint64]*task.Task
	active      *task.Task
}

// New returns a Session delivering inbound messages to service.
func New(rt *actor.Runtime, r reactor.Reactor, service actor.PID, opts Options) *Session {
	return &Session{
		rt:          rt,
		reactor:     r,
		service:     service,
		negotiator:  transport.NewVersionNegotiator(opts.Protocols, opts.NegotiationTimeout),
		notifier:    actor.NewNotifier(rt),
		nextTransID: 1,
		active:      task.New(),
	}
}

// Notifier publishes session-started and session-ended events.
func (s *Session) Notifier() *actor.Notifier { return s.notifier }

// Service returns the PID receiving inbound messages.
func (s *Session) Service() actor.PID { return s.service }

// Active returns a Task resolved with the session id (uuid.UUID) once the
// current or next connection has negotiated its protocol. It is replaced
// by a fresh Task when the session ends.
func (s *Session) Active() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Connected reports whether a session is active.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames != nil
}

// Protocol returns the negotiated protocol, or "" when not connected.
func (s *Session) Protocol() transport.ProtocolVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// Start takes over a new connection. It is meant to be registered with
// TCPTransport.OnConnected and returns immediately.
func (s *Session) Start(c *transport.Conn) {
	go s.run(c)
}

func (s *Session) run(c *transport.Conn) {
	frames := transport.NewFrameConn(s.reactor, c)
	proto, err := s.negotiator.Negotiate(frames, c.Initiator, c)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "run",
			"session_id": c.ID.String(),
			"error":      err.Error(),
		}).Error("Protocol negotiation failed")
		c.CloseWithError(err)
		return
	}

	s.mu.Lock()
	if s.frames != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "run",
			"session_id": c.ID.String(),
		}).Warn("Session already active, dropping connection")
		c.Close()
		return
	}
	s.conn = c
	s.frames = frames
	s.protocol = proto
	s.pending = make(map[uint64]*task.Task)
	active := s.active
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "run",
		"session_id": c.ID.String(),
		"protocol":   string(proto),
		"remote":     c.RemoteAddr().String(),
	}).Info("Session started")

	s.publish(message.Event{Tag: EventStarted, Args: []any{c.ID.String(), string(proto)}})
	active.Complete(c.ID)

	s.teardown(c, s.receive(c, frames))
}

// receive dispatches messages until the stream ends or fails.
func (s *Session) receive(c *transport.Conn, frames *transport.FrameConn) error {
	for {
		m, err := frames.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.dispatch(c, m); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(c *transport.Conn, m message.Message) error {
	switch v := m.(type) {
	case message.Response:
		s.mu.Lock()
		t, ok := s.pending[v.TransID]
		if ok {
			delete(s.pending, v.TransID)
		}
		s.mu.Unlock()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":   "dispatch",
				"session_id": c.ID.String(),
				"tag":        v.Tag,
				"trans_id":   v.TransID,
			}).Debug("Dropping unmatched response")
			return nil
		}
		t.Complete(v)
	case message.Request, message.Notification:
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"session_id": c.ID.String(),
			"message":    fmt.Sprint(v),
		}).Debug("Received message")
	case message.Block:
	default:
		return fmt.Errorf("unexpected %s message on the wire", m.Kind())
	}
	if err := s.rt.Send(s.service, m); err != nil {
		return fmt.Errorf("deliver %s: %w", m.Kind(), err)
	}
	return nil
}

// teardown ends the session bound to c and cancels pending requests.
func (s *Session) teardown(c *transport.Conn, reason error) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.conn = nil
	s.frames = nil
	s.pending = nil
	s.protocol = ""
	s.active = task.New()
	s.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
	if errors.Is(reason, io.EOF) || errors.Is(reason, net.ErrClosed) {
		reason = nil
	}
	c.CloseWithError(reason)

	why := ""
	fields := logrus.Fields{
		"function":         "teardown",
		"session_id":       c.ID.String(),
		"pending_canceled": len(pending),
	}
	if reason != nil {
		why = reason.Error()
		fields["reason"] = why
	}
	logrus.WithFields(fields).Info("Session ended")

	s.publish(message.Event{Tag: EventEnded, Args: []any{c.ID.String(), why}})
}

func (s *Session) publish(ev message.Event) {
	if err := s.rt.Send(s.service, ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publish",
			"event":    ev.Tag,
			"error":    err.Error(),
		}).Warn("Service did not receive session event")
	}
	s.notifier.Notify(ev)
}

// Disconnect closes the active connection, if any.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// current returns the frame conn and the next transaction id.
func (s *Session) current(reserveID bool) (*transport.Conn, *transport.FrameConn, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		return nil, nil, 0, ErrNotConnected
	}
	var id uint64
	if reserveID {
		id = s.nextTransID
		s.nextTransID++
	}
	return s.conn, s.frames, id, nil
}

// write sends m; a failed write closes the connection.
func (s *Session) write(c *transport.Conn, frames *transport.FrameConn, m message.Message) error {
	if err := frames.WriteMessage(m); err != nil {
		c.CloseWithError(err)
		return err
	}
	return nil
}

// SendRequest sends a request with the next transaction id. The returned
// Task resolves with the matching message.Response, or is canceled when
// the session ends first. Like every Send method it blocks until the
// message is written and must not be called from the reactor loop.
func (s *Session) SendRequest(tag string, params ...any) *task.Task {
	c, frames, id, err := s.current(true)
	if err != nil {
		return task.Failed(err)
	}
	t := task.New()
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return task.Failed(ErrNotConnected)
	}
	s.pending[id] = t
	s.mu.Unlock()

	if err := s.write(c, frames, message.Request{Tag: tag, TransID: id, Params: params}); err != nil {
		s.mu.Lock()
		if s.conn == c {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		t.Fail(err)
	}
	return t
}

// SendResponse answers req.
func (s *Session) SendResponse(req message.Request, params ...any) error {
	c, frames, _, err := s.current(false)
	if err != nil {
		return err
	}
	return s.write(c, frames, message.ResponseTo(req, params...))
}

// SendNotification sends a one-way message with the next transaction id.
func (s *Session) SendNotification(tag string, params ...any) error {
	c, frames, id, err := s.current(true)
	if err != nil {
		return err
	}
	return s.write(c, frames, message.Notification{Tag: tag, TransID: id, Params: params})
}

// SendBlock sends a block of file data.
func (s *Session) SendBlock(b message.Block) error {
	c, frames, _, err := s.current(false)
	if err != nil {
		return err
	}
	return s.write(c, frames, b)
}
