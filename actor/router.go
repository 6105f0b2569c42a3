package actor

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/message"
)

// ErrStop may be returned by a handler to end Serve without an error.
var ErrStop = errors.New("stop serving")

// AnyArity disables the arity check of a route.
const AnyArity = -1

// Handler handles one message.
type Handler func(m message.Message) error

type route struct {
	arity   int
	handler Handler
}

// Router dispatches messages to handlers keyed by kind and tag. A route
// matches when the kind and tag are equal and, unless registered with
// AnyArity, the message carries exactly the registered number of
// arguments. Blocks have no tag and are routed by kind alone.
type Router struct {
	name     string
	routes   map[message.Kind]map[string]route
	fallback Handler
}

// NewRouter returns an empty Router. name appears in logs.
func NewRouter(name string) *Router {
	return &Router{
		name:   name,
		routes: make(map[message.Kind]map[string]route),
	}
}

// Handle registers h for messages of kind with the given tag and arity.
func (r *Router) Handle(kind message.Kind, tag string, arity int, h Handler) *Router {
	byTag, ok := r.routes[kind]
	if !ok {
		byTag = make(map[string]route)
		r.routes[kind] = byTag
	}
	byTag[tag] = route{arity: arity, handler: h}
	return r
}

// OnCommand registers a Command handler.
func (r *Router) OnCommand(tag string, arity int, h func(message.Command) error) *Router {
	return r.Handle(message.KindCommand, tag, arity, func(m message.Message) error {
		return h(m.(message.Command))
	})
}

// OnEvent registers an Event handler.
func (r *Router) OnEvent(tag string, arity int, h func(message.Event) error) *Router {
	return r.Handle(message.KindEvent, tag, arity, func(m message.Message) error {
		return h(m.(message.Event))
	})
}

// OnRequest registers a Request handler.
func (r *Router) OnRequest(tag string, arity int, h func(message.Request) error) *Router {
	return r.Handle(message.KindRequest, tag, arity, func(m message.Message) error {
		return h(m.(message.Request))
	})
}

// OnResponse registers a Response handler.
func (r *Router) OnResponse(tag string, arity int, h func(message.Response) error) *Router {
	return r.Handle(message.KindResponse, tag, arity, func(m message.Message) error {
		return h(m.(message.Response))
	})
}

// OnNotification registers a Notification handler.
func (r *Router) OnNotification(tag string, arity int, h func(message.Notification) error) *Router {
	return r.Handle(message.KindNotification, tag, arity, func(m message.Message) error {
		return h(m.(message.Notification))
	})
}

// OnBlock registers the Block handler.
func (r *Router) OnBlock(h func(message.Block) error) *Router {
	return r.Handle(message.KindBlock, "", AnyArity, func(m message.Message) error {
		return h(m.(message.Block))
	})
}

// Fallback sets the handler for unmatched messages. Without one they are
// logged and dropped.
func (r *Router) Fallback(h Handler) *Router {
	r.fallback = h
	return r
}

// Dispatch runs the handler matching m. It reports whether a route
// matched and returns the handler's error.
func (r *Router) Dispatch(m message.Message) (bool, error) {
	var kind message.Kind
	switch m.(type) {
	case message.Command, message.Event, message.Request,
		message.Response, message.Notification, message.Block:
		kind = m.Kind()
	default:
		return false, fmt.Errorf("%s: unsupported message %T", r.name, m)
	}

	tag := message.Tag(m)
	if rt, ok := r.routes[kind][tag]; ok {
		if rt.arity == AnyArity || rt.arity == message.Arity(m) {
			return true, rt.handler(m)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"router":   r.name,
			"kind":     kind.String(),
			"tag":      tag,
			"arity":    message.Arity(m),
			"expected": rt.arity,
		}).Warn("Message arity does not match route")
	}

	if r.fallback != nil {
		return false, r.fallback(m)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Dispatch",
		"router":   r.name,
		"kind":     kind.String(),
		"tag":      tag,
	}).Warn("Dropping unmatched message")
	return false, nil
}

// Serve receives and dispatches messages until the mailbox closes or a
// handler fails. A handler returning ErrStop ends Serve with nil.
func (r *Router) Serve(p *Process) error {
	for {
		m, err := p.Receive()
		if err != nil {
			return err
		}
		if _, err := r.Dispatch(m); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}
