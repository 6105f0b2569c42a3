// Package message defines the closed set of messages exchanged between
// actors and, for the wire kinds, between peers.
//
// Message is a sealed interface: only the six types in this package
// implement it, so a type switch over Command, Event, Request, Response,
// Notification and Block is exhaustive.
package message

import (
	"fmt"
)

// Kind discriminates the message variants.
type Kind uint8

const (
	// KindCommand is a local instruction sent to an actor.
	KindCommand Kind = iota + 1
	// KindEvent is a local report emitted by an actor.
	KindEvent
	// KindRequest is a wire request expecting a Response.
	KindRequest
	// KindResponse answers a Request with the same transaction id.
	KindResponse
	// KindNotification is a one-way wire message.
	KindNotification
	// KindBlock carries a chunk of file data.
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindBlock:
		return "block"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Message is implemented by every message variant.
type Message interface {
	Kind() Kind
	sealed()
}

// Command asks an actor to do something.
type Command struct {
	Tag  string
	Args []any
}

// Event tells an actor that something happened.
type Event struct {
	Tag  string
	Args []any
}

// Request is sent to the remote peer, which answers with a Response.
type Request struct {
	Tag     string
	TransID uint64
	Params  []any
}

// Response answers the Request with the same TransID.
type Response struct {
	Tag     string
	TransID uint64
	Params  []any
}

// Notification is a one-way message to the remote peer.
type Notification struct {
	Tag     string
	TransID uint64
	Params  []any
}

// Block is a chunk of a file being transferred.
type Block struct {
	TransferID uint16
	BlockID    uint32
	Data       []byte
}

func (Command) Kind() Kind      { return KindCommand }
func (Event) Kind() Kind        { return KindEvent }
func (Request) Kind() Kind      { return KindRequest }
func (Response) Kind() Kind     { return KindResponse }
func (Notification) Kind() Kind { return KindNotification }
func (Block) Kind() Kind        { return KindBlock }

func (Command) sealed()      {}
func (Event) sealed()        {}
func (Request) sealed()      {}
func (Response) sealed()     {}
func (Notification) sealed() {}
func (Block) sealed()        {}

// Tag returns the tag of m, or "" for blocks.
func Tag(m Message) string {
	switch v := m.(type) {
	case Command:
		return v.Tag
	case Event:
		return v.Tag
	case Request:
		return v.Tag
	case Response:
		return v.Tag
	case Notification:
		return v.Tag
	case Block:
		return ""
	default:
		return ""
	}
}

// Arity returns the number of positional arguments carried by m.
func Arity(m Message) int {
	switch v := m.(type) {
	case Command:
		return len(v.Args)
	case Event:
		return len(v.Args)
	case Request:
		return len(v.Params)
	case Response:
		return len(v.Params)
	case Notification:
		return len(v.Params)
	default:
		return 0
	}
}

// ResponseTo builds the Response answering req.
func ResponseTo(req Request, params ...any) Response {
	return Response{Tag: req.Tag, TransID: req.TransID, Params: params}
}

func (r Request) String() string {
	return fmt.Sprintf("> %s %d %v", r.Tag, r.TransID, r.Params)
}

func (r Response) String() string {
	return fmt.Sprintf("< %s %d %v", r.Tag, r.TransID, r.Params)
}

func (n Notification) String() string {
	return fmt.Sprintf("! %s %d %v", n.Tag, n.TransID, n.Params)
}

func (b Block) String() string {
	return fmt.Sprintf("block(transfer=%d, id=%d, len=%d)", b.TransferID, b.BlockID, len(b.Data))
}
