// Package wire implements the Spark frame codec.
//
// Every frame is four lowercase hex digits giving the payload length,
// followed by the payload. A payload is either a text message
//
//	<T> <tag> <transId> <json-array>\r\n
//
// where T is '>' (request), '<' (response) or '!' (notification), or a
// binary blob starting with a zero byte and a big-endian u16 type id. Blob
// type 1 is a file Block:
//
//	0x00 0x0001 <u16 transferID> <u32 blockID> <u16 length> <bytes>
//
// Negotiation lines ("supports ...", "protocol ...", "not-supported") use
// the same framing with a trailing CRLF.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/xya/spark/limits"
	"github.com/xya/spark/message"
)

var (
	// ErrFrameTruncated means the data ended before the declared length.
	ErrFrameTruncated = errors.New("frame truncated")
	// ErrUnknownMessageType means an unknown text marker or blob type id.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformed means the payload does not follow the message grammar.
	ErrMalformed = errors.New("malformed message")
	// ErrFrameTooLarge means a payload does not fit the 16-bit length.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrNotWireMessage means a local-only message was given to the encoder.
	ErrNotWireMessage = errors.New("message kind cannot be sent on the wire")
)

// ParseError describes which part of a payload failed to parse.
type ParseError struct {
	Part string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Part, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(part string, err error, format string, args ...any) error {
	return &ParseError{Part: part, Err: fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))}
}

const (
	// MarkerRequest starts a request payload.
	MarkerRequest = '>'
	// MarkerResponse starts a response payload.
	MarkerResponse = '<'
	// MarkerNotification starts a notification payload.
	MarkerNotification = '!'

	// BlobMarker is the first byte of every binary payload.
	BlobMarker = 0x00
	// BlobTypeBlock identifies Block payloads.
	BlobTypeBlock uint16 = 1

	// HeaderSize is the number of hex digits in a frame header.
	HeaderSize = 4
	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = limits.MaxFramePayload
	// BlockHeaderSize is the fixed part of a Block payload.
	BlockHeaderSize = limits.BlockOverhead
	// MaxBlockData is the largest block that fits in one frame.
	MaxBlockData = limits.MaxBlockSize

	lineEnd = "\r\n"
)

// Encode serializes m into a payload, without the frame header.
func Encode(m message.Message) ([]byte, error) {
	switch v := m.(type) {
	case message.Request:
		return encodeText(MarkerRequest, v.Tag, v.TransID, v.Params)
	case message.Response:
		return encodeText(MarkerResponse, v.Tag, v.TransID, v.Params)
	case message.Notification:
		return encodeText(MarkerNotification, v.Tag, v.TransID, v.Params)
	case message.Block:
		return encodeBlock(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotWireMessage, m.Kind())
	}
}

func encodeText(marker byte, tag string, transID uint64, params []any) ([]byte, error) {
	if tag == "" || strings.ContainsAny(tag, " \t\r\n") {
		return nil, fmt.Errorf("%w: invalid tag %q", ErrMalformed, tag)
	}
	if params == nil {
		params = []any{}
	}
	args, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", tag, err)
	}
	id := strconv.FormatUint(transID, 10)
	buf := make([]byte, 0, len(tag)+len(id)+len(args)+6)
	buf = append(buf, marker, ' ')
	buf = append(buf, tag...)
	buf = append(buf, ' ')
	buf = append(buf, id...)
	buf = append(buf, ' ')
	buf = append(buf, args...)
	buf = append(buf, lineEnd...)
	if len(buf) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	return buf, nil
}

func encodeBlock(b message.Block) ([]byte, error) {
	if len(b.Data) > MaxBlockData {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrFrameTooLarge, len(b.Data))
	}
	buf := make([]byte, BlockHeaderSize+len(b.Data))
	buf[0] = BlobMarker
	binary.BigEndian.PutUint16(buf[1:3], BlobTypeBlock)
	binary.BigEndian.PutUint16(buf[3:5], b.TransferID)
	binary.BigEndian.PutUint32(buf[5:9], b.BlockID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(b.Data)))
	copy(buf[BlockHeaderSize:], b.Data)
	return buf, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (message.Message, error) {
	if len(payload) == 0 {
		return nil, parseErr("payload", ErrMalformed, "empty payload")
	}
	if payload[0] == BlobMarker {
		return decodeBlob(payload)
	}
	return decodeText(payload)
}

func decodeText(payload []byte) (message.Message, error) {
	text := strings.TrimSuffix(string(payload), lineEnd)
	if text == "" {
		return nil, parseErr("type", ErrMalformed, "empty text payload")
	}
	marker := text[0]
	switch marker {
	case MarkerRequest, MarkerResponse, MarkerNotification:
	default:
		return nil, parseErr("type", ErrUnknownMessageType, "marker %q", marker)
	}
	if len(text) < 2 || text[1] != ' ' {
		return nil, parseErr("type", ErrMalformed, "delimiter expected after marker")
	}

	fields := strings.SplitN(text[2:], " ", 3)
	if len(fields) != 3 {
		return nil, parseErr("text", ErrMalformed, "expected tag, transaction id and params")
	}
	tag, rawID, rawParams := fields[0], fields[1], fields[2]
	if tag == "" {
		return nil, parseErr("tag", ErrMalformed, "tag expected")
	}
	transID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return nil, parseErr("transaction id", ErrMalformed, "%q is not a number", rawID)
	}
	var params []any
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, parseErr("params", ErrMalformed, "%v", err)
	}
	if len(params) == 0 {
		params = nil
	}

	switch marker {
	case MarkerRequest:
		return message.Request{Tag: tag, TransID: transID, Params: params}, nil
	case MarkerResponse:
		return message.Response{Tag: tag, TransID: transID, Params: params}, nil
	default:
		return message.Notification{Tag: tag, TransID: transID, Params: params}, nil
	}
}

func decodeBlob(payload []byte) (message.Message, error) {
	if len(payload) < 3 {
		return nil, parseErr("blob type", ErrFrameTruncated, "%d bytes", len(payload))
	}
	typeID := binary.BigEndian.Uint16(payload[1:3])
	switch typeID {
	case BlobTypeBlock:
		return decodeBlock(payload)
	default:
		return nil, parseErr("blob type", ErrUnknownMessageType, "blob type %d", typeID)
	}
}

func decodeBlock(payload []byte) (message.Message, error) {
	if len(payload) < BlockHeaderSize {
		return nil, parseErr("block header", ErrFrameTruncated, "%d bytes", len(payload))
	}
	length := int(binary.BigEndian.Uint16(payload[9:11]))
	body := payload[BlockHeaderSize:]
	if length > len(body) {
		return nil, parseErr("block data", ErrFrameTruncated, "declared %d bytes, have %d", length, len(body))
	}
	if length < len(body) {
		return nil, parseErr("block data", ErrMalformed, "%d trailing bytes", len(body)-length)
	}
	data := make([]byte, length)
	copy(data, body)
	return message.Block{
		TransferID: binary.BigEndian.Uint16(payload[3:5]),
		BlockID:    binary.BigEndian.Uint32(payload[5:9]),
		Data:       data,
	}, nil
}

// AppendFrame appends the frame header and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = append(dst, fmt.Sprintf("%04x", len(payload))...)
	return append(dst, payload...), nil
}

// EncodeFrame serializes m into a complete frame.
func EncodeFrame(m message.Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// EncodeLine frames a negotiation line, adding the trailing CRLF.
func EncodeLine(line string) ([]byte, error) {
	return AppendFrame(nil, []byte(line+lineEnd))
}

// ParseHeader returns the payload length declared by a frame header.
func ParseHeader(header []byte) (int, error) {
	if len(header) != HeaderSize {
		return 0, parseErr("frame header", ErrFrameTruncated, "%d of %d header bytes", len(header), HeaderSize)
	}
	n, err := strconv.ParseUint(string(header), 16, 16)
	if err != nil {
		return 0, parseErr("frame header", ErrMalformed, "%q is not a hex length", header)
	}
	return int(n), nil
}

// DecodeLine returns the negotiation line carried by payload, without its
// line ending.
func DecodeLine(payload []byte) (string, error) {
	line := string(payload)
	if !strings.HasSuffix(line, lineEnd) {
		return "", parseErr("line", ErrMalformed, "missing line ending in %q", line)
	}
	return strings.TrimSuffix(line, lineEnd), nil
}
