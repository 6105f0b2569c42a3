package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/message"
)

// Reader decodes frames from a byte stream.
type Reader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewReader returns a Reader over r. If r is already a *bufio.Reader it is
// used directly, so bytes buffered during negotiation are not lost.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 2*(MaxPayload+HeaderSize))
	}
	return &Reader{r: br}
}

// NewExactReader returns a Reader that asks r for exactly the header and
// then exactly the payload of each frame, so nothing past a frame boundary
// is consumed. r should fill each buffer unless the stream ends.
func NewExactReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame returns the next payload. A stream ending exactly on a frame
// boundary yields io.EOF; ending inside a frame yields ErrFrameTruncated.
func (r *Reader) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, parseErr("frame header", ErrFrameTruncated, "%d of %d header bytes", n, HeaderSize)
		}
		return nil, err
	}
	length, err := ParseHeader(r.header[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	n, err = io.ReadFull(r.r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, parseErr("frame payload", ErrFrameTruncated, "declared %d bytes, got %d", length, n)
		}
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads and decodes the next message.
func (r *Reader) ReadMessage() (message.Message, error) {
	payload, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	m, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReadMessage",
		"kind":     m.Kind().String(),
		"tag":      message.Tag(m),
		"size":     len(payload),
	}).Debug("Decoded message")
	return m, nil
}

// ReadLine reads a framed negotiation line and strips its line ending.
func (r *Reader) ReadLine() (string, error) {
	payload, err := r.ReadFrame()
	if err != nil {
		return "", err
	}
	return DecodeLine(payload)
}

// Writer encodes messages onto a byte stream. It is safe for concurrent
// use; each frame is written with a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes m and writes it as one frame.
func (w *Writer) WriteMessage(m message.Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	return w.write(frame)
}

// WriteLine writes a framed negotiation line.
func (w *Writer) WriteLine(line string) error {
	frame, err := EncodeLine(line)
	if err != nil {
		return err
	}
	return w.write(frame)
}

func (w *Writer) write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
