package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xya/spark/message"
	"github.com/xya/spark/wire"
)

func TestFrameConnMessages(t *testing.T) {
	r := startTestReactor(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	writer := NewFrameConn(r, a)
	reader := NewFrameConn(r, b)

	sent := []message.Message{
		message.Request{Tag: "list-files", TransID: 1, Params: []any{map[string]any{"register": true}}},
		message.Block{TransferID: 3, BlockID: 7, Data: []byte("chunk")},
		message.Notification{Tag: "file-removed", TransID: 2, Params: []any{"abc"}},
	}
	go func() {
		for _, m := range sent {
			if err := writer.WriteMessage(m); err != nil {
				return
			}
		}
		a.Close()
	}()

	for _, want := range sent {
		got, err := reader.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want.Kind(), got.Kind())
		assert.Equal(t, message.Tag(want), message.Tag(got))
	}
	_, err := reader.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameConnLinesThenMessages(t *testing.T) {
	r := startTestReactor(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// the line and the message arrive back to back, nothing may be lost
	go func() {
		frame, _ := wire.EncodeLine("protocol SPARKv1")
		msg, _ := wire.EncodeFrame(message.Request{Tag: "list-files", TransID: 1})
		a.Write(append(frame, msg...))
	}()

	c := NewFrameConn(r, b)
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "protocol SPARKv1", line)

	m, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "list-files", message.Tag(m))
}

func TestFrameConnTruncated(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"partial header", "00"},
		{"partial payload", "0010> ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := startTestReactor(t)
			a, b := net.Pipe()
			defer b.Close()
			go func() {
				a.Write([]byte(tt.data))
				a.Close()
			}()

			_, err := NewFrameConn(r, b).ReadFrame()
			assert.ErrorIs(t, err, wire.ErrFrameTruncated)
		})
	}
}

func TestFrameConnNegotiation(t *testing.T) {
	r := startTestReactor(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan negotiationResult, 1)
	go func() {
		v, err := NewVersionNegotiator(nil, time.Second).Negotiate(NewFrameConn(r, b), false, b)
		done <- negotiationResult{v, err}
	}()
	v, err := NewVersionNegotiator(nil, time.Second).Negotiate(NewFrameConn(r, a), true, a)
	require.NoError(t, err)
	assert.Equal(t, ProtocolSparkV1, v)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, ProtocolSparkV1, res.version)
}
