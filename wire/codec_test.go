package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xya/spark/message"
)

func TestListFilesRequestBytes(t *testing.T) {
	req := message.Request{
		Tag:     "list-files",
		TransID: 0,
		Params:  []any{map[string]any{"register": true}},
	}
	frame, err := EncodeFrame(req)
	require.NoError(t, err)
	assert.Equal(t, "0025> list-files 0 [{\"register\": true}]\r\n", string(frame))

	payload, err := NewReader(bytes.NewReader(frame)).ReadFrame()
	require.NoError(t, err)
	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestRoundTrip(t *testing.T) {
	fullBlock := bytes.Repeat([]byte{0xab}, 1024)
	largest := bytes.Repeat([]byte{0x5a}, MaxBlockData)

	tests := []struct {
		name string
		msg  message.Message
	}{
		{"request_no_params", message.Request{Tag: "start-transfer", TransID: 3}},
		{"request_nested", message.Request{Tag: "create-transfer", TransID: 17, Params: []any{"abc", map[string]any{"a": []any{1.5, "x", nil}, "b": false}}}},
		{"response", message.Response{Tag: "create-transfer", TransID: 17, Params: []any{float64(4), "abc"}}},
		{"notification", message.Notification{Tag: "transfer-state-changed", TransID: 0, Params: []any{float64(2), "active"}}},
		{"notification_unicode", message.Notification{Tag: "file-added", TransID: 5, Params: []any{map[string]any{"name": "résumé 日本.txt"}}}},
		{"block_empty", message.Block{TransferID: 1, BlockID: 0, Data: []byte{}}},
		{"block_full", message.Block{TransferID: 65535, BlockID: 4294967295, Data: fullBlock}},
		{"block_largest", message.Block{TransferID: 2, BlockID: 7, Data: largest}},
	}

	var stream bytes.Buffer
	w := NewWriter(&stream)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.msg)
			require.NoError(t, err)
			decoded, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
		require.NoError(t, w.WriteMessage(tt.msg))
	}

	r := NewReader(&stream)
	for _, tt := range tests {
		m, err := r.ReadMessage()
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.msg, m, tt.name)
	}
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBlockLayout(t *testing.T) {
	payload, err := Encode(message.Block{TransferID: 0x0102, BlockID: 0x03040506, Data: []byte("hi")})
	require.NoError(t, err)
	want := []byte{0x00, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x00, 0x02, 'h', 'i'}
	assert.Equal(t, want, payload)

	frame, err := AppendFrame(nil, payload)
	require.NoError(t, err)
	assert.Equal(t, "000d", string(frame[:4]))
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{"empty", []byte{}, ErrMalformed},
		{"unknown_marker", []byte("? tag 0 []\r\n"), ErrUnknownMessageType},
		{"unknown_blob_type", []byte{0x00, 0x00, 0x02, 0, 0}, ErrUnknownMessageType},
		{"short_blob", []byte{0x00, 0x00}, ErrFrameTruncated},
		{"short_block_header", []byte{0x00, 0x00, 0x01, 0x00, 0x01}, ErrFrameTruncated},
		{"block_length_exceeds_data", []byte{0x00, 0x00, 0x01, 0, 1, 0, 0, 0, 1, 0, 5, 'a', 'b'}, ErrFrameTruncated},
		{"block_trailing_bytes", []byte{0x00, 0x00, 0x01, 0, 1, 0, 0, 0, 1, 0, 1, 'a', 'b'}, ErrMalformed},
		{"bad_trans_id", []byte("> tag x []\r\n"), ErrMalformed},
		{"missing_params", []byte("> tag 1\r\n"), ErrMalformed},
		{"bad_json", []byte("> tag 1 [\r\n"), ErrMalformed},
		{"no_delimiter", []byte(">tag 1 []\r\n"), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReadFrameTruncated(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"partial_header", "00"},
		{"short_payload", "0010> tag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader([]byte(tt.data))).ReadFrame()
			assert.ErrorIs(t, err, ErrFrameTruncated)
		})
	}

	_, err := NewReader(bytes.NewReader([]byte("zz10abc"))).ReadFrame()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(message.Command{Tag: "local"})
	assert.ErrorIs(t, err, ErrNotWireMessage)

	_, err = Encode(message.Request{Tag: "two words"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Encode(message.Block{Data: make([]byte, MaxBlockData+1)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLines(t *testing.T) {
	frame, err := EncodeLine("supports SPARKv1")
	require.NoError(t, err)
	assert.Equal(t, "0012supports SPARKv1\r\n", string(frame))

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteLine("protocol SPARKv1"))
	line, err := NewReader(&buf).ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "protocol SPARKv1", line)
}

func TestSpacedJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`[]`, `[]`},
		{`[1,2]`, `[1, 2]`},
		{`[{"a":1,"b":"x, y: z"}]`, `[{"a": 1, "b": "x, y: z"}]`},
		{`["quote \" , inside"]`, `["quote \" , inside"]`},
		{`["back\\",1]`, `["back\\", 1]`},
		{`["é"]`, `["\u00e9"]`},
		{`["😀"]`, `["\ud83d\ude00"]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(spaced([]byte(tt.in))), tt.in)
	}
}

func TestMapKeysSorted(t *testing.T) {
	payload, err := Encode(message.Notification{Tag: "file-added", Params: []any{map[string]any{"size": 3, "name": "a", "id": "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "! file-added 0 [{\"id\": \"x\", \"name\": \"a\", \"size\": 3}]\r\n", string(payload))
}

func TestExactReaderStopsAtFrameBoundary(t *testing.T) {
	line, err := EncodeLine("protocol SPARKv1")
	require.NoError(t, err)
	rest := []byte("0005> x")
	src := bytes.NewReader(append(line, rest...))

	got, err := NewExactReader(src).ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "protocol SPARKv1", got)
	assert.Equal(t, len(rest), src.Len())

	_, err = NewExactReader(bytes.NewReader(nil)).ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
	_, err = NewExactReader(bytes.NewReader([]byte("00"))).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTruncated)
}
