package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsAndTags(t *testing.T) {
	tests := []struct {
		msg   Message
		kind  Kind
		tag   string
		arity int
	}{
		{Command{Tag: "add-file", Args: []any{"/tmp/a"}}, KindCommand, "add-file", 1},
		{Event{Tag: "transfer-state-changed", Args: []any{1, 2, "active"}}, KindEvent, "transfer-state-changed", 3},
		{Request{Tag: "list-files", Params: []any{map[string]any{"register": true}}}, KindRequest, "list-files", 1},
		{Response{Tag: "start-transfer"}, KindResponse, "start-transfer", 0},
		{Notification{Tag: "file-removed", Params: []any{"id"}}, KindNotification, "file-removed", 1},
		{Block{TransferID: 1, BlockID: 2, Data: []byte("x")}, KindBlock, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.msg.Kind())
			assert.Equal(t, tt.tag, Tag(tt.msg))
			assert.Equal(t, tt.arity, Arity(tt.msg))
		})
	}
}

func TestResponseTo(t *testing.T) {
	req := Request{Tag: "create-transfer", TransID: 9, Params: []any{"abc"}}
	resp := ResponseTo(req, 3, "abc")
	assert.Equal(t, "create-transfer", resp.Tag)
	assert.Equal(t, uint64(9), resp.TransID)
	assert.Equal(t, []any{3, "abc"}, resp.Params)
}

func TestDecodeParams(t *testing.T) {
	// shapes as produced by the JSON decoder
	resp := Response{Tag: "create-transfer", Params: []any{float64(12), "file-id"}}
	var transferID uint16
	var fileID string
	require.NoError(t, DecodeParams(resp, &transferID, &fileID))
	assert.Equal(t, uint16(12), transferID)
	assert.Equal(t, "file-id", fileID)

	req := Request{Tag: "list-files", Params: []any{map[string]any{"register": true}}}
	var opts struct {
		Register bool `json:"register"`
	}
	require.NoError(t, DecodeParams(req, &opts))
	assert.True(t, opts.Register)

	// missing trailing params are allowed
	var first, second int
	require.NoError(t, DecodeParams(Request{Params: []any{float64(4)}}, &first, &second))
	assert.Equal(t, 4, first)
	assert.Equal(t, 0, second)

	// too many params is an error
	err := DecodeParams(Request{Params: []any{1, 2}}, &first)
	assert.ErrorIs(t, err, ErrBadParams)

	err = DecodeParams(Request{Params: []any{"not a number"}}, &first)
	assert.ErrorIs(t, err, ErrBadParams)
}
