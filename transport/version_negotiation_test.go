package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type negotiationResult struct {
	version ProtocolVersion
	err     error
}

// negotiatePair runs both sides of a negotiation over an in-memory pipe.
func negotiatePair(t *testing.T, initiator, acceptor []ProtocolVersion) (negotiationResult, negotiationResult) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ini := NewVersionNegotiator(initiator, time.Second)
	acc := NewVersionNegotiator(acceptor, time.Second)

	accDone := make(chan negotiationResult, 1)
	go func() {
		v, err := acc.Negotiate(newWireLines(b), false, b)
		if err != nil {
			// let the initiator's pending read observe the failure
			b.Close()
		}
		accDone <- negotiationResult{v, err}
	}()
	v, err := ini.Negotiate(newWireLines(a), true, a)
	if err != nil {
		a.Close()
	}
	iniRes := negotiationResult{v, err}

	select {
	case accRes := <-accDone:
		return iniRes, accRes
	case <-time.After(3 * time.Second):
		t.Fatal("acceptor did not finish")
		return iniRes, negotiationResult{}
	}
}

func TestNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		initiator []ProtocolVersion
		acceptor  []ProtocolVersion
		want      ProtocolVersion
		wantErr   bool
	}{
		{
			name:      "single shared version",
			initiator: []ProtocolVersion{ProtocolSparkV1},
			acceptor:  []ProtocolVersion{ProtocolSparkV1},
			want:      ProtocolSparkV1,
		},
		{
			name:      "acceptor preference wins",
			initiator: []ProtocolVersion{"SPARKv1", "SPARKv2"},
			acceptor:  []ProtocolVersion{"SPARKv2", "SPARKv1"},
			want:      "SPARKv2",
		},
		{
			name:      "partial overlap",
			initiator: []ProtocolVersion{"SPARKv0", "SPARKv1"},
			acceptor:  []ProtocolVersion{"SPARKv1", "SPARKv3"},
			want:      "SPARKv1",
		},
		{
			name:      "empty intersection",
			initiator: []ProtocolVersion{"SPARKv0"},
			acceptor:  []ProtocolVersion{"SPARKv1"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ini, acc := negotiatePair(t, tt.initiator, tt.acceptor)
			if tt.wantErr {
				assert.ErrorIs(t, ini.err, ErrNegotiation)
				assert.ErrorIs(t, acc.err, ErrNegotiation)
				return
			}
			require.NoError(t, ini.err)
			require.NoError(t, acc.err)
			assert.Equal(t, tt.want, ini.version)
			assert.Equal(t, tt.want, acc.version)
		})
	}
}

func TestNegotiationBytes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go NewVersionNegotiator(nil, time.Second).Initiate(newWireLines(a))

	peer := newWireLines(b)
	payload, err := peer.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "supports SPARKv1\r\n", string(payload))
}

func TestAcceptorRejectsWrongEcho(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := NewVersionNegotiator(nil, time.Second).Respond(newWireLines(b))
		done <- err
	}()

	peer := newWireLines(a)
	require.NoError(t, peer.WriteLine("supports SPARKv1"))
	line, err := peer.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "protocol SPARKv1", line)
	require.NoError(t, peer.WriteLine("protocol SPARKv9"))

	assert.ErrorIs(t, <-done, ErrNegotiation)
}

func TestInitiatorRejectsUnsupportedChoice(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := NewVersionNegotiator(nil, time.Second).Initiate(newWireLines(a))
		done <- err
	}()

	peer := newWireLines(b)
	_, err := peer.ReadLine()
	require.NoError(t, err)
	require.NoError(t, peer.WriteLine("protocol SPARKv9"))
	assert.ErrorIs(t, <-done, ErrNegotiation)
}

func TestAcceptorRejectsGarbage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := NewVersionNegotiator(nil, time.Second).Respond(newWireLines(b))
		done <- err
	}()
	require.NoError(t, newWireLines(a).WriteLine("hello there"))
	assert.ErrorIs(t, <-done, ErrNegotiation)
}

func TestNegotiationTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	vn := NewVersionNegotiator(nil, 50*time.Millisecond)
	start := time.Now()
	_, err := vn.Negotiate(newWireLines(b), false, b)
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSelectBestVersion(t *testing.T) {
	vn := NewVersionNegotiator([]ProtocolVersion{"b", "a"}, 0)
	assert.Equal(t, DefaultNegotiationTimeout, vn.Timeout())

	v, ok := vn.SelectBestVersion([]ProtocolVersion{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, ProtocolVersion("b"), v)

	_, ok = vn.SelectBestVersion([]ProtocolVersion{"c"})
	assert.False(t, ok)
	assert.True(t, vn.IsVersionSupported("a"))
	assert.False(t, vn.IsVersionSupported("c"))
	assert.Equal(t, []ProtocolVersion{ProtocolSparkV1}, NewVersionNegotiator(nil, 0).SupportedVersions())
}
