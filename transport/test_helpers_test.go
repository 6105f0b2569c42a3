package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xya/spark/reactor"
	"github.com/xya/spark/wire"
)

// wireLines adapts a wire Reader/Writer pair to LineConn.
type wireLines struct {
	*wire.Reader
	*wire.Writer
}

func newWireLines(c net.Conn) wireLines {
	return wireLines{Reader: wire.NewReader(c), Writer: wire.NewWriter(c)}
}

// startTestReactor launches a thread-pool reactor closed at test cleanup.
func startTestReactor(t *testing.T) reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.KindThreadPool, reactor.Options{Workers: 8})
	require.NoError(t, err)
	require.NoError(t, r.LaunchThread())
	t.Cleanup(func() { r.Close() })
	return r
}
