package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/reactor"
	"github.com/xya/spark/session"
	"github.com/xya/spark/store"
	"github.com/xya/spark/transport"
)

type node struct {
	manager   *Manager
	session   *session.Session
	transport *transport.TCPTransport
	dir       string
}

func newNode(t *testing.T, rt *actor.Runtime, r reactor.Reactor, opts Options) *node {
	t.Helper()
	if opts.DownloadDir == "" {
		opts.DownloadDir = t.TempDir()
	}
	opts.BlockSize = 512
	m, err := NewManager(rt, opts)
	require.NoError(t, err)
	pid, err := m.Spawn()
	require.NoError(t, err)
	s := session.New(rt, r, pid, session.DefaultOptions())
	m.Bind(s)
	tr := transport.NewTCPTransport(r, transport.DefaultTCPOptions())
	t.Cleanup(func() { tr.Close() })
	tr.OnConnected(s.Start)
	return &node{manager: m, session: s, transport: tr, dir: opts.DownloadDir}
}

func startRuntime(t *testing.T) (*actor.Runtime, reactor.Reactor) {
	t.Helper()
	r, err := reactor.New(reactor.KindThreadPool, reactor.Options{Workers: 8})
	require.NoError(t, err)
	require.NoError(t, r.LaunchThread())
	rt := actor.NewRuntime(actor.DefaultOptions())
	t.Cleanup(func() {
		rt.Shutdown()
		r.Close()
	})
	return rt, r
}

func connect(t *testing.T, client, server *node) {
	t.Helper()
	require.NoError(t, server.transport.Listen("127.0.0.1:0"))
	_, err := client.transport.Connect(server.transport.Addr().String()).WaitTimeout(waitFor)
	require.NoError(t, err)
	for _, n := range []*node{client, server} {
		_, err := n.session.Active().WaitTimeout(waitFor)
		require.NoError(t, err)
	}
}

func listFiles(t *testing.T, n *node) map[string]*SharedFile {
	t.Helper()
	v, err := n.manager.ListFiles().WaitTimeout(waitFor)
	require.NoError(t, err)
	return v.(map[string]*SharedFile)
}

// eventuallyFile waits until cond holds for the file with the given id.
func eventuallyFile(t *testing.T, n *node, id string, cond func(f *SharedFile) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f, ok := listFiles(t, n)[id]
		return ok && cond(f)
	}, waitFor, 20*time.Millisecond)
}

func TestManagerLocalCommands(t *testing.T) {
	rt, r := startRuntime(t)
	n := newNode(t, rt, r, Options{})

	v, err := n.manager.AddFile(writeTemp(t, "a.pdf", []byte("pdf"))).WaitTimeout(waitFor)
	require.NoError(t, err)
	f := v.(*SharedFile)
	assert.Contains(t, listFiles(t, n), f.ID)

	_, err = n.manager.AddFile("../nope").WaitTimeout(waitFor)
	assert.ErrorIs(t, err, ErrDirectoryTraversal)

	_, err = n.manager.StartTransfer(f.ID).WaitTimeout(waitFor)
	assert.ErrorIs(t, err, ErrUnknownFile, "local-only files cannot be downloaded")
	_, err = n.manager.StopTransfer(f.ID).WaitTimeout(waitFor)
	assert.ErrorIs(t, err, ErrUnknownFile)

	v, err = n.manager.UpdateSessionState().WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.Equal(t, SessionState{}, v)

	_, err = n.manager.RemoveFile(f.ID).WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.Empty(t, listFiles(t, n))
	_, err = n.manager.RemoveFile(f.ID).WaitTimeout(waitFor)
	assert.ErrorIs(t, err, ErrUnknownFile)
}

func TestManagerSharesAndDownloads(t *testing.T) {
	rt, r := startRuntime(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "spark.db"))
	require.NoError(t, err)
	defer db.Close()

	server := newNode(t, rt, r, Options{})
	client := newNode(t, rt, r, Options{Catalog: db, Journal: db})

	data := randomData(40*512 + 99)
	v, err := server.manager.AddFile(writeTemp(t, "movie.bin", data)).WaitTimeout(waitFor)
	require.NoError(t, err)
	shared := v.(*SharedFile)

	watcher, err := rt.Attach("watcher", nil)
	require.NoError(t, err)
	client.manager.Notifier().Subscribe(watcher.PID())

	connect(t, client, server)

	// the client learns the server's list at session start
	eventuallyFile(t, client, shared.ID, func(f *SharedFile) bool { return f.HasCopy(Remote) })
	remote := listFiles(t, client)[shared.ID]
	assert.Equal(t, "movie.bin", remote.Name)
	assert.Equal(t, NoCopy, remote.LocalCopySize)

	v, err = client.manager.StartTransfer(shared.ID).WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.NotZero(t, v.(uint16))

	eventuallyFile(t, client, shared.ID, func(f *SharedFile) bool {
		return f.IsComplete(Local) && f.Transfer == nil
	})
	got, err := os.ReadFile(filepath.Join(client.dir, "movie.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// the watcher saw the download finish
	snap := waitState(t, watcher, Download, StateFinished)
	assert.Equal(t, int64(len(data)), snap.CompletedSize)

	// the download is now a persisted local share with no journal left
	records, err := db.LoadFiles()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, shared.ID, records[0].ID)
	left, err := db.ReceivedBlocks(shared.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	// the server's upload is gone once closed
	require.Eventually(t, func() bool {
		return server.manager.transfers.Len() == 0 && client.manager.transfers.Len() == 0
	}, waitFor, 20*time.Millisecond)
}

func TestManagerFileNotifications(t *testing.T) {
	rt, r := startRuntime(t)
	server := newNode(t, rt, r, Options{})
	client := newNode(t, rt, r, Options{})

	v, err := server.manager.AddFile(writeTemp(t, "early.pdf", []byte("early"))).WaitTimeout(waitFor)
	require.NoError(t, err)
	early := v.(*SharedFile).ID

	connect(t, client, server)
	// seeing the server's list means the client is registered
	eventuallyFile(t, client, early, func(f *SharedFile) bool { return f.HasCopy(Remote) })

	v, err = server.manager.AddFile(writeTemp(t, "late.pdf", []byte("late"))).WaitTimeout(waitFor)
	require.NoError(t, err)
	id := v.(*SharedFile).ID
	eventuallyFile(t, client, id, func(f *SharedFile) bool { return f.RemoteCopySize == 4 })

	_, err = server.manager.RemoveFile(id).WaitTimeout(waitFor)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := listFiles(t, client)[id]
		return !ok
	}, waitFor, 20*time.Millisecond)
	assert.Contains(t, listFiles(t, client), early)
}

func TestManagerSessionEndClearsRemoteFiles(t *testing.T) {
	rt, r := startRuntime(t)
	server := newNode(t, rt, r, Options{})
	client := newNode(t, rt, r, Options{})

	v, err := server.manager.AddFile(writeTemp(t, "a.pdf", []byte("abc"))).WaitTimeout(waitFor)
	require.NoError(t, err)
	id := v.(*SharedFile).ID

	connect(t, client, server)
	eventuallyFile(t, client, id, func(f *SharedFile) bool { return f.HasCopy(Remote) })

	require.NoError(t, server.session.Disconnect())
	require.Eventually(t, func() bool {
		_, ok := listFiles(t, client)[id]
		return !ok
	}, waitFor, 20*time.Millisecond)
	// the server keeps its own file
	assert.Contains(t, listFiles(t, server), id)
}

func TestManagerRestoresCatalog(t *testing.T) {
	rt, r := startRuntime(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "spark.db"))
	require.NoError(t, err)
	defer db.Close()

	kept, err := FromPath(writeTemp(t, "kept.pdf", []byte("kept")))
	require.NoError(t, err)
	require.NoError(t, db.SaveFile(kept.record()))
	gone := kept.record()
	gone.ID, gone.Path = "gone", filepath.Join(t.TempDir(), "missing.pdf")
	require.NoError(t, db.SaveFile(gone))

	n := newNode(t, rt, r, Options{Catalog: db})
	files := listFiles(t, n)
	require.Len(t, files, 1)
	assert.True(t, files[kept.ID].IsComplete(Local))

	records, err := db.LoadFiles()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
