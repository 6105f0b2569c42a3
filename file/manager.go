package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/limits"
	"github.com/xya/spark/message"
	"github.com/xya/spark/session"
	"github.com/xya/spark/store"
	"github.com/xya/spark/task"
)

var (
	// ErrUnknownFile is returned for file ids missing from the table.
	ErrUnknownFile = errors.New("unknown file")
	// ErrTransferRefused is returned when the peer declines to upload a file.
	ErrTransferRefused = errors.New("transfer refused by peer")
	// ErrBusy is returned when a file already has a transfer.
	ErrBusy = errors.New("file already transferring")
)

// Events published through Manager.Notifier, besides the session and
// transfer events that are relayed as they are.
const (
	// EventFilesUpdated is sent whenever the file table changes.
	// Args: file id, origin.
	EventFilesUpdated = "files-updated"
	// EventSessionStateChanged answers update-session-state.
	// Args: SessionState.
	EventSessionStateChanged = "session-state-changed"
)

// Session is the message channel to the peer.
type Session interface {
	Peer
	SendRequest(tag string, params ...any) *task.Task
	SendResponse(req message.Request, params ...any) error
	Connected() bool
}

// Catalog persists the local share list.
type Catalog interface {
	SaveFile(f store.FileRecord) error
	DeleteFile(id string) error
	LoadFiles() ([]store.FileRecord, error)
}

// Options configures a Manager.
type Options struct {
	BlockSize int
	// DownloadDir receives downloaded files.
	DownloadDir string
	// Catalog and Journal are optional.
	Catalog Catalog
	Journal Journal
	Clock   TimeProvider
}

// SessionState summarizes the running transfers.
type SessionState struct {
	ActiveTransfers int
	UploadSpeed     float64
	DownloadSpeed   float64
}

// Manager is the file sharing service actor. It owns the file and
// transfer tables, answers the peer's requests and runs one actor per
// transfer.
type Manager struct {
	rt        *actor.Runtime
	pid       actor.PID
	opts      Options
	session   Session
	files     *Table
	transfers *TransferTable
	notifier  *actor.Notifier
	router    *actor.Router

	remoteNotifications bool
	// pending holds StartTransfer callers until the peer answers
	// create-transfer.
	pending map[string]*task.Task
}

// NewManager returns a Manager with the local files of the catalog
// already shared. Files that disappeared from disk are dropped from the
// catalog.
func NewManager(rt *actor.Runtime, opts Options) (*Manager, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = limits.DefaultBlockSize
	}
	if err := limits.ValidateBlockSize(opts.BlockSize); err != nil {
		return nil, err
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}
	if opts.Clock == nil {
		opts.Clock = defaultTimeProvider
	}
	m := &Manager{
		rt:        rt,
		opts:      opts,
		files:     NewTable(),
		transfers: NewTransferTable(),
		notifier:  actor.NewNotifier(rt),
		pending:   make(map[string]*task.Task),
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	m.files.OnAdded(m.fileAdded)
	m.files.OnUpdated(m.fileUpdated)
	m.files.OnRemoved(m.fileRemoved)
	m.router = m.routes()

	logrus.WithFields(logrus.Fields{
		"function":     "NewManager",
		"block_size":   opts.BlockSize,
		"download_dir": opts.DownloadDir,
		"shared":       m.files.Len(),
	}).Info("Created file sharing manager")
	return m, nil
}

func (m *Manager) restore() error {
	if m.opts.Catalog == nil {
		return nil
	}
	records, err := m.opts.Catalog.LoadFiles()
	if err != nil {
		return fmt.Errorf("load shared files: %w", err)
	}
	for _, rec := range records {
		if _, err := os.Stat(rec.Path); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "restore",
				"file_id":  rec.ID,
				"path":     rec.Path,
			}).Warn("Shared file is gone, dropping it")
			if err := m.opts.Catalog.DeleteFile(rec.ID); err != nil {
				return err
			}
			continue
		}
		f := fromRecord(rec)
		m.files.UpdateFile(f.State(), Local, f.Path)
	}
	return nil
}

// Bind sets the session carrying the peer's messages. It must be called
// before the session starts.
func (m *Manager) Bind(s Session) { m.session = s }

// Spawn starts the service actor.
func (m *Manager) Spawn() (actor.PID, error) {
	pid, err := m.rt.Spawn("file-sharing", func(p *actor.Process) error {
		err := m.router.Serve(p)
		m.shutdown()
		return err
	})
	if err != nil {
		return 0, err
	}
	m.pid = pid
	return pid, nil
}

// PID returns the service actor, once spawned.
func (m *Manager) PID() actor.PID { return m.pid }

// Notifier publishes file, transfer and session events.
func (m *Manager) Notifier() *actor.Notifier { return m.notifier }

func (m *Manager) shutdown() {
	m.transfers.Clear(m.rt)
	for id, t := range m.pending {
		t.Cancel()
		delete(m.pending, id)
	}
}

func (m *Manager) routes() *actor.Router {
	r := actor.NewRouter("file-sharing")

	r.OnEvent(session.EventStarted, 2, m.sessionStarted)
	r.OnEvent(session.EventEnded, 2, m.sessionEnded)
	r.OnEvent(EventTransferStateChanged, 6, m.transferStateChanged)
	r.OnEvent(EventTransferProgress, 6, m.transferProgress)

	r.OnCommand("list-files", 1, m.doListFiles)
	r.OnCommand("add-file", 2, m.doAddFile)
	r.OnCommand("remove-file", 2, m.doRemoveFile)
	r.OnCommand("start-transfer", 2, m.doStartTransfer)
	r.OnCommand("stop-transfer", 2, m.doStopTransfer)
	r.OnCommand("update-session-state", 1, m.doUpdateSessionState)

	r.OnRequest("list-files", actor.AnyArity, m.requestListFiles)
	r.OnRequest("create-transfer", 1, m.requestCreateTransfer)
	r.OnRequest("start-transfer", actor.AnyArity, m.requestStartTransfer)
	r.OnRequest("close-transfer", 1, m.requestCloseTransfer)

	r.OnResponse("list-files", 1, m.responseListFiles)
	r.OnResponse("create-transfer", 2, m.responseCreateTransfer)
	r.OnResponse("start-transfer", actor.AnyArity, m.responseIgnored)
	r.OnResponse("close-transfer", actor.AnyArity, m.responseIgnored)

	r.OnNotification("file-added", 1, m.notificationFileAdded)
	r.OnNotification("file-removed", 1, m.notificationFileRemoved)
	r.OnNotification(EventTransferStateChanged, 2, m.notificationTransferStateChanged)

	r.OnBlock(m.block)
	return r
}

// ---------------------------------------------------------------------------
// Public API. Every call is a command processed by the actor; the Task
// resolves with the result.
// ---------------------------------------------------------------------------

func (m *Manager) command(tag string, args ...any) *task.Task {
	t := task.New()
	if err := m.rt.Send(m.pid, message.Command{Tag: tag, Args: append(args, t)}); err != nil {
		t.Fail(err)
	}
	return t
}

// ListFiles resolves with a copy of the file table
// (map[string]*SharedFile).
func (m *Manager) ListFiles() *task.Task { return m.command("list-files") }

// AddFile shares a local file and resolves with its *SharedFile.
func (m *Manager) AddFile(path string) *task.Task { return m.command("add-file", path) }

// RemoveFile stops sharing a local file.
func (m *Manager) RemoveFile(fileID string) *task.Task { return m.command("remove-file", fileID) }

// StartTransfer downloads a remote file. It resolves with the transfer
// id once the peer has created the transfer.
func (m *Manager) StartTransfer(fileID string) *task.Task {
	return m.command("start-transfer", fileID)
}

// StopTransfer closes the transfer of a file.
func (m *Manager) StopTransfer(fileID string) *task.Task {
	return m.command("stop-transfer", fileID)
}

// UpdateSessionState resolves with the current SessionState and
// publishes it.
func (m *Manager) UpdateSessionState() *task.Task { return m.command("update-session-state") }

func replyTask(args []any) *task.Task {
	t, _ := args[len(args)-1].(*task.Task)
	if t == nil {
		return task.New()
	}
	return t
}

func (m *Manager) connected() bool {
	return m.session != nil && m.session.Connected()
}

// ---------------------------------------------------------------------------
// Table callbacks
// ---------------------------------------------------------------------------

func (m *Manager) publish(tag string, args ...any) {
	m.notifier.Notify(message.Event{Tag: tag, Args: args})
}

func (m *Manager) fileAdded(fileID string, origin Origin) {
	m.publish(EventFilesUpdated, fileID, origin)
	if origin != Local || !m.remoteNotifications || !m.connected() {
		return
	}
	if f := m.files.Find(fileID); f != nil {
		if err := m.session.SendNotification("file-added", f.State()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "fileAdded",
				"file_id":  fileID,
				"error":    err.Error(),
			}).Warn("Peer not told about new file")
		}
	}
}

func (m *Manager) fileUpdated(fileID string, origin Origin) {
	m.publish(EventFilesUpdated, fileID, origin)
}

func (m *Manager) fileRemoved(fileID string, origin Origin) {
	m.publish(EventFilesUpdated, fileID, origin)
	if origin != Local || !m.remoteNotifications || !m.connected() {
		return
	}
	if err := m.session.SendNotification("file-removed", fileID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fileRemoved",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Warn("Peer not told about removed file")
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func (m *Manager) sessionStarted(ev message.Event) error {
	m.remoteNotifications = false
	m.notifier.Notify(ev)
	if m.session == nil {
		return nil
	}
	// the response is delivered to the mailbox like any other message
	m.session.SendRequest("list-files", map[string]any{"register": true})
	return nil
}

func (m *Manager) sessionEnded(ev message.Event) error {
	m.remoteNotifications = false
	m.transfers.Clear(m.rt)
	m.files.ClearTransfers()
	for id, t := range m.pending {
		t.Cancel()
		delete(m.pending, id)
	}
	m.notifier.Notify(ev)
	return nil
}

// ---------------------------------------------------------------------------
// Local commands
// ---------------------------------------------------------------------------

func (m *Manager) doListFiles(c message.Command) error {
	replyTask(c.Args).Complete(m.files.Files())
	return nil
}

func (m *Manager) doAddFile(c message.Command) error {
	reply := replyTask(c.Args)
	var path string
	if err := message.DecodeParams(message.Command{Args: c.Args[:1]}, &path); err != nil {
		reply.Fail(err)
		return nil
	}
	f, err := m.files.AddFile(path)
	if err != nil {
		reply.Fail(err)
		return nil
	}
	if m.opts.Catalog != nil {
		if err := m.opts.Catalog.SaveFile(f.record()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "doAddFile",
				"file_id":  f.ID,
				"error":    err.Error(),
			}).Error("Cannot persist shared file")
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "doAddFile",
		"file_id":  f.ID,
		"name":     f.Name,
		"size":     f.Size,
	}).Info("Sharing file")
	reply.Complete(f)
	return nil
}

func (m *Manager) doRemoveFile(c message.Command) error {
	reply := replyTask(c.Args)
	fileID, _ := c.Args[0].(string)
	if !m.files.RemoveFile(fileID, Local) {
		reply.Fail(fmt.Errorf("%w: %s", ErrUnknownFile, fileID))
		return nil
	}
	if m.opts.Catalog != nil {
		if err := m.opts.Catalog.DeleteFile(fileID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "doRemoveFile",
				"file_id":  fileID,
				"error":    err.Error(),
			}).Error("Cannot remove file from catalog")
		}
	}
	reply.Complete(nil)
	return nil
}

func (m *Manager) doStartTransfer(c message.Command) error {
	reply := replyTask(c.Args)
	fileID, _ := c.Args[0].(string)
	f := m.files.Find(fileID)
	switch {
	case f == nil || !f.HasCopy(Remote):
		reply.Fail(fmt.Errorf("%w: %s", ErrUnknownFile, fileID))
		return nil
	case f.Transfer != nil || m.pending[fileID] != nil:
		reply.Fail(fmt.Errorf("%w: %s", ErrBusy, fileID))
		return nil
	case !m.connected():
		reply.Fail(session.ErrNotConnected)
		return nil
	}
	m.pending[fileID] = reply
	if t := m.session.SendRequest("create-transfer", fileID); t.IsResolved() {
		if _, err := t.Result(); err != nil {
			delete(m.pending, fileID)
			reply.Fail(err)
		}
	}
	return nil
}

func (m *Manager) doStopTransfer(c message.Command) error {
	reply := replyTask(c.Args)
	fileID, _ := c.Args[0].(string)
	stopped := false
	for _, dir := range []Direction{Download, Upload} {
		info := m.transfers.FindFile(fileID, dir)
		if info == nil || IsTerminal(info.State) {
			continue
		}
		if err := m.rt.Send(info.PID, message.Command{Tag: CommandStop}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "doStopTransfer",
				"transfer_id": info.TransferID,
				"error":       err.Error(),
			}).Debug("Transfer already gone")
		}
		if dir == Download && m.connected() {
			m.session.SendRequest("close-transfer", info.TransferID)
		}
		stopped = true
	}
	if !stopped {
		reply.Fail(fmt.Errorf("%w: no transfer for %s", ErrUnknownFile, fileID))
		return nil
	}
	reply.Complete(nil)
	return nil
}

func (m *Manager) doUpdateSessionState(c message.Command) error {
	var st SessionState
	for _, info := range m.transfers.List() {
		if info.State != StateActive {
			continue
		}
		st.ActiveTransfers++
		if info.Direction == Upload {
			st.UploadSpeed += info.Speed
		} else {
			st.DownloadSpeed += info.Speed
		}
	}
	m.publish(EventSessionStateChanged, st)
	replyTask(c.Args).Complete(st)
	return nil
}

// ---------------------------------------------------------------------------
// Requests from the peer
// ---------------------------------------------------------------------------

func (m *Manager) respond(req message.Request, params ...any) {
	if err := m.session.SendResponse(req, params...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "respond",
			"tag":      req.Tag,
			"trans_id": req.TransID,
			"error":    err.Error(),
		}).Warn("Response not sent")
	}
}

func (m *Manager) requestListFiles(req message.Request) error {
	var arg any
	if err := message.DecodeParams(req, &arg); err != nil {
		return m.badRequest(req, err)
	}
	switch v := arg.(type) {
	case bool:
		m.remoteNotifications = m.remoteNotifications || v
	case map[string]any:
		if reg, _ := v["register"].(bool); reg {
			m.remoteNotifications = true
		}
	}
	m.respond(req, m.files.LocalState())
	return nil
}

func (m *Manager) badRequest(req message.Request, err error) error {
	logrus.WithFields(logrus.Fields{
		"function": "badRequest",
		"tag":      req.Tag,
		"trans_id": req.TransID,
		"error":    err.Error(),
	}).Warn("Ignoring malformed request")
	return nil
}

// requestCreateTransfer answers with the new transfer id and the file id.
// A transfer id of 0 refuses the transfer.
func (m *Manager) requestCreateTransfer(req message.Request) error {
	var fileID string
	if err := message.DecodeParams(req, &fileID); err != nil {
		return m.badRequest(req, err)
	}
	refuse := func(err error) error {
		logrus.WithFields(logrus.Fields{
			"function": "requestCreateTransfer",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Warn("Refusing transfer")
		m.respond(req, 0, fileID)
		return nil
	}

	f := m.files.Find(fileID)
	if f == nil || !f.HasCopy(Local) {
		return refuse(fmt.Errorf("%w: %s", ErrUnknownFile, fileID))
	}
	if m.transfers.FindFile(fileID, Upload) != nil {
		return refuse(fmt.Errorf("%w: %s", ErrBusy, fileID))
	}
	id, err := m.transfers.NewTransferID()
	if err != nil {
		return refuse(err)
	}
	up, err := NewUpload(UploadConfig{
		TransferID: id,
		File:       f,
		BlockSize:  m.opts.BlockSize,
		Peer:       m.session,
		Owner:      m.pid,
		Clock:      m.opts.Clock,
	})
	if err != nil {
		return refuse(err)
	}

	// the peer must learn the id before the upload's first notification
	m.respond(req, id, fileID)
	pid, err := up.Spawn(m.rt)
	if err != nil {
		up.release()
		return err
	}
	info, err := m.transfers.Create(id, Upload, fileID, f.Size, pid)
	if err != nil {
		return err
	}
	m.files.SetTransfer(fileID, info.Copy())
	return nil
}

func (m *Manager) requestStartTransfer(req message.Request) error {
	var id uint16
	var first uint32
	if err := message.DecodeParams(req, &id, &first); err != nil {
		return m.badRequest(req, err)
	}
	if info := m.transfers.Find(id, Upload); info != nil {
		if err := m.rt.Send(info.PID, message.Command{Tag: CommandStart, Args: []any{first}}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "requestStartTransfer",
				"transfer_id": id,
				"error":       err.Error(),
			}).Warn("Upload is gone")
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function":    "requestStartTransfer",
			"transfer_id": id,
		}).Warn("Start requested for unknown transfer")
	}
	m.respond(req)
	return nil
}

func (m *Manager) requestCloseTransfer(req message.Request) error {
	var id uint16
	if err := message.DecodeParams(req, &id); err != nil {
		return m.badRequest(req, err)
	}
	if info := m.transfers.Find(id, Upload); info != nil && !IsTerminal(info.State) {
		if err := m.rt.Send(info.PID, message.Command{Tag: CommandStop}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "requestCloseTransfer",
				"transfer_id": id,
			}).Debug("Upload already gone")
		}
	}
	m.respond(req)
	return nil
}

// ---------------------------------------------------------------------------
// Responses from the peer
// ---------------------------------------------------------------------------

func (m *Manager) responseListFiles(resp message.Response) error {
	var files map[string]FileState
	if err := message.DecodeParams(resp, &files); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "responseListFiles",
			"error":    err.Error(),
		}).Warn("Ignoring malformed file list")
		return nil
	}
	valid := make(map[string]FileState, len(files))
	for id, st := range files {
		if st.ID == "" {
			st.ID = id
		}
		if err := st.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "responseListFiles",
				"file_id":  id,
				"error":    err.Error(),
			}).Warn("Skipping remote file")
			continue
		}
		valid[id] = st
	}
	m.files.UpdateTable(valid, Remote)
	return nil
}

func (m *Manager) responseCreateTransfer(resp message.Response) error {
	var id uint16
	var fileID string
	if err := message.DecodeParams(resp, &id, &fileID); err != nil {
		return nil
	}
	reply := m.pending[fileID]
	delete(m.pending, fileID)
	if reply == nil {
		reply = task.New()
	}
	if id == 0 {
		reply.Fail(fmt.Errorf("%w: %s", ErrTransferRefused, fileID))
		return nil
	}

	f := m.files.Find(fileID)
	if f == nil {
		reply.Fail(fmt.Errorf("%w: %s", ErrUnknownFile, fileID))
		return nil
	}
	path, err := m.downloadPath(f)
	if err != nil {
		reply.Fail(err)
		return nil
	}
	down, err := NewDownload(DownloadConfig{
		TransferID: id,
		FileID:     fileID,
		Size:       f.Size,
		Path:       path,
		BlockSize:  m.opts.BlockSize,
		Journal:    m.opts.Journal,
		Owner:      m.pid,
		Clock:      m.opts.Clock,
	})
	if err != nil {
		reply.Fail(err)
		m.session.SendRequest("close-transfer", id)
		return nil
	}
	first := down.FirstMissing()
	pid, err := down.Spawn(m.rt)
	if err != nil {
		down.release()
		reply.Fail(err)
		return err
	}
	info, err := m.transfers.Create(id, Download, fileID, f.Size, pid)
	if err != nil {
		reply.Fail(err)
		return nil
	}
	info.Preload(down.info.CompletedSize)
	m.files.SetTransfer(fileID, info.Copy())
	m.rt.Send(pid, message.Command{Tag: CommandStart})
	m.session.SendRequest("start-transfer", id, first)

	logrus.WithFields(logrus.Fields{
		"function":    "responseCreateTransfer",
		"transfer_id": id,
		"file_id":     fileID,
		"first_block": first,
		"path":        path,
	}).Info("Starting download")
	reply.Complete(id)
	return nil
}

// downloadPath keeps remote names inside the download directory.
func (m *Manager) downloadPath(f *SharedFile) (string, error) {
	if err := limits.ValidateFileName(f.Name); err != nil {
		return "", err
	}
	name := filepath.Base(f.Name)
	if name != f.Name || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, f.Name)
	}
	return ValidatePath(filepath.Join(m.opts.DownloadDir, name))
}

func (m *Manager) responseIgnored(resp message.Response) error {
	logrus.WithFields(logrus.Fields{
		"function": "responseIgnored",
		"tag":      resp.Tag,
		"trans_id": resp.TransID,
	}).Debug("Peer acknowledged")
	return nil
}

// ---------------------------------------------------------------------------
// Notifications from the peer
// ---------------------------------------------------------------------------

func (m *Manager) notificationFileAdded(n message.Notification) error {
	var st FileState
	if err := message.DecodeParams(n, &st); err != nil {
		return nil
	}
	if err := st.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "notificationFileAdded",
			"error":    err.Error(),
		}).Warn("Ignoring remote file")
		return nil
	}
	m.files.UpdateFile(st, Remote, "")
	return nil
}

func (m *Manager) notificationFileRemoved(n message.Notification) error {
	var fileID string
	if err := message.DecodeParams(n, &fileID); err != nil {
		return nil
	}
	m.files.RemoveFile(fileID, Remote)
	return nil
}

// notificationTransferStateChanged tracks the peer's upload. A download
// whose upload closed early is closed as well.
func (m *Manager) notificationTransferStateChanged(n message.Notification) error {
	var id uint16
	var state string
	if err := message.DecodeParams(n, &id, &state); err != nil {
		return nil
	}
	info := m.transfers.Find(id, Download)
	if info == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "notificationTransferStateChanged",
			"transfer_id": id,
			"state":       state,
		}).Debug("State change for unknown download")
		return nil
	}
	if state == StateClosed && !IsTerminal(info.State) {
		m.rt.Send(info.PID, message.Command{Tag: CommandStop})
	}
	return nil
}

// ---------------------------------------------------------------------------
// Blocks and transfer events
// ---------------------------------------------------------------------------

func (m *Manager) block(b message.Block) error {
	info := m.transfers.Find(b.TransferID, Download)
	if info == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "block",
			"transfer_id": b.TransferID,
			"block_id":    b.BlockID,
		}).Debug("Block for unknown download")
		return nil
	}
	if err := m.rt.Send(info.PID, b); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "block",
			"transfer_id": b.TransferID,
			"block_id":    b.BlockID,
		}).Debug("Download no longer accepts blocks")
	}
	return nil
}

func (m *Manager) transferProgress(ev message.Event) error {
	if snap, ok := ev.Args[5].(*TransferInfo); ok {
		if info := m.transfers.Find(snap.TransferID, snap.Direction); info != nil {
			info.UpdateState(snap)
		}
	}
	m.notifier.Notify(ev)
	return nil
}

func (m *Manager) transferStateChanged(ev message.Event) error {
	snap, ok := ev.Args[5].(*TransferInfo)
	if !ok {
		return nil
	}
	m.notifier.Notify(ev)
	info := m.transfers.Find(snap.TransferID, snap.Direction)
	if info == nil {
		return nil
	}
	info.UpdateState(snap)
	if !IsTerminal(snap.State) {
		m.files.SetTransfer(snap.FileID, info.Copy())
		return nil
	}

	m.transfers.Remove(snap.TransferID, snap.Direction)
	m.files.SetTransfer(snap.FileID, nil)
	if snap.Direction != Download {
		return nil
	}
	if m.connected() {
		m.session.SendRequest("close-transfer", snap.TransferID)
	}
	if snap.State == StateFinished {
		f := m.files.Find(snap.FileID)
		if f == nil {
			return nil
		}
		path, err := m.downloadPath(f)
		if err != nil {
			return nil
		}
		m.files.SetLocalCopySize(snap.FileID, snap.CompletedSize, path)
		if m.opts.Catalog != nil {
			f.Path = path
			if err := m.opts.Catalog.SaveFile(f.record()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "transferStateChanged",
					"file_id":  snap.FileID,
					"error":    err.Error(),
				}).Error("Cannot persist downloaded file")
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "transferStateChanged",
			"file_id":  snap.FileID,
			"path":     path,
			"size":     FormatSize(snap.CompletedSize),
		}).Info("Download finished")
	}
	return nil
}
