package file

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark/actor"
	"github.com/xya/spark/limits"
	"github.com/xya/spark/message"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrNotRegular is returned when sharing something that is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// ErrInvalidFile indicates a file description received from the peer
// that cannot be valid.
var ErrInvalidFile = errors.New("invalid file description")

// ErrInvalidBlock indicates a block outside the file or with the wrong length.
var ErrInvalidBlock = errors.New("invalid block")

// Messages exchanged between transfer actors and their owner.
const (
	// EventTransferStateChanged reports a state change. Args: transfer
	// id, direction, state, completed size, speed, *TransferInfo snapshot.
	EventTransferStateChanged = "transfer-state-changed"
	// EventTransferProgress reports progress with the same arguments. It
	// may be dropped when the owner is busy.
	EventTransferProgress = "transfer-progress"
	// CommandStart activates a transfer. Args: optional first block.
	CommandStart = "start-transfer"
	// CommandStop closes a transfer.
	CommandStop = "stop-transfer"
)

// progressEvery is the number of blocks between progress events.
const progressEvery = 64

// Peer is the side of a session transfers talk to.
type Peer interface {
	SendBlock(b message.Block) error
	SendNotification(tag string, params ...any) error
}

// Journal remembers the blocks a download has written.
type Journal interface {
	RecordBlock(fileID string, index uint32) error
	ReceivedBlocks(fileID string) ([]uint32, error)
	ClearJournal(fileID string) error
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrDirectoryTraversal)
	}
	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleanedPath, nil
}

// BlockCount returns the number of blocks of a file.
func BlockCount(size int64, blockSize int) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + int64(blockSize) - 1) / int64(blockSize))
}

// blockLen returns the length of block index.
func blockLen(size int64, blockSize int, index uint32) int {
	off := int64(index) * int64(blockSize)
	return int(min(int64(blockSize), size-off))
}

// transfer holds what uploads and downloads share.
type transfer struct {
	info      *TransferInfo
	owner     actor.PID
	blockSize int
	blocks    uint32
	file      *os.File
	peer      Peer
}

func (t *transfer) fields(function string) logrus.Fields {
	return logrus.Fields{
		"function":    function,
		"transfer_id": t.info.TransferID,
		"direction":   t.info.Direction.String(),
		"file_id":     t.info.FileID,
	}
}

// changeState moves to state and tells the owner, and the peer for
// uploads. A terminal state closes the mailbox first so the owner is
// never blocked delivering to this process while it reports.
func (t *transfer) changeState(p *actor.Process, state string) {
	if err := t.info.SetState(state); err != nil {
		logrus.WithFields(t.fields("changeState")).WithError(err).Warn("Ignoring state change")
		return
	}
	fields := t.fields("changeState")
	fields["state"] = state
	fields["completed"] = t.info.CompletedSize
	logrus.WithFields(fields).Info("Transfer state changed")

	if t.info.Direction == Upload && t.peer != nil {
		if err := t.peer.SendNotification(EventTransferStateChanged, t.info.TransferID, state); err != nil {
			logrus.WithFields(t.fields("changeState")).WithError(err).Debug("Peer not notified")
		}
	}
	ev := t.info.stateEvent()
	if IsTerminal(state) {
		p.Runtime().Kill(p.PID(), false)
		if err := p.Send(t.owner, ev); err != nil {
			logrus.WithFields(t.fields("changeState")).WithError(err).Debug("Owner gone")
		}
		return
	}
	t.tell(p, ev)
}

// progress reports progress every progressEvery blocks.
func (t *transfer) progress(p *actor.Process, n uint32) {
	if n%progressEvery != 0 {
		return
	}
	ev := t.info.stateEvent()
	ev.Tag = EventTransferProgress
	t.tell(p, ev)
}

func (t *transfer) tell(p *actor.Process, ev message.Event) {
	if ok, err := p.Runtime().TrySend(t.owner, ev); err != nil || !ok {
		logrus.WithFields(t.fields("tell")).Debug("Dropping transfer event")
	}
}

func (t *transfer) release() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// Info returns a copy of the transfer progress.
func (t *transfer) Info() *TransferInfo { return t.info.Copy() }

// UploadConfig describes an upload.
type UploadConfig struct {
	TransferID uint16
	File       *SharedFile
	BlockSize  int
	Peer       Peer
	Owner      actor.PID
	Clock      TimeProvider
}

// UploadActor sends the blocks of a local file in order.
type UploadActor struct {
	transfer
	next uint32
}

// NewUpload opens the file of cfg for reading.
func NewUpload(cfg UploadConfig) (*UploadActor, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = limits.DefaultBlockSize
	}
	if err := limits.ValidateBlockSize(cfg.BlockSize); err != nil {
		return nil, err
	}
	if cfg.File == nil || !cfg.File.HasCopy(Local) || cfg.File.Path == "" {
		return nil, fmt.Errorf("%w: no local copy to upload", ErrInvalidFile)
	}
	path, err := ValidatePath(cfg.File.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info := NewTransferInfo(cfg.TransferID, Upload, cfg.File.ID, cfg.File.Size)
	if cfg.Clock != nil {
		info.SetTimeProvider(cfg.Clock)
	}
	return &UploadActor{transfer: transfer{
		info:      info,
		owner:     cfg.Owner,
		blockSize: cfg.BlockSize,
		blocks:    BlockCount(cfg.File.Size, cfg.BlockSize),
		file:      f,
		peer:      cfg.Peer,
	}}, nil
}

// Spawn starts the upload actor. It waits in the inactive state for
// CommandStart.
func (u *UploadActor) Spawn(rt *actor.Runtime) (actor.PID, error) {
	return rt.Spawn(fmt.Sprintf("upload-%d", u.info.TransferID), u.run)
}

func (u *UploadActor) run(p *actor.Process) error {
	u.info.PID = p.PID()
	defer u.release()
	u.changeState(p, StateInactive)

	for !IsTerminal(u.info.State) {
		if u.info.State != StateActive {
			m, err := p.Receive()
			if err != nil {
				u.changeState(p, StateClosed)
				return nil
			}
			u.handle(p, m)
			continue
		}

		// poll for commands between blocks
		m, ok, err := p.TryReceive()
		if err != nil {
			u.changeState(p, StateClosed)
			return nil
		}
		if ok {
			u.handle(p, m)
			continue
		}
		if u.next >= u.blocks {
			u.changeState(p, StateFinished)
			continue
		}
		if err := u.sendBlock(); err != nil {
			logrus.WithFields(u.fields("run")).WithError(err).Error("Upload failed")
			u.changeState(p, StateClosed)
			return nil
		}
		u.progress(p, u.next)
	}
	return nil
}

func (u *UploadActor) handle(p *actor.Process, m message.Message) {
	cmd, ok := m.(message.Command)
	if !ok {
		logrus.WithFields(u.fields("handle")).Warnf("Upload ignoring %s", m.Kind())
		return
	}
	switch cmd.Tag {
	case CommandStart:
		if u.info.State != StateInactive {
			return
		}
		var first uint32
		if err := message.DecodeParams(cmd, &first); err != nil {
			logrus.WithFields(u.fields("handle")).WithError(err).Warn("Bad start command")
		}
		u.next = min(first, u.blocks)
		u.info.Preload(int64(u.next) * int64(u.blockSize))
		u.changeState(p, StateActive)
	case CommandStop:
		u.changeState(p, StateClosed)
	default:
		logrus.WithFields(u.fields("handle")).Warnf("Upload ignoring command %q", cmd.Tag)
	}
}

func (u *UploadActor) sendBlock() error {
	n := blockLen(u.info.OriginalSize, u.blockSize, u.next)
	data := make([]byte, n)
	if _, err := u.file.ReadAt(data, int64(u.next)*int64(u.blockSize)); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read block %d: %w", u.next, err)
	}
	if err := u.peer.SendBlock(message.Block{
		TransferID: u.info.TransferID,
		BlockID:    u.next,
		Data:       data,
	}); err != nil {
		return fmt.Errorf("send block %d: %w", u.next, err)
	}
	u.next++
	u.info.Advance(int64(n))
	return nil
}

// DownloadConfig describes a download.
type DownloadConfig struct {
	TransferID uint16
	FileID     string
	Size       int64
	// Path is where the file is written.
	Path      string
	BlockSize int
	Journal   Journal
	Owner     actor.PID
	Clock     TimeProvider
}

// DownloadActor writes blocks received in any order and finishes once every
// block has arrived. Each block is written once; duplicates are ignored.
type DownloadActor struct {
	transfer
	journal  Journal
	received []uint64
	count    uint32
}

// NewDownload opens the destination file and loads the blocks already
// written by an earlier run from the journal.
func NewDownload(cfg DownloadConfig) (*DownloadActor, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = limits.DefaultBlockSize
	}
	if err := limits.ValidateBlockSize(cfg.BlockSize); err != nil {
		return nil, err
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidFile, cfg.Size)
	}
	path, err := ValidatePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(cfg.Size); err != nil {
		f.Close()
		return nil, err
	}

	info := NewTransferInfo(cfg.TransferID, Download, cfg.FileID, cfg.Size)
	if cfg.Clock != nil {
		info.SetTimeProvider(cfg.Clock)
	}
	blocks := BlockCount(cfg.Size, cfg.BlockSize)
	d := &DownloadActor{
		transfer: transfer{
			info:      info,
			owner:     cfg.Owner,
			blockSize: cfg.BlockSize,
			blocks:    blocks,
			file:      f,
		},
		journal:  cfg.Journal,
		received: make([]uint64, (blocks+63)/64),
	}
	if err := d.preload(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func (d *DownloadActor) preload() error {
	if d.journal == nil {
		return nil
	}
	done, err := d.journal.ReceivedBlocks(d.info.FileID)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	var bytes int64
	for _, idx := range done {
		if idx < d.blocks && d.mark(idx) {
			bytes += int64(blockLen(d.info.OriginalSize, d.blockSize, idx))
		}
	}
	d.info.Preload(bytes)
	if len(done) > 0 {
		fields := d.fields("preload")
		fields["blocks"] = d.count
		logrus.WithFields(fields).Info("Resuming download")
	}
	return nil
}

// mark sets the bit of idx and reports whether it was clear.
func (d *DownloadActor) mark(idx uint32) bool {
	word, bit := idx/64, uint64(1)<<(idx%64)
	if d.received[word]&bit != 0 {
		return false
	}
	d.received[word] |= bit
	d.count++
	return true
}

// Has reports whether block idx has been written.
func (d *DownloadActor) Has(idx uint32) bool {
	return idx < d.blocks && d.received[idx/64]&(1<<(idx%64)) != 0
}

// Complete reports whether every block has been written.
func (d *DownloadActor) Complete() bool { return d.count == d.blocks }

// Received returns the number of distinct blocks written.
func (d *DownloadActor) Received() uint32 { return d.count }

// FirstMissing returns the lowest block not written yet, or the block
// count when the download is complete.
func (d *DownloadActor) FirstMissing() uint32 {
	for i, w := range d.received {
		if w != ^uint64(0) {
			idx := uint32(i*64 + bits.TrailingZeros64(^w))
			return min(idx, d.blocks)
		}
	}
	return d.blocks
}

// Spawn starts the download actor.
func (d *DownloadActor) Spawn(rt *actor.Runtime) (actor.PID, error) {
	return rt.Spawn(fmt.Sprintf("download-%d", d.info.TransferID), d.run)
}

func (d *DownloadActor) run(p *actor.Process) error {
	d.info.PID = p.PID()
	defer d.release()
	d.changeState(p, StateInactive)

	for !IsTerminal(d.info.State) {
		m, err := p.Receive()
		if err != nil {
			d.changeState(p, StateClosed)
			return nil
		}
		switch v := m.(type) {
		case message.Block:
			d.activate(p)
			if _, err := d.handleBlock(v); err != nil {
				if !errors.Is(err, ErrInvalidBlock) {
					logrus.WithFields(d.fields("run")).WithError(err).Error("Download failed")
					d.changeState(p, StateClosed)
					return nil
				}
				logrus.WithFields(d.fields("run")).WithError(err).Warn("Dropping block")
				continue
			}
			d.progress(p, d.count)
		case message.Command:
			switch v.Tag {
			case CommandStart:
				d.activate(p)
			case CommandStop:
				d.changeState(p, StateClosed)
				continue
			default:
				logrus.WithFields(d.fields("run")).Warnf("Download ignoring command %q", v.Tag)
			}
		default:
			logrus.WithFields(d.fields("run")).Warnf("Download ignoring %s", m.Kind())
		}
		if d.info.State == StateActive && d.Complete() {
			d.finish(p)
		}
	}
	return nil
}

func (d *DownloadActor) activate(p *actor.Process) {
	if d.info.State == StateInactive {
		d.changeState(p, StateActive)
	}
}

func (d *DownloadActor) finish(p *actor.Process) {
	if err := d.file.Sync(); err != nil {
		logrus.WithFields(d.fields("finish")).WithError(err).Error("Cannot flush download")
		d.changeState(p, StateClosed)
		return
	}
	if d.journal != nil {
		if err := d.journal.ClearJournal(d.info.FileID); err != nil {
			logrus.WithFields(d.fields("finish")).WithError(err).Warn("Journal not cleared")
		}
	}
	d.changeState(p, StateFinished)
}

// handleBlock writes b unless it was already written. It reports whether
// the block was new.
func (d *DownloadActor) handleBlock(b message.Block) (bool, error) {
	if b.BlockID >= d.blocks {
		return false, fmt.Errorf("%w: index %d of %d", ErrInvalidBlock, b.BlockID, d.blocks)
	}
	if want := blockLen(d.info.OriginalSize, d.blockSize, b.BlockID); len(b.Data) != want {
		return false, fmt.Errorf("%w: block %d has %d bytes, expected %d", ErrInvalidBlock, b.BlockID, len(b.Data), want)
	}
	if d.Has(b.BlockID) {
		logrus.WithFields(logrus.Fields{
			"function":    "handleBlock",
			"transfer_id": d.info.TransferID,
			"block_id":    b.BlockID,
		}).Debug("Ignoring duplicate block")
		return false, nil
	}
	if _, err := d.file.WriteAt(b.Data, int64(b.BlockID)*int64(d.blockSize)); err != nil {
		return false, fmt.Errorf("write block %d: %w", b.BlockID, err)
	}
	d.mark(b.BlockID)
	d.info.Advance(int64(len(b.Data)))
	if d.journal != nil {
		if err := d.journal.RecordBlock(d.info.FileID, b.BlockID); err != nil {
			logrus.WithFields(d.fields("handleBlock")).WithError(err).Warn("Block not journaled")
		}
	}
	return true, nil
}
