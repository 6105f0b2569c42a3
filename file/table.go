package file

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// TableCallback is called with the id of the changed file and the origin
// of the change.
type TableCallback func(fileID string, origin Origin)

// Table keeps the files shared by both peers, keyed by file ID. A file is
// kept as long as one of the peers holds a copy. Callbacks run after the
// table lock has been released.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*SharedFile

	added   TableCallback
	updated TableCallback
	removed TableCallback
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*SharedFile)}
}

// OnAdded sets the callback for new entries.
func (t *Table) OnAdded(cb TableCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added = cb
}

// OnUpdated sets the callback for changed entries.
func (t *Table) OnUpdated(cb TableCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updated = cb
}

// OnRemoved sets the callback for entries that lost a copy or were
// removed.
func (t *Table) OnRemoved(cb TableCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = cb
}

func fire(cb TableCallback, id string, origin Origin) {
	if cb != nil {
		cb(id, origin)
	}
}

// AddFile shares the local file at path.
func (t *Table) AddFile(path string) (*SharedFile, error) {
	f, err := FromPath(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddFile",
			"path":     path,
			"error":    err.Error(),
		}).Error("Cannot share file")
		return nil, err
	}
	t.UpdateFile(f.State(), Local, f.Path)
	return t.Find(f.ID), nil
}

// UpdateFile merges the state of a file as seen by origin. Attributes are
// only copied when origin is the peer the entry came from; the remote
// copy size always follows the remote peer's local copy size. path is
// only meaningful for local files.
func (t *Table) UpdateFile(st FileState, origin Origin, path string) {
	t.mu.Lock()
	f, ok := t.entries[st.ID]
	if !ok {
		f = &SharedFile{
			ID:             st.ID,
			Origin:         origin,
			LocalCopySize:  NoCopy,
			RemoteCopySize: NoCopy,
		}
		t.entries[st.ID] = f
	}
	if origin == f.Origin {
		f.Name = st.Name
		f.Size = st.Size
		f.LastModified = st.Time()
		f.MimeType = st.MimeType
		if origin == Local {
			f.Path = path
			f.LocalCopySize = copySize(st.LocalCopySize)
		}
	}
	switch {
	case origin == Remote:
		f.RemoteCopySize = copySize(st.LocalCopySize)
	case f.Origin == Remote:
		// a local copy of a remote file
		f.LocalCopySize = copySize(st.LocalCopySize)
		if path != "" {
			f.Path = path
		}
	}
	cb := t.updated
	if !ok {
		cb = t.added
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UpdateFile",
		"file_id":  st.ID,
		"origin":   origin.String(),
		"added":    !ok,
	}).Debug("File table updated")
	fire(cb, st.ID, origin)
}

func copySize(n *int64) int64 {
	if n == nil {
		return NoCopy
	}
	return *n
}

// UpdateTable merges every file of a peer's list.
func (t *Table) UpdateTable(files map[string]FileState, origin Origin) {
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := files[id]
		if st.ID == "" {
			st.ID = id
		}
		t.UpdateFile(st, origin, "")
	}
}

// RemoveFile drops the copy held by origin. The entry itself is removed
// only when the other peer holds no copy. It reports whether the file was
// known.
func (t *Table) RemoveFile(fileID string, origin Origin) bool {
	t.mu.Lock()
	f, ok := t.entries[fileID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	other := Remote
	if origin == Remote {
		other = Local
	}
	if f.HasCopy(other) {
		if origin == Local {
			f.LocalCopySize = NoCopy
			f.Path = ""
		} else {
			f.RemoteCopySize = NoCopy
		}
	} else {
		delete(t.entries, fileID)
	}
	cb := t.removed
	t.mu.Unlock()

	fire(cb, fileID, origin)
	return true
}

// ClearTransfers forgets every transfer and remote copy, as when the
// session ends. Files without a local copy are removed.
func (t *Table) ClearTransfers() {
	t.mu.Lock()
	var removed []*SharedFile
	for id, f := range t.entries {
		f.Transfer = nil
		f.RemoteCopySize = NoCopy
		if f.LocalCopySize == NoCopy {
			delete(t.entries, id)
			removed = append(removed, f)
		}
	}
	cb := t.removed
	t.mu.Unlock()

	for _, f := range removed {
		fire(cb, f.ID, f.Origin)
	}
}

// SetTransfer attaches a transfer to a file, or detaches it when info is
// nil. It reports whether the file was known.
func (t *Table) SetTransfer(fileID string, info *TransferInfo) bool {
	t.mu.Lock()
	f, ok := t.entries[fileID]
	if ok {
		f.Transfer = info
	}
	cb := t.updated
	t.mu.Unlock()
	if ok {
		fire(cb, fileID, f.Origin)
	}
	return ok
}

// SetLocalCopySize records how much of a file is stored locally.
func (t *Table) SetLocalCopySize(fileID string, size int64, path string) bool {
	t.mu.Lock()
	f, ok := t.entries[fileID]
	if ok {
		f.LocalCopySize = size
		if path != "" {
			f.Path = path
		}
	}
	cb := t.updated
	t.mu.Unlock()
	if ok {
		fire(cb, fileID, Local)
	}
	return ok
}

// Find returns a copy of the entry with the given id, or nil.
func (t *Table) Find(fileID string) *SharedFile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if f, ok := t.entries[fileID]; ok {
		return f.Copy()
	}
	return nil
}

// Files returns a copy of the table.
func (t *Table) Files() map[string]*SharedFile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	files := make(map[string]*SharedFile, len(t.entries))
	for id, f := range t.entries {
		files[id] = f.Copy()
	}
	return files
}

// LocalState returns the states of the files this peer holds, as sent in
// a list-files response.
func (t *Table) LocalState() map[string]FileState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	files := make(map[string]FileState)
	for id, f := range t.entries {
		if f.HasCopy(Local) {
			files[id] = f.State()
		}
	}
	return files
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
