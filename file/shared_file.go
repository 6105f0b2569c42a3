package file

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	json "github.com/goccy/go-json"

	"github.com/xya/spark/limits"
	"github.com/xya/spark/store"
)

// Origin tells which peer holds a copy of a file.
type Origin uint8

const (
	// Local is this peer.
	Local Origin = 1
	// Remote is the connected peer.
	Remote Origin = 2
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("Origin(%d)", o)
	}
}

// NoCopy is the copy size of a peer that holds no copy of the file.
const NoCopy int64 = -1

// SharedFile is a file known to either peer.
type SharedFile struct {
	ID           string
	Name         string
	Size         int64
	LastModified time.Time
	MimeType     string
	// Path is only set for files with a local copy.
	Path string
	// Origin is the peer the entry was first learned from.
	Origin         Origin
	LocalCopySize  int64
	RemoteCopySize int64
	Transfer       *TransferInfo
}

// FileState is the representation of a SharedFile exchanged with the
// peer. LastModified is in seconds since the epoch and LocalCopySize is
// null when the sender holds no copy.
type FileState struct {
	ID            string  `json:"ID"`
	Name          string  `json:"name"`
	Size          int64   `json:"size"`
	LastModified  float64 `json:"lastModified"`
	MimeType      string  `json:"mimeType"`
	LocalCopySize *int64  `json:"localCopySize"`
}

// FileID derives the identifier of a file from its name and size: the
// first 15 bytes of the blake3 digest of name followed by the decimal
// size, base64url encoded (20 characters, never padded).
func FileID(name string, size int64) string {
	h := blake3.New(64, nil)
	h.Write([]byte(name))
	h.Write([]byte(strconv.FormatInt(size, 10)))
	sum := h.Sum(nil)
	return cristalbase64.URLEncoding.EncodeToString(sum[:15])
}

// FromPath describes the local file at path.
func FromPath(path string) (*SharedFile, error) {
	clean, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(clean)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", clean, ErrNotRegular)
	}
	name := fi.Name()
	if err := limits.ValidateFileName(name); err != nil {
		return nil, err
	}
	return &SharedFile{
		ID:             FileID(name, fi.Size()),
		Name:           name,
		Size:           fi.Size(),
		LastModified:   fi.ModTime(),
		MimeType:       mimeType(name),
		Path:           clean,
		Origin:         Local,
		LocalCopySize:  fi.Size(),
		RemoteCopySize: NoCopy,
	}, nil
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// State returns the representation sent to the peer.
func (f *SharedFile) State() FileState {
	st := FileState{
		ID:           f.ID,
		Name:         f.Name,
		Size:         f.Size,
		LastModified: float64(f.LastModified.UnixNano()) / 1e9,
		MimeType:     f.MimeType,
	}
	if f.LocalCopySize != NoCopy {
		n := f.LocalCopySize
		st.LocalCopySize = &n
	}
	return st
}

// MarshalJSON encodes the wire state.
func (f *SharedFile) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.State())
}

// Time converts the wire modification time.
func (s FileState) Time() time.Time {
	sec := int64(s.LastModified)
	nsec := int64((s.LastModified - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Validate rejects states that cannot describe a real file.
func (s FileState) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty file id", ErrInvalidFile)
	}
	if s.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidFile, s.Size)
	}
	if s.LocalCopySize != nil && (*s.LocalCopySize < 0 || *s.LocalCopySize > s.Size) {
		return fmt.Errorf("%w: copy size %d of %d", ErrInvalidFile, *s.LocalCopySize, s.Size)
	}
	if err := limits.ValidateFileName(s.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	return nil
}

// HasCopy reports whether the peer at origin holds a (possibly partial)
// copy.
func (f *SharedFile) HasCopy(origin Origin) bool {
	return f.CompletedSize(origin) != NoCopy
}

// CompletedSize returns how many bytes the copy at origin holds, or
// NoCopy.
func (f *SharedFile) CompletedSize(origin Origin) int64 {
	if origin == Local {
		return f.LocalCopySize
	}
	return f.RemoteCopySize
}

// Completion returns the completed fraction of the copy at origin.
func (f *SharedFile) Completion(origin Origin) float64 {
	if f.Size <= 0 {
		return 1
	}
	n := f.CompletedSize(origin)
	if n < 0 {
		return 0
	}
	return float64(n) / float64(f.Size)
}

// IsComplete reports whether the copy at origin holds every byte.
func (f *SharedFile) IsComplete(origin Origin) bool {
	return f.CompletedSize(origin) == f.Size
}

// IsReceiving reports whether an active download targets this file.
func (f *SharedFile) IsReceiving() bool {
	return f.Transfer != nil && f.Transfer.Direction == Download && f.Transfer.State == StateActive
}

// IsSending reports whether an active upload reads this file.
func (f *SharedFile) IsSending() bool {
	return f.Transfer != nil && f.Transfer.Direction == Upload && f.Transfer.State == StateActive
}

// Copy returns a deep copy.
func (f *SharedFile) Copy() *SharedFile {
	c := *f
	if f.Transfer != nil {
		c.Transfer = f.Transfer.Copy()
	}
	return &c
}

// record converts a local file for the store.
func (f *SharedFile) record() store.FileRecord {
	return store.FileRecord{
		ID:           f.ID,
		Path:         f.Path,
		Name:         f.Name,
		Size:         f.Size,
		LastModified: f.LastModified,
		MimeType:     f.MimeType,
	}
}

// fromRecord restores a local file from the store.
func fromRecord(r store.FileRecord) *SharedFile {
	return &SharedFile{
		ID:             r.ID,
		Name:           r.Name,
		Size:           r.Size,
		LastModified:   r.LastModified,
		MimeType:       r.MimeType,
		Path:           r.Path,
		Origin:         Local,
		LocalCopySize:  r.Size,
		RemoteCopySize: NoCopy,
	}
}
