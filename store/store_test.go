package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spark.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadFiles(t *testing.T) {
	s := openTestStore(t)
	mod := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := FileRecord{ID: "a", Path: "/tmp/a.bin", Name: "a.bin", Size: 10, LastModified: mod, Added: mod}
	second := FileRecord{ID: "b", Path: "/tmp/b.iso", Name: "b.iso", Size: 2048, LastModified: mod,
		MimeType: "application/x-iso9660-image", Added: mod.Add(time.Minute)}
	require.NoError(t, s.SaveFile(second))
	require.NoError(t, s.SaveFile(first))

	files, err := s.LoadFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a", files[0].ID)
	assert.Equal(t, "b", files[1].ID)
	assert.True(t, files[1].LastModified.Equal(mod))
	assert.Equal(t, "application/x-iso9660-image", files[1].MimeType)

	// saving again updates in place
	first.Size = 11
	require.NoError(t, s.SaveFile(first))
	got, err := s.GetFile("a")
	require.NoError(t, err)
	assert.Equal(t, int64(11), got.Size)

	require.NoError(t, s.DeleteFile("a"))
	require.NoError(t, s.DeleteFile("a"))
	_, err = s.GetFile("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockJournal(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []uint32{5, 1, 3, 1} {
		require.NoError(t, s.RecordBlock("f", idx))
	}
	require.NoError(t, s.RecordBlock("other", 9))

	blocks, err := s.ReceivedBlocks("f")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 5}, blocks)

	require.NoError(t, s.ClearJournal("f"))
	blocks, err = s.ReceivedBlocks("f")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	blocks, err = s.ReceivedBlocks("other")
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, blocks)
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spark.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordBlock("f", 7))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	blocks, err := s.ReceivedBlocks("f")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, blocks)
}

func TestRetryOp(t *testing.T) {
	cfg := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success", []error{nil}, 1, false},
		{"transient then success", []error{errors.New("database is locked"), nil}, 2, false},
		{"permanent", []error{errors.New("no such table")}, 1, true},
		{"always busy", []error{
			errors.New("SQLITE_BUSY"), errors.New("SQLITE_BUSY"), errors.New("SQLITE_BUSY"),
		}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOp(cfg, func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := retryConfig{maxRetries: 10, baseDelay: 10 * time.Millisecond, maxDelay: 40 * time.Millisecond}
	for attempt := 0; attempt < 8; attempt++ {
		d := backoffDelay(cfg, attempt)
		assert.LessOrEqual(t, d, cfg.maxDelay+cfg.baseDelay)
	}
}
