// Package file implements file sharing between two Spark peers: the
// shared file list, transfer bookkeeping, and the actors that move file
// blocks over a session.
//
// # Overview
//
// The file package provides three layers:
//
//   - Table and TransferTable: the files known to either peer and the
//     transfers running between them
//   - UploadActor and DownloadActor: one actor per transfer, reading or writing
//     blocks of a file
//   - Manager: the file sharing service actor that answers the peer's
//     requests, drives transfers and publishes progress
//
// # Shared Files
//
// A SharedFile is identified by a hash of its name and size, so both
// peers compute the same ID for the same file. Each entry records whether
// the local and remote peer hold a copy:
//
//	table := file.NewTable()
//	f, err := table.AddFile("/srv/share/report.pdf")
//	fmt.Println(f.ID, file.FormatSize(f.Size))
//
// An entry is removed once neither peer holds a copy.
//
// # Transfer States
//
// Transfers move through a small state machine:
//
//	created -> inactive -> active -> finished
//	                    \         \-> closed
//	                     \-----------> closed
//
// An upload sends blocks in order, checking its mailbox for stop-transfer
// between blocks. A download accepts blocks in any order, writes each one
// once at index*blockSize and finishes when every block has arrived.
// Both report transfer-state-changed events to their owner.
//
// # Resuming Downloads
//
// When a Journal is configured, every written block is recorded. A
// download created for the same file later loads the journal and asks the
// peer to start at the first missing block:
//
//	down, err := file.NewDownload(file.DownloadConfig{
//	    TransferID: id,
//	    FileID:     f.ID,
//	    Size:       f.Size,
//	    Path:       "/srv/downloads/report.pdf",
//	    Journal:    db,
//	    Owner:      managerPID,
//	})
//	first := down.FirstMissing()
//
// # Manager
//
// Manager binds to a session and exchanges the following messages with
// the peer:
//
//	list-files(register)          -> {fileID: file, ...}
//	create-transfer(fileID)       -> transferID, fileID
//	start-transfer(transferID[, firstBlock])
//	close-transfer(transferID)
//	! file-added(file)
//	! file-removed(fileID)
//	! transfer-state-changed(transferID, state)
//
// Local callers use Manager methods, which return Tasks:
//
//	m, err := file.NewManager(rt, file.Options{DownloadDir: dir, Catalog: db, Journal: db})
//	pid, err := m.Spawn()
//	s := session.New(rt, r, pid, session.DefaultOptions())
//	m.Bind(s)
//	id, err := m.StartTransfer(fileID).Wait()
//
// # Deterministic Testing
//
// For reproducible statistics, inject a TimeProvider:
//
//	info.SetTimeProvider(mockClock)
//
// # Security
//
// Paths go through ValidatePath, and names received from the peer must
// be plain file names, so a download is never written outside the
// download directory.
package file
