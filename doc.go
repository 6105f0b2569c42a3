// Package spark implements a peer-to-peer file sharing node.
//
// Two Spark peers connect over TCP, agree on a protocol version and then
// exchange their lists of shared files. Either peer can download any file
// the other one shares. Files are sent as numbered blocks and a download
// that was interrupted resumes from the blocks already on disk.
//
// # Getting Started
//
// Share a file and wait for a peer:
//
//	opts := spark.NewOptions()
//	opts.DatabasePath = "spark.db"
//
//	node, err := spark.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if _, err := node.Files().AddFile("movie.mkv").Wait(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Listen(":4550"); err != nil {
//	    log.Fatal(err)
//	}
//
// Connect from the other side and download it:
//
//	node.Connect("host:4550").Wait()
//	node.Session().Active().Wait()
//	id, err := node.Files().StartTransfer(fileID).Wait()
//
// # Events
//
// Node.Watch attaches a process receiving the events of the file sharing
// service as message.Event values: session-started, session-ended,
// files-updated, transfer-state-changed and transfer-progress.
//
//	w, _ := node.Watch("ui")
//	for {
//	    m, err := w.Receive()
//	    if err != nil {
//	        break
//	    }
//	    ev := m.(message.Event)
//	    ...
//	}
//
// # Architecture
//
// A Node wires these packages together:
//
//   - reactor: the I/O loop (poll, completion or thread-pool backend)
//   - actor: processes with mailboxes, one per service and per transfer
//   - transport: TCP connections, optionally secured by the noise package
//   - session: protocol negotiation and the message loop of a connection
//   - file: the file sharing service and the upload and download actors
//   - store: SQLite persistence of shared files and download progress
//
// # Security
//
// With Options.Secure set, every connection runs a Noise XX handshake
// and the peers learn each other's static public key. Options.Verify can
// reject unknown keys. Without it, traffic is plain TCP.
package spark
