package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xya/spark"
	"github.com/xya/spark/actor"
	"github.com/xya/spark/crypto"
	"github.com/xya/spark/file"
	"github.com/xya/spark/message"
	"github.com/xya/spark/reactor"
	"github.com/xya/spark/session"
	"github.com/xya/spark/transport"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	listen    string
	connect   string
	share     listFlag
	download  string
	get       string
	reactor   string
	workers   int
	secure    bool
	secretKey string
	proxy     string
	db        string
	blockSize int
	logLevel  string
	help      bool
	usage     func()
}

func parseCLIFlags(args []string) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("spark", flag.ContinueOnError)

	// Network
	fs.StringVar(&config.listen, "listen", "", "Address to accept a peer on, e.g. :4550")
	fs.StringVar(&config.connect, "connect", "", "Address of the peer to connect to")
	fs.StringVar(&config.reactor, "reactor", "threadpool", "I/O backend: poll, completion or threadpool")
	fs.IntVar(&config.workers, "workers", reactor.DefaultOptions().Workers, "Worker count of the threadpool backend")
	fs.BoolVar(&config.secure, "secure", false, "Encrypt the connection with a Noise XX handshake")
	fs.StringVar(&config.secretKey, "key", "", "Hex secret key for -secure (default: a new key per run)")
	fs.StringVar(&config.proxy, "proxy", "", "Proxy for -connect, e.g. socks5://127.0.0.1:9050")

	// Files
	fs.Var(&config.share, "share", "File to share (repeatable)")
	fs.StringVar(&config.download, "download", ".", "Directory receiving downloads")
	fs.StringVar(&config.get, "get", "", "Files to download: all, or comma-separated names or ids")
	fs.StringVar(&config.db, "db", "", "SQLite database keeping shares and partial downloads")
	fs.IntVar(&config.blockSize, "block-size", spark.NewOptions().BlockSize, "Size of uploaded blocks in bytes")

	// Logging
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.help, "help", false, "Show help message")

	config.usage = fs.Usage
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

func validateCLIConfig(config *CLIConfig) error {
	if config.listen == "" && config.connect == "" {
		return errors.New("one of -listen or -connect is required")
	}
	if config.listen != "" && config.connect != "" {
		return errors.New("-listen and -connect are exclusive")
	}
	if config.get != "" && config.connect == "" {
		return errors.New("-get needs -connect")
	}
	if config.secretKey != "" && !config.secure {
		return errors.New("-key needs -secure")
	}
	if config.proxy != "" && config.connect == "" {
		return errors.New("-proxy needs -connect")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return err
	}
	return nil
}

// createOptions converts the command line to node options.
func createOptions(config *CLIConfig) (*spark.Options, error) {
	opts := spark.NewOptions()
	kind, err := reactor.ParseKind(config.reactor)
	if err != nil {
		return nil, err
	}
	opts.Reactor = kind
	opts.Workers = config.workers
	opts.BlockSize = config.blockSize
	opts.DownloadDir = config.download
	opts.DatabasePath = config.db
	opts.Secure = config.secure
	if config.secretKey != "" {
		kp, err := crypto.ParseSecretKey(config.secretKey)
		if err != nil {
			return nil, err
		}
		opts.KeyPair = kp
	}
	if config.proxy != "" {
		p, err := transport.ParseProxyURL(config.proxy)
		if err != nil {
			return nil, err
		}
		opts.Proxy = p
	}
	return opts, opts.Validate()
}

func setupLogging(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// selector decides which remote files to download.
type selector struct {
	all   bool
	names map[string]bool
}

func newSelector(spec string) *selector {
	s := &selector{names: make(map[string]bool)}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "":
		case "all":
			s.all = true
		default:
			s.names[part] = true
		}
	}
	return s
}

func (s *selector) empty() bool { return !s.all && len(s.names) == 0 }

func (s *selector) wants(f *file.SharedFile) bool {
	if !f.HasCopy(file.Remote) || f.IsComplete(file.Local) || f.Transfer != nil {
		return false
	}
	return s.all || s.names[f.ID] || s.names[f.Name]
}

// Commands the download goroutines send back to the watcher.
const (
	commandRequested = "download-requested"
	commandSkipped   = "download-skipped"
	commandFailed    = "download-failed"
)

// client drives the node from its watcher process. Only the watcher
// goroutine touches its maps.
type client struct {
	node    *spark.Node
	watcher *actor.Process
	get     *selector
	dialed  bool
	checked map[string]bool
	pending int
	running map[string]bool
}

func (c *client) run() error {
	for {
		m, err := c.watcher.Receive()
		if err != nil {
			return nil
		}
		var done bool
		switch v := m.(type) {
		case message.Event:
			done = c.handle(v)
		case message.Command:
			done = c.command(v)
		}
		if done {
			return nil
		}
	}
}

func (c *client) idle() bool {
	return c.dialed && !c.get.empty() && c.pending == 0 && len(c.running) == 0
}

func (c *client) handle(ev message.Event) bool {
	switch ev.Tag {
	case session.EventStarted:
		fmt.Printf("Connected (%v)\n", ev.Args[1])
	case session.EventEnded:
		fmt.Println("Disconnected")
		return c.dialed
	case file.EventFilesUpdated:
		id, _ := ev.Args[0].(string)
		if origin, _ := ev.Args[1].(file.Origin); origin == file.Remote {
			c.check(id)
		}
	case file.EventTransferProgress:
		if snap, _ := ev.Args[5].(*file.TransferInfo); snap != nil {
			c.progress(snap)
		}
	case file.EventTransferStateChanged:
		snap, _ := ev.Args[5].(*file.TransferInfo)
		if snap == nil {
			break
		}
		fmt.Printf("Transfer %d (%s) %s\n", snap.TransferID, snap.Direction, snap.State)
		if snap.Direction == file.Download && file.IsTerminal(snap.State) {
			delete(c.running, snap.FileID)
			return c.idle()
		}
	}
	return false
}

func (c *client) command(cmd message.Command) bool {
	id, _ := cmd.Args[0].(string)
	switch cmd.Tag {
	case commandRequested:
		c.pending--
		c.running[id] = true
	case commandSkipped:
		c.pending--
	case commandFailed:
		delete(c.running, id)
	}
	return c.idle()
}

// check asks the service about a remote file and starts its download
// when selected. It runs off the watcher goroutine since the service may
// be waiting for the watcher to take its events.
func (c *client) check(id string) {
	if c.get.empty() || c.checked[id] {
		return
	}
	c.checked[id] = true
	c.pending++
	rt, pid := c.node.Runtime(), c.watcher.PID()
	report := func(tag string) {
		rt.Send(pid, message.Command{Tag: tag, Args: []any{id}})
	}
	go func() {
		v, err := c.node.Files().ListFiles().Wait()
		if err != nil {
			report(commandSkipped)
			return
		}
		f := v.(map[string]*file.SharedFile)[id]
		if f == nil || !c.get.wants(f) {
			report(commandSkipped)
			return
		}
		fmt.Printf("Downloading %s (%s)\n", f.Name, file.FormatSize(f.Size))
		report(commandRequested)
		if _, err := c.node.Files().StartTransfer(id).Wait(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "check",
				"file_id":  id,
				"error":    err.Error(),
			}).Error("Download not started")
			report(commandFailed)
		}
	}()
}

func (c *client) progress(snap *file.TransferInfo) {
	p, _ := snap.Progress()
	left, ok := snap.Left()
	eta := "n/a"
	if ok {
		eta = file.FormatDuration(left)
	}
	fmt.Printf("Transfer %d: %5.1f%% of %s, %s/s, %s left\n",
		snap.TransferID, p*100, file.FormatSize(snap.OriginalSize),
		file.FormatSize(int64(snap.Speed)), eta)
}

func main() {
	cliConfig, err := parseCLIFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	if cliConfig.help {
		cliConfig.usage()
		os.Exit(0)
	}
	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	setupLogging(cliConfig.logLevel)

	opts, err := createOptions(cliConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	node, err := spark.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	if code := run(node, cliConfig); code != 0 {
		node.Close()
		os.Exit(code)
	}
	node.Close()
}

func run(node *spark.Node, config *CLIConfig) int {
	for _, path := range config.share {
		v, err := node.Files().AddFile(path).Wait()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot share %s: %v\n", path, err)
			return 1
		}
		f := v.(*file.SharedFile)
		fmt.Printf("Sharing %s (%s) as %s\n", f.Name, file.FormatSize(f.Size), f.ID)
	}
	if key := node.PublicKey(); key != "" {
		fmt.Printf("Public key: %s\n", key)
	}

	watcher, err := node.Watch("cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to watch events: %v\n", err)
		return 1
	}
	c := &client{
		node:    node,
		watcher: watcher,
		get:     newSelector(config.get),
		dialed:  config.connect != "",
		checked: make(map[string]bool),
		running: make(map[string]bool),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		node.Runtime().Kill(watcher.PID(), false)
	}()

	if config.listen != "" {
		if err := node.Listen(config.listen); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot listen: %v\n", err)
			return 1
		}
		fmt.Printf("Listening on %s\n", node.Addr())
	} else {
		if _, err := node.Connect(config.connect).Wait(); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot connect to %s: %v\n", config.connect, err)
			return 1
		}
	}

	if err := c.run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
