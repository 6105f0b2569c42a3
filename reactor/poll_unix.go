//go:build linux || darwin || freebsd || netbsd || openbsd

package reactor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xya/spark/task"
)

// pollOp is an operation waiting for its descriptor to become ready.
// step makes as much progress as the descriptor allows and reports
// whether the operation is finished.
type pollOp struct {
	fd     int
	events int16
	task   *task.Task
	step   func() (done bool, value any, err error)
}

type submission struct {
	op *pollOp
	fn func()
	t  *task.Task
}

// PollReactor drives non-blocking descriptors with poll(2). A wake pipe
// interrupts the poll call whenever a submission is queued. Submissions
// are drained at the start of every iteration; pending operations are
// kept per descriptor, and each descriptor is polled for the union of the
// events its operations wait for.
type PollReactor struct {
	core

	wakeR, wakeW int

	subMu       sync.Mutex
	submissions []submission
	offloaded   map[*task.Task]struct{}

	// only touched by the loop goroutine
	pending map[int][]*pollOp
}

func newPollReactor(opts Options) (Reactor, error) {
	return NewPollReactor(opts)
}

// NewPollReactor returns a poll-based reactor.
func NewPollReactor(opts Options) (*PollReactor, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("set wake pipe non-blocking: %w", err)
		}
	}
	r := &PollReactor{
		wakeR:     fds[0],
		wakeW:     fds[1],
		pending:   make(map[int][]*pollOp),
		offloaded: make(map[*task.Task]struct{}),
	}
	r.init(KindPoll, r)
	return r, nil
}

func (r *PollReactor) wake() {
	// a full pipe already guarantees a wake-up
	unix.Write(r.wakeW, []byte{1})
}

func (r *PollReactor) enqueue(s submission) bool {
	r.subMu.Lock()
	if r.closed() {
		r.subMu.Unlock()
		return false
	}
	r.submissions = append(r.submissions, s)
	// under subMu so teardown cannot close the pipe concurrently
	r.wake()
	r.subMu.Unlock()
	return true
}

func (r *PollReactor) submitOp(op *pollOp) *task.Task {
	op.task = task.New()
	if !r.enqueue(submission{op: op, t: op.task}) {
		op.task.Cancel()
	}
	return op.task
}

// offload runs a blocking call for a stream that has no descriptor on its
// own goroutine; the result is handed to the loop as a submission.
func (r *PollReactor) offload(fn func() (any, error)) *task.Task {
	t := task.New()
	r.subMu.Lock()
	if r.closed() {
		r.subMu.Unlock()
		t.Cancel()
		return t
	}
	r.offloaded[t] = struct{}{}
	r.subMu.Unlock()

	go func() {
		v, err := safeCall(fn)
		queued := r.enqueue(submission{fn: func() {
			r.subMu.Lock()
			delete(r.offloaded, t)
			r.subMu.Unlock()
			resolve(t, v, err)
		}})
		if !queued {
			if conn, ok := v.(net.Conn); ok {
				conn.Close()
			}
		}
	}()
	return t
}

// descriptor extracts the file descriptor behind s.
func descriptor(s any) (int, error) {
	sc, ok := s.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%w: %T has no descriptor", ErrUnsupportedStream, s)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// Read implements Reactor. Streams without a descriptor are read on a
// helper goroutine.
func (r *PollReactor) Read(s Stream, n int) *task.Task {
	fd, err := descriptor(s)
	if errors.Is(err, ErrUnsupportedStream) {
		return r.offload(func() (any, error) { return readFull(s, n) })
	}
	if err != nil {
		return task.Failed(err)
	}
	buf := make([]byte, n)
	got := 0
	return r.submitOp(&pollOp{
		fd:     fd,
		events: unix.POLLIN,
		step: func() (bool, any, error) {
			if got == n {
				return true, buf, nil
			}
			m, err := unix.Read(fd, buf[got:])
			if err != nil {
				if wouldBlock(err) {
					return false, nil, nil
				}
				return true, nil, &os.PathError{Op: "read", Path: "fd", Err: err}
			}
			if m == 0 {
				return true, buf[:got], nil
			}
			got += m
			return got == n, buf[:got], nil
		},
	})
}

// Write implements Reactor.
func (r *PollReactor) Write(s Stream, p []byte) *task.Task {
	fd, err := descriptor(s)
	if errors.Is(err, ErrUnsupportedStream) {
		return r.offload(func() (any, error) { return writeAll(s, p) })
	}
	if err != nil {
		return task.Failed(err)
	}
	written := 0
	return r.submitOp(&pollOp{
		fd:     fd,
		events: unix.POLLOUT,
		step: func() (bool, any, error) {
			if written == len(p) {
				return true, written, nil
			}
			m, err := unix.Write(fd, p[written:])
			if err != nil {
				if wouldBlock(err) {
					return false, nil, nil
				}
				return true, nil, &os.PathError{Op: "write", Path: "fd", Err: err}
			}
			written += m
			return written == len(p), written, nil
		},
	})
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

// fdConn turns a connected descriptor into a net.Conn. The descriptor is
// duplicated by the net package and closed here.
func fdConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-%d", fd))
	defer f.Close()
	return net.FileConn(f)
}

// Connect implements Reactor.
func (r *PollReactor) Connect(network, address string) *task.Task {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return task.Failed(err)
	}
	family, sa := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return task.Failed(os.NewSyscallError("socket", err))
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return task.Failed(os.NewSyscallError("setnonblock", err))
	}
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return task.Failed(&net.OpError{Op: "dial", Net: network, Addr: addr, Err: os.NewSyscallError("connect", err)})
	}

	t := r.submitOp(&pollOp{
		fd:     fd,
		events: unix.POLLOUT,
		step: func() (bool, any, error) {
			soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err == nil && soErr != 0 {
				err = syscall.Errno(soErr)
			}
			if err != nil {
				unix.Close(fd)
				return true, nil, &net.OpError{Op: "dial", Net: network, Addr: addr, Err: os.NewSyscallError("connect", err)}
			}
			conn, err := fdConn(fd)
			return true, conn, err
		},
	})
	t.OnResolved(func(t *task.Task) {
		if t.IsCanceled() {
			unix.Close(fd)
		}
	})
	return t
}

// Accept implements Reactor. The listener must expose its descriptor.
func (r *PollReactor) Accept(l net.Listener) *task.Task {
	lfd, err := descriptor(l)
	if err != nil {
		return task.Failed(err)
	}
	return r.submitOp(&pollOp{
		fd:     lfd,
		events: unix.POLLIN,
		step: func() (bool, any, error) {
			nfd, _, err := unix.Accept(lfd)
			if err != nil {
				if wouldBlock(err) || errors.Is(err, unix.ECONNABORTED) {
					return false, nil, nil
				}
				return true, nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: os.NewSyscallError("accept", err)}
			}
			unix.CloseOnExec(nfd)
			conn, err := fdConn(nfd)
			return true, conn, err
		},
	})
}

// Invoke implements Reactor.
func (r *PollReactor) Invoke(fn func() (any, error)) *task.Task {
	t := task.New()
	ok := r.enqueue(submission{t: t, fn: func() {
		v, err := safeCall(fn)
		resolve(t, v, err)
	}})
	if !ok {
		t.Cancel()
	}
	return t
}

// Post implements task.Executor.
func (r *PollReactor) Post(fn func()) {
	r.enqueue(submission{fn: fn})
}

// LaunchThread implements Reactor.
func (r *PollReactor) LaunchThread() error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.loop()
	return nil
}

// Run implements Reactor.
func (r *PollReactor) Run() error {
	if err := r.begin(); err != nil {
		return err
	}
	r.loop()
	return nil
}

func (r *PollReactor) takeSubmissions() []submission {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	subs := r.submissions
	r.submissions = nil
	return subs
}

func (r *PollReactor) loop() {
	defer r.finish()
	defer r.teardown()

	fds := make([]unix.PollFd, 0, 16)
	for !r.closed() {
		for _, s := range r.takeSubmissions() {
			if s.op != nil {
				r.pending[s.op.fd] = append(r.pending[s.op.fd], s.op)
			} else {
				s.fn()
			}
		}
		if r.closed() {
			return
		}

		fds = fds[:0]
		fds = append(fds, unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
		for fd, ops := range r.pending {
			var events int16
			for _, op := range ops {
				events |= op.events
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "loop",
				"error":    err.Error(),
			}).Error("Poll failed, stopping reactor")
			r.shut()
			return
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if int(pfd.Fd) == r.wakeR {
				r.drainWake()
				continue
			}
			r.dispatch(int(pfd.Fd), pfd.Revents)
		}
	}
}

func (r *PollReactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// dispatch steps every operation on fd that the returned events allow.
// Hang-ups and errors step all of them, so reads observe end of stream and
// writes observe the failure.
func (r *PollReactor) dispatch(fd int, revents int16) {
	ops := r.pending[fd]
	if revents&unix.POLLNVAL != 0 {
		delete(r.pending, fd)
		for _, op := range ops {
			op.task.Fail(&os.PathError{Op: "poll", Path: "fd", Err: unix.EBADF})
		}
		return
	}
	broken := revents&(unix.POLLHUP|unix.POLLERR) != 0
	remaining := ops[:0]
	var finished []func()
	for _, op := range ops {
		if !broken && op.events&revents == 0 {
			remaining = append(remaining, op)
			continue
		}
		done, v, err := op.step()
		if !done && broken && op.events == unix.POLLOUT {
			done, err = true, &os.PathError{Op: "write", Path: "fd", Err: unix.EPIPE}
		}
		if !done {
			remaining = append(remaining, op)
			continue
		}
		t := op.task
		finished = append(finished, func() { resolve(t, v, err) })
	}
	if len(remaining) == 0 {
		delete(r.pending, fd)
	} else {
		r.pending[fd] = remaining
	}
	// resolve after the table is consistent, continuations may submit more
	for _, fn := range finished {
		fn()
	}
}

// teardown cancels everything still pending and releases the wake pipe.
func (r *PollReactor) teardown() {
	var tasks []*task.Task
	for fd, ops := range r.pending {
		for _, op := range ops {
			tasks = append(tasks, op.task)
		}
		delete(r.pending, fd)
	}
	r.subMu.Lock()
	for _, s := range r.submissions {
		if s.t != nil {
			tasks = append(tasks, s.t)
		}
	}
	r.submissions = nil
	for t := range r.offloaded {
		tasks = append(tasks, t)
		delete(r.offloaded, t)
	}
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	r.subMu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Close implements Reactor.
func (r *PollReactor) Close() error {
	r.subMu.Lock()
	wasRunning, changed := r.shut()
	if wasRunning {
		r.wake()
	}
	r.subMu.Unlock()
	if !changed || wasRunning {
		return nil
	}
	r.teardown()
	r.finish()
	return nil
}
