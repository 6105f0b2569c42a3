//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package reactor

func newPollReactor(Options) (Reactor, error) {
	return nil, ErrUnsupportedKind
}
