package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ProtocolVersion names a message protocol.
type ProtocolVersion string

// ProtocolSparkV1 is the only protocol defined so far.
const ProtocolSparkV1 ProtocolVersion = "SPARKv1"

// DefaultNegotiationTimeout bounds a whole negotiation.
const DefaultNegotiationTimeout = 10 * time.Second

const (
	lineSupports     = "supports"
	lineProtocol     = "protocol"
	lineNotSupported = "not-supported"
)

// VersionNegotiator agrees on a protocol with the remote peer. The order
// of the supported versions is the local preference order; the acceptor's
// preference decides.
type VersionNegotiator struct {
	supportedVersions  []ProtocolVersion
	negotiationTimeout time.Duration
}

// NewVersionNegotiator creates a negotiator. An empty list means
// ProtocolSparkV1 only; a non-positive timeout means
// DefaultNegotiationTimeout.
func NewVersionNegotiator(supported []ProtocolVersion, timeout time.Duration) *VersionNegotiator {
	if len(supported) == 0 {
		supported = []ProtocolVersion{ProtocolSparkV1}
	}
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	return &VersionNegotiator{
		supportedVersions:  append([]ProtocolVersion(nil), supported...),
		negotiationTimeout: timeout,
	}
}

// SupportedVersions returns the local preference list.
func (vn *VersionNegotiator) SupportedVersions() []ProtocolVersion {
	return append([]ProtocolVersion(nil), vn.supportedVersions...)
}

// Timeout returns the negotiation timeout.
func (vn *VersionNegotiator) Timeout() time.Duration {
	return vn.negotiationTimeout
}

// IsVersionSupported reports whether v is in the local list.
func (vn *VersionNegotiator) IsVersionSupported(v ProtocolVersion) bool {
	for _, s := range vn.supportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// SelectBestVersion returns the first local version the peer also
// supports.
func (vn *VersionNegotiator) SelectBestVersion(peer []ProtocolVersion) (ProtocolVersion, bool) {
	for _, local := range vn.supportedVersions {
		for _, remote := range peer {
			if local == remote {
				return local, true
			}
		}
	}
	return "", false
}

func negotiationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNegotiation, fmt.Sprintf(format, args...))
}

// Negotiate runs the handshake on conn as initiator or acceptor. If the
// handshake does not finish within the timeout, closer is closed to
// unblock it; closer may be nil when conn enforces its own deadlines.
func (vn *VersionNegotiator) Negotiate(conn LineConn, initiator bool, closer interface{ Close() error }) (ProtocolVersion, error) {
	var timedOut chan struct{}
	if closer != nil {
		timedOut = make(chan struct{})
		timer := time.AfterFunc(vn.negotiationTimeout, func() {
			close(timedOut)
			closer.Close()
		})
		defer timer.Stop()
	}

	var (
		v   ProtocolVersion
		err error
	)
	if initiator {
		v, err = vn.Initiate(conn)
	} else {
		v, err = vn.Respond(conn)
	}
	if err != nil && timedOut != nil {
		select {
		case <-timedOut:
			err = negotiationError("timed out after %s: %v", vn.negotiationTimeout, err)
		default:
		}
	}
	return v, err
}

// Initiate runs the initiator side of the handshake.
func (vn *VersionNegotiator) Initiate(conn LineConn) (ProtocolVersion, error) {
	names := make([]string, len(vn.supportedVersions))
	for i, v := range vn.supportedVersions {
		names[i] = string(v)
	}
	if err := conn.WriteLine(lineSupports + " " + strings.Join(names, " ")); err != nil {
		return "", fmt.Errorf("send supported protocols: %w", err)
	}

	line, err := conn.ReadLine()
	if err != nil {
		return "", fmt.Errorf("read protocol choice: %w", err)
	}
	if line == lineNotSupported {
		return "", negotiationError("peer supports none of %v", names)
	}
	chosen, ok := parseProtocolLine(line)
	if !ok {
		return "", negotiationError("unexpected reply %q", line)
	}
	if !vn.IsVersionSupported(chosen) {
		return "", negotiationError("peer chose unsupported protocol %q", chosen)
	}
	if err := conn.WriteLine(lineProtocol + " " + string(chosen)); err != nil {
		return "", fmt.Errorf("confirm protocol: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Initiate",
		"protocol": string(chosen),
	}).Info("Negotiated protocol")
	return chosen, nil
}

// Respond runs the acceptor side of the handshake.
func (vn *VersionNegotiator) Respond(conn LineConn) (ProtocolVersion, error) {
	line, err := conn.ReadLine()
	if err != nil {
		return "", fmt.Errorf("read supported protocols: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != lineSupports {
		return "", negotiationError("unexpected opening %q", line)
	}
	peer := make([]ProtocolVersion, 0, len(fields)-1)
	for _, f := range fields[1:] {
		peer = append(peer, ProtocolVersion(f))
	}

	chosen, ok := vn.SelectBestVersion(peer)
	if !ok {
		if err := conn.WriteLine(lineNotSupported); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Respond",
				"error":    err.Error(),
			}).Debug("Could not send not-supported")
		}
		return "", negotiationError("no common protocol in %v", fields[1:])
	}
	if err := conn.WriteLine(lineProtocol + " " + string(chosen)); err != nil {
		return "", fmt.Errorf("send protocol choice: %w", err)
	}

	line, err = conn.ReadLine()
	if err != nil {
		return "", fmt.Errorf("read protocol confirmation: %w", err)
	}
	echoed, ok := parseProtocolLine(line)
	if !ok || echoed != chosen {
		return "", negotiationError("peer confirmed %q, expected %q", line, chosen)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Respond",
		"protocol": string(chosen),
	}).Info("Negotiated protocol")
	return chosen, nil
}

func parseProtocolLine(line string) (ProtocolVersion, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != lineProtocol {
		return "", false
	}
	return ProtocolVersion(fields[1]), true
}
