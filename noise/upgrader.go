package noise

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/xya/spark/crypto"
	"github.com/xya/spark/transport"
)

// Upgrader runs the XX handshake on new connections. It implements
// transport.Upgrader.
type Upgrader struct {
	keys *crypto.KeyPair
	// Verify, when set, is called with the peer's static key once the
	// handshake completes. A non-nil error aborts the connection.
	Verify func(peer []byte) error
}

// NewUpgrader returns an Upgrader authenticating as keys.
func NewUpgrader(keys *crypto.KeyPair) *Upgrader {
	return &Upgrader{keys: keys}
}

// PublicKey returns the local static public key.
func (u *Upgrader) PublicKey() []byte {
	return append([]byte(nil), u.keys.Public[:]...)
}

// Upgrade performs the handshake over conn. The deadline of ctx bounds
// the exchange and cancelling ctx interrupts it.
func (u *Upgrader) Upgrade(ctx context.Context, conn net.Conn, initiator bool) (transport.Stream, transport.PeerIdentity, error) {
	role := Responder
	if initiator {
		role = Initiator
	}
	log := crypto.NewPackageLogger("noise", "Upgrade").WithFields(map[string]interface{}{
		"role":   role.String(),
		"remote": conn.RemoteAddr().String(),
	})

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer func() {
		stop()
		conn.SetDeadline(time.Time{})
	}()

	hs, err := NewXXHandshake(u.keys.Private[:], role)
	if err != nil {
		return nil, nil, err
	}
	if err := runHandshake(conn, hs); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		log.WithError(err, "handshake").Warn("Noise handshake failed")
		return nil, nil, err
	}

	sc, err := newSecureConn(conn, hs)
	if err != nil {
		return nil, nil, err
	}
	if u.Verify != nil {
		if err := u.Verify(sc.PeerKey()); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrPeerRejected, err)
		}
	}
	log.WithFields(crypto.SecureFieldHash(sc.peer, "peer_key")).Info("Noise handshake complete")
	return sc, transport.PeerIdentity(sc.PeerKey()), nil
}

// runHandshake exchanges the three XX messages.
func runHandshake(conn net.Conn, hs *XXHandshake) error {
	writeNext := func() error {
		msg, _, err := hs.WriteMessage(nil)
		if err != nil {
			return err
		}
		return writeFrame(conn, msg)
	}
	readNext := func() error {
		msg, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("read handshake message: %w", err)
		}
		_, _, err = hs.ReadMessage(msg)
		return err
	}

	steps := []func() error{readNext, writeNext, readNext}
	if hs.Role() == Initiator {
		steps = []func() error{writeNext, readNext, writeNext}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if !hs.IsComplete() {
		return ErrHandshakeNotComplete
	}
	return nil
}
