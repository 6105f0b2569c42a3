package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/xya/spark/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrPeerRejected is returned when Upgrader.Verify refuses the peer key.
	ErrPeerRejected = errors.New("peer rejected")
)

// cipherSuite is shared by every handshake.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message (the dialing side)
	Initiator HandshakeRole = iota
	// Responder answers it (the accepting side)
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// XXHandshake implements the Noise XX pattern: both static keys are
// exchanged encrypted, so neither side needs to know the other in advance.
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
type XXHandshake struct {
	role        HandshakeRole
	state       *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	localPubKey []byte
}

// NewXXHandshake creates a new XX pattern handshake.
// staticPrivKey is our long-term private key (32 bytes).
func NewXXHandshake(staticPrivKey []byte, role HandshakeRole) (*XXHandshake, error) {
	if len(staticPrivKey) != 32 {
		return nil, fmt.Errorf("static private key must be 32 bytes, got %d", len(staticPrivKey))
	}

	var privateKeyArray [32]byte
	copy(privateKeyArray[:], staticPrivKey)
	keyPair, err := crypto.FromSecretKey(privateKeyArray)
	crypto.ZeroBytes(privateKeyArray[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])
	crypto.ZeroBytes(keyPair.Private[:])

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{
		role:        role,
		state:       hs,
		localPubKey: staticKey.Public,
	}, nil
}

// WriteMessage produces the next handshake message carrying payload. The
// bool result reports whether this message completed the handshake.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake write failed: %w", err)
	}
	return message, xx.finish(cs1, cs2), nil
}

// ReadMessage consumes a handshake message from the peer and returns its
// payload.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake read failed: %w", err)
	}
	return payload, xx.finish(cs1, cs2), nil
}

// finish stores the split cipher states. cs1 always protects the
// initiator-to-responder direction.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) bool {
	if cs1 == nil || cs2 == nil {
		return false
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	xx.complete = true
	return true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// Role returns the side of the handshake.
func (xx *XXHandshake) Role() HandshakeRole {
	return xx.role
}

// GetCipherStates returns the send and receive cipher states.
func (xx *XXHandshake) GetCipherStates() (send, recv *noise.CipherState, err error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static key after completion.
func (xx *XXHandshake) GetRemoteStaticKey() ([]byte, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), xx.state.PeerStatic()...), nil
}

// GetLocalStaticKey returns a copy of our static public key.
func (xx *XXHandshake) GetLocalStaticKey() []byte {
	return append([]byte(nil), xx.localPubKey...)
}
