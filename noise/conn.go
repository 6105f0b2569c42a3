package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"
)

const (
	// MaxMessageSize is the largest Noise message, ciphertext included.
	MaxMessageSize = 65535
	tagSize        = 16
	// maxPlaintext is the largest chunk one transport message can carry.
	maxPlaintext = MaxMessageSize - tagSize
)

// writeFrame sends msg with a 2-byte big endian length prefix.
func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("noise message of %d bytes exceeds %d", len(msg), MaxMessageSize)
	}
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one length-prefixed message.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

// SecureConn carries an encrypted byte stream over a connection that
// completed the XX handshake. Each Write is split into transport messages
// of at most maxPlaintext bytes; Read returns decrypted bytes in order.
type SecureConn struct {
	conn net.Conn
	peer []byte

	rmu  sync.Mutex
	recv *noise.CipherState
	rbuf []byte

	wmu  sync.Mutex
	send *noise.CipherState
}

func newSecureConn(conn net.Conn, hs *XXHandshake) (*SecureConn, error) {
	send, recv, err := hs.GetCipherStates()
	if err != nil {
		return nil, err
	}
	peer, err := hs.GetRemoteStaticKey()
	if err != nil {
		return nil, err
	}
	return &SecureConn{conn: conn, peer: peer, send: send, recv: recv}, nil
}

// Read implements io.Reader.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.rbuf) == 0 {
		msg, err := readFrame(c.conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, msg)
		if err != nil {
			return 0, fmt.Errorf("noise decrypt: %w", err)
		}
		c.rbuf = plain
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

// Write implements io.Writer.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		msg, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("noise encrypt: %w", err)
		}
		if err := writeFrame(c.conn, msg); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Close closes the underlying connection.
func (c *SecureConn) Close() error { return c.conn.Close() }

func (c *SecureConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *SecureConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// PeerKey returns the peer's static public key.
func (c *SecureConn) PeerKey() []byte {
	return append([]byte(nil), c.peer...)
}
