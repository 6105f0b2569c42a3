// Package noise secures transport streams with the Noise Protocol
// Framework.
//
// Connections are upgraded with the XX pattern from the flynn/noise
// library, using ChaCha20-Poly1305 encryption, SHA256 hashing and
// Curve25519 key exchange. XX fits a file-sharing peer: neither side knows
// the other's static key before connecting, and both keys are exchanged
// under encryption.
//
// # Message flow
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// Every handshake and transport message is prefixed with its length as a
// 2-byte big endian integer. A transport message carries at most 65519
// plaintext bytes, so large writes are split.
//
// # Usage
//
// Upgrader implements transport.Upgrader and is installed through
// transport.TCPOptions:
//
//	keys, _ := crypto.GenerateKeyPair()
//	opts := transport.DefaultTCPOptions()
//	opts.Upgrader = noise.NewUpgrader(keys)
//	t := transport.NewTCPTransport(r, opts)
//
// Every transport.Conn then wraps a SecureConn and carries the peer's
// static public key in its Peer field. Set Upgrader.Verify to refuse
// unknown peers.
//
// XXHandshake can also be driven by hand:
//
//	hs, err := noise.NewXXHandshake(keys.Private[:], noise.Initiator)
//	msg, _, err := hs.WriteMessage(nil)
//	// send msg, read reply ...
//	_, complete, err := hs.ReadMessage(reply)
package noise
