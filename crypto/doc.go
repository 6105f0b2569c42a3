// Package crypto holds the static key material used by the secure stream
// upgrade.
//
// A node is identified by a Curve25519 key pair. The public half is what a
// peer learns after the Noise XX handshake in package noise and is logged
// as the peer identity.
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("public key:", kp.PublicKeyString())
//
// Keys stored as hex can be restored with ParseSecretKey. Private key
// copies should be erased with ZeroBytes or WipeKeyPair once handed to the
// handshake.
//
// LoggerHelper wraps logrus with the function and package fields this
// package and package noise attach to every entry.
package crypto
