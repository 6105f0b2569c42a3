// Package limits centralizes the size limits of the Spark wire protocol.
//
// # Size Hierarchy
//
//   - MaxFramePayload (65535 bytes): the largest payload a frame can carry,
//     bounded by the four hex digit length header.
//   - MaxBlockSize (65524 bytes): the largest block data that fits in a
//     frame once the Block blob header (BlockOverhead, 11 bytes) is added.
//   - DefaultBlockSize (1024 bytes): the block size used by transfers
//     unless configured otherwise.
//
// Secure streams add EncryptionOverhead (16 bytes) to every Noise
// transport message; the noise package splits writes accordingly so frame
// sizes are unaffected.
//
// # Validation Functions
//
//	if err := limits.ValidateBlockSize(opts.BlockSize); err != nil {
//	    return err
//	}
//
// Errors wrap ErrMessageEmpty, ErrMessageTooLarge or ErrInvalidBlockSize
// and can be checked with errors.Is.
package limits
