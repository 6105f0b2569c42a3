package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFramePayload is the largest payload a frame header can describe
	// (four hex digits).
	MaxFramePayload = 0xffff

	// BlockOverhead is the fixed part of a Block blob: marker, type id,
	// transfer id, block id and data length.
	BlockOverhead = 1 + 2 + 2 + 4 + 2

	// MaxBlockSize is the largest block that fits in one frame.
	MaxBlockSize = MaxFramePayload - BlockOverhead

	// DefaultBlockSize is the block size transfers use unless configured.
	DefaultBlockSize = 1024

	// EncryptionOverhead is the Poly1305 tag added to every Noise
	// transport message.
	EncryptionOverhead = 16

	// MaxFileNameLength bounds the names accepted from remote file lists.
	MaxFileNameLength = 4096
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidBlockSize indicates a block size outside [1, MaxBlockSize].
	ErrInvalidBlockSize = errors.New("invalid block size")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateFramePayload checks that payload fits in a single frame.
func ValidateFramePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxFramePayload)
	}
	return nil
}

// ValidateBlockData checks the data of one block. Empty blocks are valid.
func ValidateBlockData(data []byte) error {
	if len(data) > MaxBlockSize {
		return fmt.Errorf("%w: block size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxBlockSize)
	}
	return nil
}

// ValidateBlockSize checks a configured transfer block size.
func ValidateBlockSize(size int) error {
	if size <= 0 || size > MaxBlockSize {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidBlockSize, size, MaxBlockSize)
	}
	return nil
}

// ValidateFileName checks a file name received from a peer.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrMessageEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: name length %d exceeds limit %d", ErrMessageTooLarge, len(name), MaxFileNameLength)
	}
	return nil
}
