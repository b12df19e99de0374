package ant

import "errors"

// Protocol and transport errors
var (
	// ErrStickNotFound indicates no ANT USB stick is plugged in
	ErrStickNotFound = errors.New("USB ANT stick not found")

	// ErrTimeout indicates the reader could not produce a frame in time
	ErrTimeout = errors.New("timed out waiting for message")

	// ErrBadChecksum indicates a received frame failed checksum validation
	ErrBadChecksum = errors.New("bad message checksum")

	// ErrUnexpectedResponse indicates a valid frame arrived but not the
	// one awaited (wrong channel, wrong command or non-zero status)
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrPairingMismatch indicates the channel id reply disagrees with a
	// previously learned master device
	ErrPairingMismatch = errors.New("paired with a different device than requested")

	// ErrNoFreeChannel indicates the stick has no channel numbers left
	ErrNoFreeChannel = errors.New("no more channel numbers left")

	// ErrMessageTooLong indicates a payload over the 255 byte frame limit
	ErrMessageTooLong = errors.New("message payload too long")

	// ErrChannelClosed indicates an operation on a closed channel
	ErrChannelClosed = errors.New("channel is closed")
)
