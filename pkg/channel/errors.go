package channel

import "errors"

var (
	// ErrCommandTimeout reports that no ack arrived for a command within
	// the ack window. Only the timed-out command is rejected; the channel
	// stays up.
	ErrCommandTimeout = errors.New("channel: command ack timeout")

	// ErrChannelClosed reports that the channel closed with the command
	// still unresolved, or that a send was attempted after Close.
	ErrChannelClosed = errors.New("channel: channel closed")
)
