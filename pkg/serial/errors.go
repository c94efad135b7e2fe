package serial

import "errors"

var (
	// ErrPortUnavailable reports that a hardware port cannot be claimed or
	// opened: it does not exist, the OS refused it, or another session
	// already owns it.
	ErrPortUnavailable = errors.New("serial: port unavailable")

	// ErrLinkClosed reports a send attempted while the link is not open.
	ErrLinkClosed = errors.New("serial: link closed")
)
