package peerbox

import (
	"errors"
	"fmt"

	"github.com/raskyld/peerbox/pkg/inbox"
	"github.com/raskyld/peerbox/pkg/link"
	"github.com/raskyld/peerbox/pkg/registry"
)

var (
	// ErrUnresolvedAddress is returned when the registry kept answering
	// RETRY for an address.
	ErrUnresolvedAddress = registry.ErrUnresolvedAddress

	// ErrProtocolViolation is returned when the registry answered something
	// we do not understand.
	ErrProtocolViolation = registry.ErrProtocolViolation

	// ErrTransport is returned when a frame or a registry request could not
	// be written. No retry is attempted.
	ErrTransport = link.ErrTransport

	// ErrTooLarge is returned when a message could never fit in the inbox
	// of its destination.
	ErrTooLarge = inbox.ErrTooLarge

	ErrSizeMismatch = errors.New("peerbox: buffer size does not match the message size")
	ErrClosed       = errors.New("peerbox: peer closed")
	ErrInvalidCfg   = errors.New("peerbox: invalid options")
	ErrNotMember    = errors.New("peerbox: address is not a member of the context")
	ErrInvalidRoot  = errors.New("peerbox: root is not a member of the context")
)

// translate maps the errors of the components onto the errors of this
// package, so callers only check for the sentinels above.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, inbox.ErrClosed),
		errors.Is(err, link.ErrClosed),
		errors.Is(err, registry.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, registry.ErrTransport):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	default:
		return err
	}
}

func sizeMismatch(expected, got int) error {
	return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, expected, got)
}
