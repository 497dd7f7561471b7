package registry

import "errors"

var (
	ErrProtocolViolation = errors.New("registry: protocol violation")
	ErrUnresolvedAddress = errors.New("registry: address could not be resolved")
	ErrTransport         = errors.New("registry: transport error")
	ErrInvalidCfg        = errors.New("registry: invalid options")
	ErrClosed            = errors.New("registry: closed")
)
