package protocol

import "errors"

var (
	ErrRoutingMalformed    = errors.New("protocol: malformed routing header")
	ErrBodyDecode          = errors.New("protocol: body decode failed")
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
)
