package domain

import "errors"

var (
	ErrBusClosed      = errors.New("broadcast bus is closed")
	ErrHandleClosed   = errors.New("subscriber handle is closed")
	ErrInvalidPayload = errors.New("payload is not valid UTF-8")
)
