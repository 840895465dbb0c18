package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotFound         = errors.New("record not found")
	ErrBadLane          = errors.New("unknown lane")
	ErrNotHolder        = errors.New("not the lock holder")
	ErrUnknownAction    = errors.New("unknown event action")
)
