package model

import (
	"errors"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedCommand = errors.New("malformed command")
	ErrCorruptRegistry  = errors.New("running registry is corrupted")
	ErrUnknownActivity  = errors.New("unknown activity type")
	ErrPoolClosed       = errors.New("worker pool closed")
	ErrGraceExceeded    = errors.New("grace period exceeded")
)
