package models

import (
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation error")
	ErrNotActive     = errors.New("item is not active")
	ErrBatchInFlight = errors.New("a batch is still in flight")
	ErrInvalidLimit  = errors.New("concurrency limit must be a positive integer")
)
