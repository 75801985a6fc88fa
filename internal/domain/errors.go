package domain

import "errors"

var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrStoreUnavailable = errors.New("notification store unavailable")
)
