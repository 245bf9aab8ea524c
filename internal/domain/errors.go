package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrUnknownEffect        = errors.New("unknown effect")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrProviderRejected     = errors.New("provider rejected request")
	ErrMissingProviderState = errors.New("missing provider state")
	ErrQueueUnavailable     = errors.New("queue unavailable")
)
