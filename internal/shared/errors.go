package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a request that can never succeed as given.
	ErrInvalidInput = errors.New("invalid input")
)
