package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected locally before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyInput is returned for blank languages and replies.
	ErrEmptyInput = fmt.Errorf("%w: input is empty", ErrValidation)
	// ErrNotFound is returned by stores when a key or record is absent.
	ErrNotFound = errors.New("not found")
)

// GenerationError wraps a failed call to the generation service.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed during %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed read or write against the persistence adapter.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
