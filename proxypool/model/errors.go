package model

import (
	"errors"
	"fmt"
)

// ErrNoResource matches any *NoResourceError via errors.Is.
var ErrNoResource = errors.New("no eligible resource")

// NoResourceError is returned when a pool or rotator has nothing eligible.
type NoResourceError struct {
	Capability Capability
	Source     string // "pool" or "rotator"
}

func (e *NoResourceError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("%s: no eligible resource", e.Source)
	}
	return fmt.Sprintf("%s: no eligible resource for capability %s", e.Source, e.Capability)
}

func (e *NoResourceError) Is(target error) bool { return target == ErrNoResource }

// ValidationFailure describes a failed health check. It is recorded on the resource and
// logged, never returned to request callers.
type ValidationFailure struct {
	ResourceID string
	Err        error
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation of %s failed: %v", e.ResourceID, e.Err)
}

func (e *ValidationFailure) Unwrap() error { return e.Err }
