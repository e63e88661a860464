package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("appointment not found")
	ErrVersionConflict   = errors.New("appointment was modified concurrently")
	ErrInvalidTransition = errors.New("invalid appointment status transition")
	ErrInvalid           = errors.New("invalid appointment")
)

func invalid(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, msg)
}
