package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrTemporary    = errors.New("temporary failure")

	// Pipeline kinds. ErrData and ErrUpload are isolated per unit of work,
	// the rest abort the operation that produced them.
	ErrData       = errors.New("data error")
	ErrUpload     = errors.New("upload error")
	ErrRetrieval  = errors.New("retrieval error")
	ErrGeneration = errors.New("generation error")
	ErrSetup      = errors.New("setup error")
	ErrTimeout    = errors.New("timeout")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
