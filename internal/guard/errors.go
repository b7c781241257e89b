package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedFormat is matched by a *FormatError.
	ErrUnrecognizedFormat = errors.New("unrecognized image format")
	// ErrNoLoadConfig means the image has no load configuration directory.
	ErrNoLoadConfig = errors.New("image has no load configuration directory")
	// ErrNoFunctionTable means the load configuration declares functions
	// but no table to hold them.
	ErrNoFunctionTable = errors.New("load configuration has no guard CF function table")
	// ErrInvalidDepth is returned for a search depth below one.
	ErrInvalidDepth = errors.New("search depth must be at least 1")
	// ErrExpansionLimit is returned together with a partial result when a
	// search hits its expansion budget.
	ErrExpansionLimit = errors.New("search expansion limit reached")
)

// FormatError reports an optional header magic that is neither PE32 nor
// PE32+.
type FormatError struct {
	Magic uint16
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unknown optional header magic 0x%x", e.Magic)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrUnrecognizedFormat
}
