package dberrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("ceresdb: not found")
	ErrClosed           = errors.New("ceresdb: closed")
	ErrInvalidArgument  = errors.New("ceresdb: invalid argument")
	ErrIO               = errors.New("ceresdb: io error")
	ErrCorruption       = errors.New("ceresdb: corruption")
	ErrSchemaMismatch   = errors.New("ceresdb: schema mismatch")
	ErrArenaExhausted   = errors.New("ceresdb: arena exhausted")
	ErrManifestConflict = errors.New("ceresdb: manifest conflict")
	ErrFrozen           = errors.New("ceresdb: memtable frozen")
	ErrBackpressure     = errors.New("ceresdb: write stalled")
	ErrStaleWatermark   = errors.New("ceresdb: read watermark below gc horizon")
)

// IOError is a storage backend failure.
type IOError struct {
	Op        string
	Path      string
	Retryable bool
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ceresdb: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// CorruptionError names the segment (or object) that failed validation.
type CorruptionError struct {
	SegmentID uint64
	Path      string
	Reason    string
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("ceresdb: corruption in %s (segment %d): %s", e.Path, e.SegmentID, e.Reason)
	}
	return fmt.Sprintf("ceresdb: corruption in segment %d: %s", e.SegmentID, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

func Corruption(id uint64, format string, args ...any) error {
	return &CorruptionError{SegmentID: id, Reason: fmt.Sprintf(format, args...)}
}

// SchemaError describes why rows or a writer schema were rejected.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "ceresdb: schema mismatch: " + e.Reason
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchemaMismatch }

func SchemaMismatch(format string, args ...any) error {
	return &SchemaError{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return ioErr.Retryable
	}
	return false
}
