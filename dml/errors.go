package dml

import "github.com/pkg/errors"

// Error conditions surfaced by the DML (spec.md §4.3, §7). Retries are
// local only for transient I/O at the pool boundary; everything else
// propagates to the caller.
var (
	ErrObjectNotFound   = errors.New("dml: object not found")
	ErrChecksumMismatch = errors.New("dml: checksum mismatch")
	ErrOutOfSpace       = errors.New("dml: out of space")
	ErrIO               = errors.New("dml: io error")
	ErrSerialization    = errors.New("dml: serialization error")
	ErrNotModified      = errors.New("dml: reference is not modified")
	ErrUnknownPrefetch  = errors.New("dml: unknown prefetch session")
)
