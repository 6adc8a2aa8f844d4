package replication

import "github.com/pkg/errors"

var (
	// ErrCacheFull is returned when even evicting every entry would not
	// make room for a new one (spec.md §4.5).
	ErrCacheFull = errors.New("replication: entry larger than cache capacity")
	// ErrWriteBackFailed wraps a write-back callback's error; per
	// spec.md §4.5 no part of the insertion is applied when this occurs.
	ErrWriteBackFailed = errors.New("replication: write-back of evicted entry failed")
	// ErrCorrupt names a persistent cache file whose header or node table
	// is inconsistent. Open does not return it: a file whose header does
	// not match the configuration is reinitialized instead.
	ErrCorrupt = errors.New("replication: persistent cache file is corrupt")
)
