// Package common holds small value types shared across the storage engine
// that don't belong to any single subsystem.
package common

import "fmt"

// StorageSize is a byte count with a human-readable String representation,
// used in log lines and metrics labels throughout the engine.
type StorageSize float64

func (s StorageSize) String() string {
	switch {
	case s > 1099511627776:
		return fmt.Sprintf("%.2f TiB", s/1099511627776)
	case s > 1073741824:
		return fmt.Sprintf("%.2f GiB", s/1073741824)
	case s > 1048576:
		return fmt.Sprintf("%.2f MiB", s/1048576)
	case s > 1024:
		return fmt.Sprintf("%.2f KiB", s/1024)
	default:
		return fmt.Sprintf("%.2f B", s)
	}
}

// PrettyDuration wraps a nanosecond count so logs render durations as
// milliseconds with exactly three decimal places (e.g. "1.500ms"), for
// write-back timing logs.
type PrettyDuration int64

func (d PrettyDuration) String() string {
	return fmt.Sprintf("%.3fms", float64(d)/1e6)
}
