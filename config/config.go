// Package config defines the plain struct configuration tree for a
// database (spec.md §6: "Migration config (persisted in database
// config)"), populated by an out-of-scope loader and passed through
// Sanitize before use, in the idiom of the teacher's
// triedb.Config/pathdb nested configuration structs ("zero value means
// use the default" defaulting, not a validating parser).
package config

import (
	"github.com/strataeng/strata/checksum"
	"github.com/strataeng/strata/compression"
	"github.com/strataeng/strata/migration"
	"github.com/strataeng/strata/objectptr"
)

const (
	defaultCacheCapacity   = 256 << 20
	defaultPrefetchWorkers = 32
	defaultReplicationSize = 64 << 20
	defaultNodeCapacity    = 1 << 16
)

// Replication configures the persistent replication cache backing a
// database (spec.md §4.5).
type Replication struct {
	// Path is the backing file for the replication cache. Empty disables
	// replication entirely: the database runs without one.
	Path string
	// Bytes is the byte budget for cached values.
	Bytes uint64
	// NodeCapacity bounds how many entries the cache may hold at once.
	NodeCapacity uint32
}

// Enabled reports whether a replication cache should be opened.
func (r Replication) Enabled() bool { return r.Path != "" }

func (r Replication) sanitize() Replication {
	out := r
	if out.Bytes == 0 {
		out.Bytes = defaultReplicationSize
	}
	if out.NodeCapacity == 0 {
		out.NodeCapacity = defaultNodeCapacity
	}
	return out
}

// Database is the top-level configuration consumed by strata.Open.
type Database struct {
	// Dataset identifies this database's objects in reporting (spec.md
	// §6's DmlMsg/DatabaseMsg channels).
	Dataset objectptr.DatasetID
	// CacheCapacity is the byte budget for the in-memory node cache.
	CacheCapacity uint64
	// PrefetchWorkers bounds the DML's prefetch goroutine pool.
	PrefetchWorkers int
	// CompressionTag selects the on-disk compression codec (spec.md §6's
	// node prefix "decompression_tag").
	CompressionTag compression.Tag
	// ChecksumTag selects the on-disk checksum algorithm.
	ChecksumTag checksum.Tag
	// Migration configures the background migration controller (spec.md
	// §4.6, §6).
	Migration migration.PolicySpec
	// Replication configures the persistent replication cache. Zero value
	// (empty Path) disables it.
	Replication Replication
}

// Default returns a Database configuration usable as-is: no replication
// cache, a Noop migration policy, and the teacher's usual cache/prefetch
// sizing.
func Default() Database {
	return Database{
		CacheCapacity:   defaultCacheCapacity,
		PrefetchWorkers: defaultPrefetchWorkers,
		CompressionTag:  compression.TagNone,
		ChecksumTag:     checksum.TagXxHash64,
		Migration:       migration.NoopSpec(),
	}
}

// Sanitize fills in zero-valued fields with their defaults and clamps
// nested config (migration's tier thresholds, replication's sizing).
// Mirrors the teacher's DatabaseConfiguration-style Sanitize passes: a
// cheap, total function safe to call on any user-constructed value
// before wiring it into strata.Open.
func (d Database) Sanitize() Database {
	out := d
	if out.CacheCapacity == 0 {
		out.CacheCapacity = defaultCacheCapacity
	}
	if out.PrefetchWorkers <= 0 {
		out.PrefetchWorkers = defaultPrefetchWorkers
	}
	out.Migration = out.Migration.Sanitize()
	if out.Replication.Enabled() {
		out.Replication = out.Replication.sanitize()
	}
	return out
}
