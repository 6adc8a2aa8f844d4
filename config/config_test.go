package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strataeng/strata/migration"
)

func TestDefaultIsAlreadySanitary(t *testing.T) {
	d := Default()
	require.Equal(t, d, d.Sanitize())
}

func TestSanitizeFillsZeroValueDefaults(t *testing.T) {
	var d Database
	out := d.Sanitize()

	require.Equal(t, uint64(defaultCacheCapacity), out.CacheCapacity)
	require.Equal(t, defaultPrefetchWorkers, out.PrefetchWorkers)
	require.Equal(t, migration.PolicyNoop, out.Migration.Kind)
	require.False(t, out.Replication.Enabled())
}

func TestSanitizeEnablesReplicationOnlyWithPath(t *testing.T) {
	d := Database{Replication: Replication{Path: "cache.bin"}}
	out := d.Sanitize()

	require.True(t, out.Replication.Enabled())
	require.Equal(t, uint64(defaultReplicationSize), out.Replication.Bytes)
	require.Equal(t, uint32(defaultNodeCapacity), out.Replication.NodeCapacity)
}

func TestSanitizeClampsMigrationThresholds(t *testing.T) {
	cfg := migration.DefaultLfuConfig()
	cfg.Tuning.MigrationThreshold[0] = 4.2
	d := Database{Migration: migration.LfuSpec(cfg)}

	out := d.Sanitize()
	require.Equal(t, float32(1), out.Migration.Lfu.Tuning.MigrationThreshold[0])
}
