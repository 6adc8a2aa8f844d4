// Package node implements the tree's on-disk object: internal nodes with
// message buffers, and the three leaf shapes (spec.md §3, §4.4).
package node

import "github.com/strataeng/strata/storagepool"

// KeyInfo is per-entry metadata carried alongside every key, at minimum a
// storage preference (spec.md §3).
type KeyInfo struct {
	StoragePreference storagepool.StoragePreference
}

// Merge combines two KeyInfos by choosing the stricter (faster) storage
// preference, matching spec.md §3: "Two preferences merge by choosing the
// stricter (faster) tier."
func (a KeyInfo) Merge(b KeyInfo) KeyInfo {
	return KeyInfo{StoragePreference: a.StoragePreference.Merge(b.StoragePreference)}
}

// DefaultKeyInfo carries no storage preference.
func DefaultKeyInfo() KeyInfo {
	return KeyInfo{StoragePreference: storagepool.NoPreference}
}
