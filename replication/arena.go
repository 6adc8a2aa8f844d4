package replication

import "sort"

// freeBlock is one contiguous unused byte range within the data arena.
type freeBlock struct {
	offset, length uint64
}

// arena is a first-fit free-list allocator over the fixed-size data
// region of the cache file. The persisted cache has no on-disk allocator
// of its own (original_source/betree/src/replication/tree.rs, the
// intended persistent B-tree index, is left unfinished in the source this
// was distilled from — spec.md's replication section explicitly does not
// require one); instead the free list is held in memory and reconstructed
// on Open by walking the live PLRU chain and treating every byte range
// not claimed by a live entry as free.
type arena struct {
	size uint64
	free []freeBlock // sorted by offset, no two entries adjacent
}

func newArena(size uint64) *arena {
	return &arena{size: size, free: []freeBlock{{offset: 0, length: size}}}
}

// rebuild resets the arena to the complement of used, the byte ranges
// owned by entries found live on reopen.
func (a *arena) rebuild(used []freeBlock) {
	sort.Slice(used, func(i, j int) bool { return used[i].offset < used[j].offset })
	var free []freeBlock
	var cursor uint64
	for _, u := range used {
		if u.offset > cursor {
			free = append(free, freeBlock{offset: cursor, length: u.offset - cursor})
		}
		cursor = u.offset + u.length
	}
	if cursor < a.size {
		free = append(free, freeBlock{offset: cursor, length: a.size - cursor})
	}
	a.free = free
}

// alloc reserves the first free block able to hold n bytes, splitting it
// if it is larger than needed.
func (a *arena) alloc(n uint64) (offset uint64, ok bool) {
	for i, b := range a.free {
		if b.length < n {
			continue
		}
		offset = b.offset
		if b.length == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeBlock{offset: b.offset + n, length: b.length - n}
		}
		return offset, true
	}
	return 0, false
}

// free returns [offset, offset+length) to the free list, merging with
// any adjacent free blocks.
func (a *arena) free_(offset, length uint64) {
	blk := freeBlock{offset: offset, length: length}
	a.free = append(a.free, blk)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].offset < a.free[j].offset })

	merged := a.free[:0]
	for _, b := range a.free {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.offset+last.length == b.offset {
				last.length += b.length
				continue
			}
		}
		merged = append(merged, b)
	}
	a.free = merged
}

// fits reports whether a block of n bytes could be allocated right now
// without any further eviction.
func (a *arena) fits(n uint64) bool {
	for _, b := range a.free {
		if b.length >= n {
			return true
		}
	}
	return false
}

// freeBytes is the total unallocated space across all free blocks.
func (a *arena) freeBytes() uint64 {
	var total uint64
	for _, b := range a.free {
		total += b.length
	}
	return total
}
