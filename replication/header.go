package replication

import "encoding/binary"

// headerSize is the fixed-width file header preceding the node table and
// data arena.
const headerSize = 64

var headerMagic = [8]byte{'s', 't', 'r', 'p', 'c', 'a', 'c', 'h'}

const headerVersion uint32 = 1

const (
	headerOffMagic        = 0
	headerOffVersion      = 8
	headerOffNodeCapacity = 12
	headerOffArenaSize    = 16
	headerOffHead         = 24
	headerOffTail         = 28
	headerOffCount        = 32
	headerOffUsedBytes    = 36
)

// fileHeader is the persisted root of the cache, analogous to
// original_source/betree/src/replication/mod.rs's PCacheRoot<T> (lru head
// and tail plus the live entry count and byte budget).
type fileHeader struct {
	nodeCapacity uint32
	arenaSize    uint64
	head, tail   uint32
	count        uint32
	usedBytes    uint64
}

func decodeHeader(buf []byte) (fileHeader, bool) {
	var h fileHeader
	if [8]byte(buf[:8]) != headerMagic || binary.LittleEndian.Uint32(buf[headerOffVersion:]) != headerVersion {
		return h, false
	}
	h.nodeCapacity = binary.LittleEndian.Uint32(buf[headerOffNodeCapacity:])
	h.arenaSize = binary.LittleEndian.Uint64(buf[headerOffArenaSize:])
	h.head = binary.LittleEndian.Uint32(buf[headerOffHead:])
	h.tail = binary.LittleEndian.Uint32(buf[headerOffTail:])
	h.count = binary.LittleEndian.Uint32(buf[headerOffCount:])
	h.usedBytes = binary.LittleEndian.Uint64(buf[headerOffUsedBytes:])
	return h, true
}

func encodeHeader(buf []byte, h fileHeader) {
	copy(buf[headerOffMagic:], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[headerOffVersion:], headerVersion)
	binary.LittleEndian.PutUint32(buf[headerOffNodeCapacity:], h.nodeCapacity)
	binary.LittleEndian.PutUint64(buf[headerOffArenaSize:], h.arenaSize)
	binary.LittleEndian.PutUint32(buf[headerOffHead:], h.head)
	binary.LittleEndian.PutUint32(buf[headerOffTail:], h.tail)
	binary.LittleEndian.PutUint32(buf[headerOffCount:], h.count)
	binary.LittleEndian.PutUint64(buf[headerOffUsedBytes:], h.usedBytes)
}
