package node

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/storagepool"
)

// packedHeaderSize is the fixed header preceding the two packed
// regions: meta_len(4) | data_len(4) | storage_pref(1) | sys_pref(1) |
// entries_size(4) (spec.md §4.4 "Packed leaf format"). The node prefix
// (checksum/length header written by the DML) precedes all of this and
// is not part of what this package encodes.
const packedHeaderSize = 4 + 4 + 1 + 1 + 4

// PackedEntry is one key/value/info triple as stored in a leaf.
type PackedEntry struct {
	Key   []byte
	Info  KeyInfo
	Value []byte
}

// EncodeLeaf produces the bit-exact packed leaf format of spec.md §4.4:
//
//	meta_len:u32 LE | data_len:u32 LE | storage_pref:u8 | sys_pref:u8 |
//	entries_size:u32 LE |
//	(key_len:u32 LE | val_off:u32 LE | val_len:u32 LE | key_bytes)* |
//	(key_info:u8 | value_bytes)*
//
// entries must already be sorted by Key. storagePref/sysPref are the
// node-level preference bytes carried in the header.
func EncodeLeaf(entries []PackedEntry, storagePref, sysPref storagepool.StoragePreference) []byte {
	var meta, data []byte

	for _, e := range entries {
		valOff := uint32(len(data)) + 1 // +1: key_info byte precedes value bytes
		data = append(data, byte(e.Info.StoragePreference))
		data = append(data, e.Value...)

		meta = appendU32(meta, uint32(len(e.Key)))
		meta = appendU32(meta, valOff)
		meta = appendU32(meta, uint32(len(e.Value)))
		meta = append(meta, e.Key...)
	}

	out := make([]byte, 0, packedHeaderSize+len(meta)+len(data))
	out = appendU32(out, uint32(len(meta)))
	out = appendU32(out, uint32(len(data)))
	out = append(out, byte(storagePref), byte(sysPref))
	out = appendU32(out, uint32(len(entries)))
	out = append(out, meta...)
	out = append(out, data...)
	return out
}

// DecodeLeaf parses the packed leaf format back into entries, in the
// same order they were encoded (already key-sorted).
func DecodeLeaf(buf []byte) (entries []PackedEntry, storagePref, sysPref storagepool.StoragePreference, err error) {
	if len(buf) < packedHeaderSize {
		return nil, 0, 0, errors.New("node: packed leaf shorter than header")
	}
	metaLen := readU32(buf[0:4])
	dataLen := readU32(buf[4:8])
	storagePref = storagepool.StoragePreference(buf[8])
	sysPref = storagepool.StoragePreference(buf[9])
	count := readU32(buf[10:14])

	meta := buf[packedHeaderSize:]
	if uint32(len(meta)) < metaLen {
		return nil, 0, 0, errors.New("node: packed leaf truncated meta region")
	}
	data := buf[packedHeaderSize+int(metaLen):]
	if uint32(len(data)) < dataLen {
		return nil, 0, 0, errors.New("node: packed leaf truncated data region")
	}
	data = data[:dataLen]

	entries = make([]PackedEntry, 0, count)
	pos := uint32(0)
	for i := uint32(0); i < count; i++ {
		if pos+12 > metaLen {
			return nil, 0, 0, errors.New("node: packed leaf meta entry out of bounds")
		}
		keyLen := readU32(meta[pos : pos+4])
		valOff := readU32(meta[pos+4 : pos+8])
		valLen := readU32(meta[pos+8 : pos+12])
		pos += 12
		if pos+keyLen > metaLen {
			return nil, 0, 0, errors.New("node: packed leaf key out of bounds")
		}
		key := append([]byte(nil), meta[pos:pos+keyLen]...)
		pos += keyLen

		if valOff == 0 || valOff-1 >= uint32(len(data)) || valOff+valLen > uint32(len(data)) {
			return nil, 0, 0, errors.New("node: packed leaf value out of bounds")
		}
		info := KeyInfo{StoragePreference: storagepool.StoragePreference(data[valOff-1])}
		value := append([]byte(nil), data[valOff:valOff+valLen]...)

		entries = append(entries, PackedEntry{Key: key, Info: info, Value: value})
	}
	return entries, storagePref, sysPref, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
