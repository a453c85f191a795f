package cacheengine

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// TileID is the immutable key identifying one cached tile: which file
// (by canonical *FileRecord pointer, so deduplicated files share
// identity), which subimage, and the tile's origin in that subimage's
// coordinate system. x, y and z are always multiples of the subimage's
// tile extents.
//
// TileID is a value type: comparable with ==, safe to use as a map key,
// and cheap to copy. Two TileIDs referring to the same file must carry
// the identical *FileRecord pointer — FileTable.find_or_create always
// follows the duplicate chain to the canonical record before handing a
// FileRecord back, so this invariant holds as long as callers never
// construct a TileID from anything but that return value.
type TileID struct {
	file     *FileRecord
	subimage int
	x, y, z  int
}

// NewTileID constructs a tile key. file must be the canonical FileRecord
// (see FileTable.findOrCreate) — it is never the caller's job to resolve
// duplicates.
func NewTileID(file *FileRecord, subimage, x, y, z int) TileID {
	return TileID{file: file, subimage: subimage, x: x, y: y, z: z}
}

// Hash mixes all five fields into a single 64-bit digest using xxhash,
// which the map implementation below shards on. A hand-rolled mix would
// work too, but nothing else in the in-cache hot path invents its own
// hash when xxhash is already an import.
func (id TileID) Hash() uint64 {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(uintptr(unsafe.Pointer(id.file))))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(id.subimage))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(id.x))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(id.y))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(id.z))
	return xxhash.Sum64(buf[:])
}

func (id TileID) File() *FileRecord { return id.file }
func (id TileID) Subimage() int     { return id.subimage }
func (id TileID) X() int            { return id.x }
func (id TileID) Y() int            { return id.y }
func (id TileID) Z() int            { return id.z }
