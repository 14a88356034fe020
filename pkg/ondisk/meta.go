package ondisk

import (
	"bytes"
	"encoding/binary"
)

// Magic is the constant stored at the start of every Strata metadata
// block.
const Magic = 0x01161970

// Metadata block types.
const (
	TypeNone = 0
	TypeSB   = 1
	TypeRG   = 2
	TypeRB   = 3
	TypeDI   = 4
)

// On-disk format revisions, one per metadata type.
const (
	FormatSB = 100
	FormatRG = 200
	FormatRB = 300
	FormatDI = 700
)

const (
	MetaHeaderSize   = 24
	SuperblockSize   = 96
	RGHeaderSize     = 128
	DinodeHeaderSize = 56
	RindexRecordSize = 104
)

// Allocation states, two bits per data block.
const (
	BlkFree     = 0
	BlkUsedData = 1
	BlkUnlinked = 2
	BlkUsedMeta = 3

	BitSize = 2
	BitMask = 0x3

	// NBBY is the number of allocation states encoded per bitmap byte.
	NBBY = 4
)

// MetaHeader is the structure at the start of every metadata block as
// written to the disk.
type MetaHeader struct {
	Magic    uint32
	Type     uint32
	_        uint32
	Format   uint32
	JID      uint32
	Reserved uint32
}

type metaType struct {
	mtype  uint32
	format uint32
	name   string
}

// metaCatalog is the full metadata type catalog. Lookups are
// data-driven; there is no registration at runtime.
var metaCatalog = [...]metaType{
	{TypeSB, FormatSB, "superblock"},
	{TypeRG, FormatRG, "resource group header"},
	{TypeRB, FormatRB, "resource group bitmap"},
	{TypeDI, FormatDI, "dinode"},
}

// TypeName returns a human-readable name for a metadata type tag, or
// "unknown" if the tag is not in the catalog.
func TypeName(mtype uint32) string {
	for _, mt := range metaCatalog {
		if mt.mtype == mtype {
			return mt.name
		}
	}
	return "unknown"
}

// FormatOf returns the on-disk format revision for a metadata type
// tag, or zero if the tag is not in the catalog.
func FormatOf(mtype uint32) uint32 {
	for _, mt := range metaCatalog {
		if mt.mtype == mtype {
			return mt.format
		}
	}
	return 0
}

// BlockType reads the metadata header at the start of buf and returns
// its type tag. A block whose magic is wrong, or whose type is not in
// the catalog, is TypeNone.
func BlockType(buf []byte) uint32 {
	if len(buf) < MetaHeaderSize {
		return TypeNone
	}
	if binary.BigEndian.Uint32(buf[0:]) != Magic {
		return TypeNone
	}
	mtype := binary.BigEndian.Uint32(buf[4:])
	for _, mt := range metaCatalog {
		if mt.mtype == mtype {
			return mtype
		}
	}
	return TypeNone
}

// CheckMeta returns true if buf starts with a valid metadata header of
// the given type.
func CheckMeta(buf []byte, mtype uint32) bool {
	return BlockType(buf) == mtype
}

// NewMetaHeader returns a header for a fresh metadata block of the
// given type, with the format field filled from the catalog.
func NewMetaHeader(mtype uint32) MetaHeader {
	return MetaHeader{
		Magic:  Magic,
		Type:   mtype,
		Format: FormatOf(mtype),
	}
}

// Encode writes the header into the front of a raw block, leaving the
// payload beyond MetaHeaderSize untouched.
func (mh *MetaHeader) Encode(buf []byte) error {
	w := new(bytes.Buffer)
	err := binary.Write(w, binary.BigEndian, mh)
	if err != nil {
		return err
	}
	copy(buf, w.Bytes())
	return nil
}
