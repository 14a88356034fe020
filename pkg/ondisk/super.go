package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ReservedSpan is the dead space at the front of every Strata device.
// The superblock sits in the first block after it.
const ReservedSpan = 65536

// Superblock is the structure of the superblock as written to the
// disk. The rindex and jindex dinode addresses are recorded here
// directly rather than resolved through a directory.
type Superblock struct {
	Header         MetaHeader
	FsFormat       uint32
	BlockSize      uint32
	BlockSizeShift uint32
	_              uint32
	RindexAddr     uint64
	JindexAddr     uint64
	RootAddr       uint64
	UUID           [16]byte
	_              [16]byte
}

// SuperblockAddr returns the block address of the superblock for a
// given block size.
func SuperblockAddr(bsize uint32) uint64 {
	return uint64(ReservedSpan / bsize)
}

// DecodeSuperblock parses and validates a superblock from a raw block.
func DecodeSuperblock(buf []byte) (*Superblock, error) {

	sb := new(Superblock)
	err := binary.Read(bytes.NewReader(buf), binary.BigEndian, sb)
	if err != nil {
		return nil, err
	}

	if sb.Header.Magic != Magic || sb.Header.Type != TypeSB {
		return nil, fmt.Errorf("bad superblock: magic 0x%08x type %d", sb.Header.Magic, sb.Header.Type)
	}

	bsize := sb.BlockSize
	if bsize < 512 || bsize > 4096 || bsize&(bsize-1) != 0 {
		return nil, fmt.Errorf("bad superblock: block size %d", bsize)
	}

	if uint32(1)<<sb.BlockSizeShift != bsize {
		return nil, fmt.Errorf("bad superblock: block size shift %d does not match block size %d", sb.BlockSizeShift, bsize)
	}

	return sb, nil

}

// Encode writes the superblock into the front of a raw block.
func (sb *Superblock) Encode(buf []byte) error {
	w := new(bytes.Buffer)
	err := binary.Write(w, binary.BigEndian, sb)
	if err != nil {
		return err
	}
	copy(buf, w.Bytes())
	return nil
}
