package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Dinode is the fixed part of an on-disk inode. Direct block pointers
// (big-endian u64 each) fill the rest of the block, from offset
// DinodeHeaderSize; a zero pointer is unmapped.
type Dinode struct {
	Header MetaHeader
	Num    uint64
	Size   uint64
	Blocks uint64
	Flags  uint32
	_      uint32
}

// PointersPerBlock returns how many direct block pointers fit in a
// dinode block of the given size.
func PointersPerBlock(bsize uint32) int {
	return int(bsize-DinodeHeaderSize) / 8
}

// DecodeDinode parses and validates a dinode from a raw block,
// returning the fixed part and the direct pointer table.
func DecodeDinode(buf []byte) (*Dinode, []uint64, error) {

	di := new(Dinode)
	err := binary.Read(bytes.NewReader(buf), binary.BigEndian, di)
	if err != nil {
		return nil, nil, err
	}

	if di.Header.Magic != Magic || di.Header.Type != TypeDI {
		return nil, nil, fmt.Errorf("bad dinode: magic 0x%08x type %d", di.Header.Magic, di.Header.Type)
	}

	ptrs := make([]uint64, PointersPerBlock(uint32(len(buf))))
	for i := range ptrs {
		ptrs[i] = binary.BigEndian.Uint64(buf[DinodeHeaderSize+8*i:])
	}

	return di, ptrs, nil

}

// EncodeDinode writes the fixed part and the pointer table into the
// front of a raw block.
func EncodeDinode(buf []byte, di *Dinode, ptrs []uint64) error {

	w := new(bytes.Buffer)
	err := binary.Write(w, binary.BigEndian, di)
	if err != nil {
		return err
	}
	copy(buf, w.Bytes())

	if len(ptrs) > PointersPerBlock(uint32(len(buf))) {
		return fmt.Errorf("dinode pointer table overflows block: %d pointers", len(ptrs))
	}
	for i, p := range ptrs {
		binary.BigEndian.PutUint64(buf[DinodeHeaderSize+8*i:], p)
	}

	return nil

}
