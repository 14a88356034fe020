package strata

import (
	"fmt"

	"github.com/google/btree"

	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/sdev"
)

// RG is the in-memory descriptor for one resource group. The first
// five fields are what the rindex serializes; the rest only exist at
// repair time.
type RG struct {
	Addr     uint64
	Length   uint32
	Data0    uint64
	Data     uint32
	Bitbytes uint32

	Flags       uint32
	Free        uint32
	Dinodes     uint32
	Igeneration uint64
	Skip        uint64

	Bits []Bitmap
	bhs  []*sdev.Buf
}

// Bitmap locates one stretch of allocation bitmap inside an RG block.
type Bitmap struct {
	Offset uint32
	Start  uint32
	Len    uint32
}

func (rg *RG) Less(than btree.Item) bool {
	return rg.Addr < than.(*RG).Addr
}

// RGSet is the ordered resource group container, keyed by header
// address. Sorted iteration and insertion are the only operations the
// repair engine needs.
type RGSet struct {
	tree *btree.BTree
}

// NewRGSet returns an empty set.
func NewRGSet() *RGSet {
	return &RGSet{tree: btree.New(8)}
}

// Insert returns the descriptor at addr, creating it if absent.
func (s *RGSet) Insert(addr uint64) *RG {
	if rg := s.Get(addr); rg != nil {
		return rg
	}
	rg := &RG{Addr: addr}
	s.tree.ReplaceOrInsert(rg)
	return rg
}

// Get returns the descriptor at addr, or nil.
func (s *RGSet) Get(addr uint64) *RG {
	item := s.tree.Get(&RG{Addr: addr})
	if item == nil {
		return nil
	}
	return item.(*RG)
}

// NextAfter returns the first descriptor with an address strictly
// greater than addr, or nil.
func (s *RGSet) NextAfter(addr uint64) *RG {
	var next *RG
	s.tree.AscendGreaterOrEqual(&RG{Addr: addr + 1}, func(item btree.Item) bool {
		next = item.(*RG)
		return false
	})
	return next
}

// Len returns the number of descriptors in the set.
func (s *RGSet) Len() int {
	return s.tree.Len()
}

// Ascend walks the set in address order while fn returns true.
func (s *RGSet) Ascend(fn func(*RG) bool) {
	s.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*RG))
	})
}

// Slice returns the descriptors in address order.
func (s *RGSet) Slice() []*RG {
	out := make([]*RG, 0, s.tree.Len())
	s.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(*RG))
		return true
	})
	return out
}

// Free releases every buffer held by descriptors in the set.
func (s *RGSet) Free() {
	s.tree.Ascend(func(item btree.Item) bool {
		item.(*RG).Relse()
		return true
	})
}

// RGBlocks2Bitblocks inverts the per-RG geometry: given the span of a
// resource group in blocks, it returns how many of those blocks must
// be header+bitmap blocks, and how many data blocks the remainder
// holds (rounded down so four allocation states pack per byte).
func RGBlocks2Bitblocks(bsize uint32, rgblocks uint32) (bitblocks uint32, data uint32) {

	blksRgrp := ondisk.NBBY * (bsize - ondisk.RGHeaderSize)
	blksMeta := ondisk.NBBY * (bsize - ondisk.MetaHeaderSize)

	bitblocks = 1
	if rgblocks > blksRgrp {
		bitblocks += (rgblocks - blksRgrp + blksMeta - 1) / blksMeta
	}

	data = rgblocks - bitblocks
	data -= data % ondisk.NBBY

	return

}

// ComputeBitstructs lays out the bitmap descriptors for an RG from its
// length and bitbytes. Fails if bitbytes is more than length blocks
// can hold; spare blocks are given zero-length descriptors.
func (rg *RG) ComputeBitstructs(bsize uint32) error {

	rg.Bits = make([]Bitmap, rg.Length)

	bytesLeft := rg.Bitbytes
	start := uint32(0)
	for x := uint32(0); x < rg.Length; x++ {

		var offset, capacity uint32
		if x == 0 {
			offset = ondisk.RGHeaderSize
		} else {
			offset = ondisk.MetaHeaderSize
		}
		capacity = bsize - offset

		length := capacity
		if bytesLeft < capacity {
			length = bytesLeft
		}

		rg.Bits[x] = Bitmap{Offset: offset, Start: start, Len: length}
		start += length
		bytesLeft -= length

	}

	if bytesLeft != 0 {
		return fmt.Errorf("rgrp at 0x%x: bitmap needs %d more bytes than %d blocks hold", rg.Addr, bytesLeft, rg.Length)
	}

	return nil

}

// ReadRG reads and validates every block in the RG's footprint,
// holding the buffers on the descriptor for bitmap analysis. It
// returns the address of the first block that is not what the
// descriptor says it should be, or zero when the whole group is
// intact. Release with Relse.
func (fs *FS) ReadRG(rg *RG) (uint64, error) {

	if len(rg.Bits) != int(rg.Length) {
		err := rg.ComputeBitstructs(fs.Dev.BlockSize())
		if err != nil {
			return rg.Addr, nil
		}
	}

	bhs := make([]*sdev.Buf, 0, rg.Length)
	relse := func() {
		for _, bh := range bhs {
			bh.Relse()
		}
	}

	for x := uint32(0); x < rg.Length; x++ {

		bh, err := fs.Dev.BRead(rg.Addr + uint64(x))
		if err != nil {
			relse()
			return 0, err
		}
		bhs = append(bhs, bh)

		want := uint32(ondisk.TypeRB)
		if x == 0 {
			want = ondisk.TypeRG
		}
		if !ondisk.CheckMeta(bh.Data, want) {
			relse()
			return rg.Addr + uint64(x), nil
		}

	}

	rh, err := ondisk.DecodeRGHeader(bhs[0].Data)
	if err != nil {
		relse()
		return 0, err
	}
	rg.Flags = rh.Flags
	rg.Free = rh.Free
	rg.Dinodes = rh.Dinodes
	rg.Igeneration = rh.Igeneration

	rg.bhs = bhs
	return 0, nil

}

// BitmapData returns the bitmap payload of the x'th block of a loaded
// RG.
func (rg *RG) BitmapData(x uint32) []byte {
	bi := rg.Bits[x]
	return rg.bhs[x].Data[bi.Offset : bi.Offset+bi.Len]
}

// Loaded reports whether the RG's blocks are held in memory.
func (rg *RG) Loaded() bool {
	return rg.bhs != nil
}

// Relse releases the buffers held by ReadRG.
func (rg *RG) Relse() {
	for _, bh := range rg.bhs {
		bh.Relse()
	}
	rg.bhs = nil
}
