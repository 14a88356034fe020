package strata

import (
	"fmt"

	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/sdev"
)

// Inode is a read/write view of one dinode and the blocks its direct
// pointer table maps. The dinode buffer is held for the life of the
// inode so size changes can be flushed once the operator approves
// them.
type Inode struct {
	fs   *FS
	Addr uint64
	Di   ondisk.Dinode

	ptrs []uint64
	bh   *sdev.Buf
}

// ReadInode loads the dinode at addr.
func (fs *FS) ReadInode(addr uint64) (*Inode, error) {

	bh, err := fs.Dev.BRead(addr)
	if err != nil {
		return nil, err
	}

	di, ptrs, err := ondisk.DecodeDinode(bh.Data)
	if err != nil {
		bh.Relse()
		return nil, fmt.Errorf("inode at 0x%x: %w", addr, err)
	}

	in := &Inode{
		fs:   fs,
		Addr: addr,
		Di:   *di,
		ptrs: ptrs,
		bh:   bh,
	}

	return in, nil

}

// Size returns the inode's file size in bytes.
func (in *Inode) Size() uint64 {
	return in.Di.Size
}

// SetSize updates the file size in memory and marks the dinode dirty.
// Nothing reaches the disk until Flush.
func (in *Inode) SetSize(n uint64) {
	in.Di.Size = n
	in.bh.SetModified()
}

// Modified reports whether the dinode has unflushed changes.
func (in *Inode) Modified() bool {
	return in.bh.IsModified()
}

// Flush writes the dinode back to the device if it was modified.
func (in *Inode) Flush() error {
	if !in.bh.IsModified() {
		return nil
	}
	err := ondisk.EncodeDinode(in.bh.Data, &in.Di, in.ptrs)
	if err != nil {
		return err
	}
	return in.bh.Write()
}

// Put releases the dinode buffer. Unflushed changes are dropped.
func (in *Inode) Put() {
	if in.bh != nil {
		in.bh.Relse()
		in.bh = nil
	}
}

// BlockMap translates a logical block of the inode's content to a
// physical device address. Zero means unmapped.
func (in *Inode) BlockMap(logical uint64) uint64 {
	if logical >= uint64(len(in.ptrs)) {
		return 0
	}
	return in.ptrs[logical]
}

// Readi reads len(buf) bytes of inode content starting at offset,
// stopping early at the file size. Returns the number of bytes read.
func (in *Inode) Readi(buf []byte, offset uint64) (int, error) {

	bsize := uint64(in.fs.Dev.BlockSize())
	total := 0

	for total < len(buf) && offset < in.Di.Size {

		n := int(bsize - offset%bsize)
		if n > len(buf)-total {
			n = len(buf) - total
		}
		if uint64(n) > in.Di.Size-offset {
			n = int(in.Di.Size - offset)
		}

		physical := in.BlockMap(offset / bsize)
		if physical == 0 {
			return total, fmt.Errorf("inode at 0x%x: logical block 0x%x is unmapped", in.Addr, offset/bsize)
		}

		data, err := in.fs.Dev.ReadBlock(physical)
		if err != nil {
			return total, err
		}
		copy(buf[total:total+n], data[offset%bsize:])
		in.fs.Dev.Relse(data)

		total += n
		offset += uint64(n)

	}

	return total, nil

}

// Writei writes buf into the inode's content at offset, growing the
// file size if the write ends past it. The write must land within
// blocks the pointer table already maps; the repair engine cannot
// allocate.
func (in *Inode) Writei(buf []byte, offset uint64) (int, error) {

	bsize := uint64(in.fs.Dev.BlockSize())
	total := 0

	for total < len(buf) {

		n := int(bsize - offset%bsize)
		if n > len(buf)-total {
			n = len(buf) - total
		}

		physical := in.BlockMap(offset / bsize)
		if physical == 0 {
			return total, fmt.Errorf("inode at 0x%x: logical block 0x%x is unmapped", in.Addr, offset/bsize)
		}

		data, err := in.fs.Dev.ReadBlock(physical)
		if err != nil {
			return total, err
		}
		copy(data[offset%bsize:], buf[total:total+n])
		err = in.fs.Dev.WriteBlock(physical, data)
		in.fs.Dev.Relse(data)
		if err != nil {
			return total, err
		}

		total += n
		offset += uint64(n)

	}

	if offset > in.Di.Size {
		in.SetSize(offset)
	}

	return total, nil

}
