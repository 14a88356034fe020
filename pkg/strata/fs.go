package strata

import (
	"encoding/binary"
	"fmt"

	"code.cloudfoundry.org/bytefmt"

	"github.com/stratafs/stratafs/pkg/elog"
	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/sdev"
)

// FS is the repair engine's view of a Strata filesystem: the device,
// the superblock, and the special inodes the engine works through.
type FS struct {
	Dev *sdev.Device
	SB  *ondisk.Superblock

	RindexInode *Inode
	JindexInode *Inode

	// The descriptor set read from the on-disk rindex, and whether
	// that read was internally consistent.
	RGs      *RGSet
	NumRGs   int
	RindexOK bool

	log elog.Logger
}

// Mount opens the device at path and loads the repair view: the block
// size is taken from the superblock, so the device is probed at the
// smallest supported granule first and reopened at the real size.
func Mount(path string, log elog.Logger) (*FS, error) {

	probe, err := sdev.Open(path, 512)
	if err != nil {
		return nil, err
	}

	buf, err := probe.ReadBlock(ondisk.SuperblockAddr(512))
	if err != nil {
		probe.Close()
		return nil, err
	}
	sb, err := ondisk.DecodeSuperblock(buf)
	probe.Relse(buf)
	probe.Close()
	if err != nil {
		return nil, fmt.Errorf("no Strata filesystem on %s: %w", path, err)
	}

	dev, err := sdev.Open(path, sb.BlockSize)
	if err != nil {
		return nil, err
	}

	fs, err := Attach(dev, log)
	if err != nil {
		dev.Close()
		return nil, err
	}

	return fs, nil

}

// Attach builds the repair view over an already-open device.
func Attach(dev *sdev.Device, log elog.Logger) (*FS, error) {

	fs := &FS{
		Dev: dev,
		log: log,
	}

	buf, err := dev.ReadBlock(fs.SBAddr())
	if err != nil {
		return nil, err
	}
	sb, err := ondisk.DecodeSuperblock(buf)
	dev.Relse(buf)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize != dev.BlockSize() {
		return nil, fmt.Errorf("superblock says block size %d but device is open at %d", sb.BlockSize, dev.BlockSize())
	}
	fs.SB = sb

	log.Debugf("device %s: %s in %d blocks of %d",
		dev.Path(), bytefmt.ByteSize(dev.Len()*uint64(dev.BlockSize())), dev.Len(), dev.BlockSize())

	fs.RindexInode, err = fs.ReadInode(sb.RindexAddr)
	if err != nil {
		return nil, fmt.Errorf("reading rindex inode: %w", err)
	}

	fs.RGs, fs.NumRGs, fs.RindexOK, err = fs.ReadRindex()
	if err != nil {
		return nil, err
	}

	return fs, nil

}

// Close releases the inodes and the device.
func (fs *FS) Close() error {
	if fs.RindexInode != nil {
		fs.RindexInode.Put()
	}
	if fs.JindexInode != nil {
		fs.JindexInode.Put()
	}
	if fs.RGs != nil {
		fs.RGs.Free()
	}
	return fs.Dev.Close()
}

// SBAddr returns the superblock's block address.
func (fs *FS) SBAddr() uint64 {
	return ondisk.SuperblockAddr(fs.Dev.BlockSize())
}

// FirstRGAddr returns the address the first resource group must sit
// at: the block immediately after the superblock.
func (fs *FS) FirstRGAddr() uint64 {
	return fs.SBAddr() + 1
}

// Journals reads the journal index and loads every journal inode it
// references. The jindex inode is loaded lazily because most repair
// levels never need it.
func (fs *FS) Journals() ([]*Inode, error) {

	if fs.JindexInode == nil {
		ji, err := fs.ReadInode(fs.SB.JindexAddr)
		if err != nil {
			return nil, fmt.Errorf("reading jindex inode: %w", err)
		}
		fs.JindexInode = ji
	}

	count := int(fs.JindexInode.Size() / 8)
	raw := make([]byte, count*8)
	_, err := fs.JindexInode.Readi(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("reading jindex: %w", err)
	}

	journals := make([]*Inode, 0, count)
	for j := 0; j < count; j++ {
		addr := binary.BigEndian.Uint64(raw[j*8:])
		in, err := fs.ReadInode(addr)
		if err != nil {
			for _, held := range journals {
				held.Put()
			}
			return nil, fmt.Errorf("reading journal %d: %w", j, err)
		}
		journals = append(journals, in)
	}

	return journals, nil

}
