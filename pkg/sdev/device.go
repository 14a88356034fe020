package sdev

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stratafs/stratafs/pkg/ondisk"
)

// Errors for callers that need to distinguish device-shape problems
// from plain I/O failure.
var (
	ErrShortBlock  = errors.New("short read on block")
	ErrOutOfRange  = errors.New("block address beyond end of device")
	ErrBadBlockLen = errors.New("buffer is not exactly one block")
)

// Device provides typed, block-granular access to a disk or image file
// believed to hold a Strata filesystem. The device is held open
// exclusively for the lifetime of the object.
type Device struct {
	f      *os.File
	path   string
	bsize  uint32
	length uint64

	pool   sync.Pool
	writes uint64
}

// Open opens the device or image file at path for repair with the
// given block size. Block devices are opened with O_EXCL so a mounted
// filesystem cannot be repaired out from under itself.
func Open(path string, bsize uint32) (*Device, error) {

	if bsize < 512 || bsize > 4096 || bsize&(bsize-1) != 0 {
		return nil, fmt.Errorf("unsupported block size: %d", bsize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_EXCL, 0)
	if err != nil {
		return nil, err
	}

	d := &Device{
		f:     f,
		path:  path,
		bsize: bsize,
	}
	d.pool.New = func() interface{} {
		return make([]byte, bsize)
	}

	size, err := d.byteSize()
	if err != nil {
		f.Close()
		return nil, err
	}
	d.length = size / uint64(bsize)

	return d, nil

}

func (d *Device) byteSize() (uint64, error) {

	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return uint64(fi.Size()), nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(),
		unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("sizing device %s: %w", d.path, errno)
	}

	return size, nil

}

// Close releases the device.
func (d *Device) Close() error {
	return d.f.Close()
}

// Path returns the path the device was opened from.
func (d *Device) Path() string {
	return d.path
}

// BlockSize returns the filesystem block size in bytes.
func (d *Device) BlockSize() uint32 {
	return d.bsize
}

// Len returns the device length in blocks.
func (d *Device) Len() uint64 {
	return d.length
}

// Writes returns the number of block writes performed since open.
func (d *Device) Writes() uint64 {
	return d.writes
}

// InRange reports whether addr names a block on the device.
func (d *Device) InRange(addr uint64) bool {
	return addr < d.length
}

// ReadBlock reads the block at addr into a pooled buffer. The caller
// must hand the buffer back with Relse on every exit path.
func (d *Device) ReadBlock(addr uint64) ([]byte, error) {

	if addr >= d.length {
		return nil, fmt.Errorf("reading block 0x%x: %w", addr, ErrOutOfRange)
	}

	buf := d.pool.Get().([]byte)
	n, err := d.f.ReadAt(buf, int64(addr)*int64(d.bsize))
	if err != nil {
		d.pool.Put(buf)
		return nil, fmt.Errorf("reading block 0x%x on %s: %w", addr, d.path, err)
	}
	if n != int(d.bsize) {
		d.pool.Put(buf)
		return nil, fmt.Errorf("reading block 0x%x on %s: %w", addr, d.path, ErrShortBlock)
	}

	return buf, nil

}

// WriteBlock writes one full block at addr.
func (d *Device) WriteBlock(addr uint64, buf []byte) error {

	if addr >= d.length {
		return fmt.Errorf("writing block 0x%x: %w", addr, ErrOutOfRange)
	}
	if len(buf) != int(d.bsize) {
		return fmt.Errorf("writing block 0x%x: %w", addr, ErrBadBlockLen)
	}

	_, err := d.f.WriteAt(buf, int64(addr)*int64(d.bsize))
	if err != nil {
		return fmt.Errorf("writing block 0x%x on %s: %w", addr, d.path, err)
	}

	d.writes++
	return nil

}

// Relse returns a buffer acquired from ReadBlock to the pool.
func (d *Device) Relse(buf []byte) {
	if buf != nil {
		d.pool.Put(buf)
	}
}

// TypeOf reads the block at addr and returns its metadata type tag.
func (d *Device) TypeOf(addr uint64) (uint32, error) {
	buf, err := d.ReadBlock(addr)
	if err != nil {
		return ondisk.TypeNone, err
	}
	defer d.Relse(buf)
	return ondisk.BlockType(buf), nil
}

// IsType reads the block at addr and reports whether it carries a
// valid metadata header of the given type.
func (d *Device) IsType(addr uint64, mtype uint32) (bool, error) {
	bt, err := d.TypeOf(addr)
	if err != nil {
		return false, err
	}
	return bt == mtype, nil
}

// Discard releases a run of blocks back to the underlying storage:
// BLKDISCARD for block devices, hole punching for image files. The
// repair engine never discards; this exists for the formatter side of
// the toolchain.
func (d *Device) Discard(addr, count uint64) error {

	if addr+count > d.length {
		return fmt.Errorf("discarding blocks 0x%x+%d: %w", addr, count, ErrOutOfRange)
	}

	offset := int64(addr) * int64(d.bsize)
	span := int64(count) * int64(d.bsize)

	fi, err := d.f.Stat()
	if err != nil {
		return err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		err = unix.Fallocate(int(d.f.Fd()),
			unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
			offset, span)
		if err != nil {
			return fmt.Errorf("punching hole in %s: %w", d.path, err)
		}
		return nil
	}

	arg := [2]uint64{uint64(offset), uint64(span)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(),
		unix.BLKDISCARD, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return fmt.Errorf("discarding on %s: %w", d.path, errno)
	}

	return nil

}
