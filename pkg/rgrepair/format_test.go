package rgrepair

// Test scaffolding: a miniature formatter that lays Strata structures
// onto a sparse image the way mkfs would, so every scenario starts
// from a bit-exact, self-consistent filesystem.

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/stratafs/stratafs/pkg/elog"
	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/strata"
)

type segmentSpec struct {
	lengthBlocks uint64 // how much of the device this region covers
	rgSizeMB     uint32
	gapBlocks    uint64 // unusable blocks at the front (grown-fs padding)
}

type testFS struct {
	t      *testing.T
	path   string
	bsize  uint32
	devLen uint64

	rgs          []*strata.RG
	rindexAddr   uint64
	jindexAddr   uint64
	rindexData   []uint64
	jindexData   uint64
	journalDinos []uint64
	journalData  [][]uint64
}

// formatDevice lays out a Strata filesystem across one or more
// segments. All special files live in the first group's data region;
// journals are contiguously allocated.
func formatDevice(t *testing.T, bsize uint32, segments []segmentSpec, journals int, journalBlocks uint64) *testFS {

	t.Helper()

	var devLen uint64
	for _, seg := range segments {
		devLen += seg.lengthBlocks
	}

	dir, err := ioutil.TempDir("", "rgrepair-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "dev.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err = f.Truncate(int64(devLen) * int64(bsize)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	tf := &testFS{
		t:      t,
		path:   path,
		bsize:  bsize,
		devLen: devLen,
	}

	// Lay out the groups segment by segment, the first group of each
	// segment absorbing that segment's division remainder.
	firstRG := ondisk.SuperblockAddr(bsize) + 1
	cursor := uint64(0)
	for si, seg := range segments {
		start := cursor + seg.gapBlocks
		if si == 0 {
			start = firstRG
		}
		usable := cursor + seg.lengthBlocks - start
		rgsizeBlocks := uint64(seg.rgSizeMB) << 20 / uint64(bsize)
		n := divide(usable, rgsizeBlocks)
		rglength := usable / n
		addr := start
		for i := uint64(0); i < n; i++ {
			skip := rglength
			if i == 0 {
				skip = usable - (n-1)*rglength
			}
			rg := &strata.RG{Addr: addr}
			backfill(rg, bsize, skip)
			rg.Free = rg.Data
			if err := rg.ComputeBitstructs(bsize); err != nil {
				t.Fatal(err)
			}
			tf.rgs = append(tf.rgs, rg)
			addr += skip
		}
		cursor += seg.lengthBlocks
	}

	// Plan the special files inside the first group's data region.
	next := tf.rgs[0].Data0
	tf.rindexAddr = next
	next++
	tf.jindexAddr = next
	next++
	for j := 0; j < journals; j++ {
		tf.journalDinos = append(tf.journalDinos, next)
		next++
	}
	rindexBlocks := divide(uint64(len(tf.rgs))*ondisk.RindexRecordSize, uint64(bsize))
	for b := uint64(0); b < rindexBlocks; b++ {
		tf.rindexData = append(tf.rindexData, next)
		next++
	}
	tf.jindexData = next
	next++
	for j := 0; j < journals; j++ {
		var run []uint64
		for b := uint64(0); b < journalBlocks; b++ {
			run = append(run, next)
			next++
		}
		tf.journalData = append(tf.journalData, run)
	}
	if next > tf.rgs[0].Data0+uint64(tf.rgs[0].Data) {
		t.Fatalf("special files overflow the first rgrp: %d > %d", next, tf.rgs[0].Data0+uint64(tf.rgs[0].Data))
	}
	metaEnd := next

	// Write the groups, marking the special blocks used in the first
	// group's bitmap.
	for _, rg := range tf.rgs {

		blocks := make([][]byte, rg.Length)
		for x := range blocks {
			blocks[x] = make([]byte, bsize)
			mtype := uint32(ondisk.TypeRB)
			if x == 0 {
				mtype = ondisk.TypeRG
			}
			mh := ondisk.NewMetaHeader(mtype)
			if err := mh.Encode(blocks[x]); err != nil {
				t.Fatal(err)
			}
		}

		used := uint32(0)
		if rg.Addr == tf.rgs[0].Addr {
			for blk := rg.Data0; blk < metaEnd; blk++ {
				setBlockState(rg, blocks, blk, ondisk.BlkUsedMeta)
				used++
			}
		}

		rh := &ondisk.RGHeader{
			Header:  ondisk.NewMetaHeader(ondisk.TypeRG),
			Free:    rg.Data - used,
			Dinodes: 0,
		}
		rg.Free = rh.Free
		if err := rh.Encode(blocks[0]); err != nil {
			t.Fatal(err)
		}

		for x := range blocks {
			tf.writeRaw(rg.Addr+uint64(x), blocks[x])
		}

	}

	// Superblock.
	sbuf := make([]byte, bsize)
	shift := uint32(0)
	for b := bsize; b > 1; b >>= 1 {
		shift++
	}
	sb := &ondisk.Superblock{
		Header:         ondisk.NewMetaHeader(ondisk.TypeSB),
		FsFormat:       ondisk.FormatSB,
		BlockSize:      bsize,
		BlockSizeShift: shift,
		RindexAddr:     tf.rindexAddr,
		JindexAddr:     tf.jindexAddr,
	}
	id := uuid.New()
	copy(sb.UUID[:], id[:])
	if err := sb.Encode(sbuf); err != nil {
		t.Fatal(err)
	}
	tf.writeRaw(ondisk.SuperblockAddr(bsize), sbuf)

	// Special dinodes.
	tf.writeDinode(tf.rindexAddr, uint64(len(tf.rgs))*ondisk.RindexRecordSize, tf.rindexData)
	tf.writeDinode(tf.jindexAddr, uint64(journals)*8, []uint64{tf.jindexData})
	for j := 0; j < journals; j++ {
		tf.writeDinode(tf.journalDinos[j], journalBlocks*uint64(bsize), tf.journalData[j])
	}

	// Rindex content.
	tf.writeRindexRecords(tf.rgs)

	// Jindex content: the journal dinode addresses.
	jbuf := make([]byte, bsize)
	for j, addr := range tf.journalDinos {
		binary.BigEndian.PutUint64(jbuf[j*8:], addr)
	}
	tf.writeRaw(tf.jindexData, jbuf)

	return tf

}

// setBlockState flips one data block's two allocation bits inside the
// in-memory group blocks.
func setBlockState(rg *strata.RG, blocks [][]byte, blk uint64, state byte) {
	idx := uint32(blk - rg.Data0)
	byteIdx := idx / ondisk.NBBY
	shift := (idx % ondisk.NBBY) * ondisk.BitSize
	for x, bi := range rg.Bits {
		if byteIdx >= bi.Start && byteIdx < bi.Start+bi.Len {
			b := &blocks[x][bi.Offset+byteIdx-bi.Start]
			*b &^= ondisk.BitMask << shift
			*b |= state << shift
			return
		}
	}
}

func (tf *testFS) writeDinode(addr uint64, size uint64, ptrs []uint64) {
	tf.t.Helper()
	buf := make([]byte, tf.bsize)
	di := &ondisk.Dinode{
		Header: ondisk.NewMetaHeader(ondisk.TypeDI),
		Num:    addr,
		Size:   size,
		Blocks: uint64(len(ptrs)),
	}
	if err := ondisk.EncodeDinode(buf, di, ptrs); err != nil {
		tf.t.Fatal(err)
	}
	tf.writeRaw(addr, buf)
}

// writeRindexRecords serializes the given descriptors into the rindex
// data blocks.
func (tf *testFS) writeRindexRecords(rgs []*strata.RG) {
	tf.t.Helper()
	content := make([]byte, len(tf.rindexData)*int(tf.bsize))
	for i, rg := range rgs {
		raw, err := strata.RecordFromRG(rg).Encode()
		if err != nil {
			tf.t.Fatal(err)
		}
		copy(content[i*ondisk.RindexRecordSize:], raw)
	}
	for b, addr := range tf.rindexData {
		tf.writeRaw(addr, content[b*int(tf.bsize):(b+1)*int(tf.bsize)])
	}
}

func (tf *testFS) readRaw(addr uint64) []byte {
	tf.t.Helper()
	buf := make([]byte, tf.bsize)
	f, err := os.Open(tf.path)
	if err != nil {
		tf.t.Fatal(err)
	}
	defer f.Close()
	if _, err = f.ReadAt(buf, int64(addr)*int64(tf.bsize)); err != nil {
		tf.t.Fatal(err)
	}
	return buf
}

func (tf *testFS) writeRaw(addr uint64, buf []byte) {
	tf.t.Helper()
	f, err := os.OpenFile(tf.path, os.O_WRONLY, 0)
	if err != nil {
		tf.t.Fatal(err)
	}
	defer f.Close()
	if _, err = f.WriteAt(buf, int64(addr)*int64(tf.bsize)); err != nil {
		tf.t.Fatal(err)
	}
}

func (tf *testFS) zeroBlock(addr uint64) {
	tf.writeRaw(addr, make([]byte, tf.bsize))
}

// corruptRindexRecord rewrites record i of the on-disk rindex through
// the given mutator.
func (tf *testFS) corruptRindexRecord(i int, mutate func(*ondisk.RindexRecord)) {
	tf.t.Helper()
	content := make([]byte, len(tf.rindexData)*int(tf.bsize))
	for b, addr := range tf.rindexData {
		copy(content[b*int(tf.bsize):], tf.readRaw(addr))
	}
	ri, err := ondisk.DecodeRindexRecord(content[i*ondisk.RindexRecordSize:])
	if err != nil {
		tf.t.Fatal(err)
	}
	mutate(ri)
	raw, err := ri.Encode()
	if err != nil {
		tf.t.Fatal(err)
	}
	copy(content[i*ondisk.RindexRecordSize:], raw)
	for b, addr := range tf.rindexData {
		tf.writeRaw(addr, content[b*int(tf.bsize):(b+1)*int(tf.bsize)])
	}
}

// truncateRindex shrinks the rindex file to the given record count by
// rewriting its dinode size.
func (tf *testFS) truncateRindex(records int) {
	tf.t.Helper()
	buf := tf.readRaw(tf.rindexAddr)
	di, ptrs, err := ondisk.DecodeDinode(buf)
	if err != nil {
		tf.t.Fatal(err)
	}
	di.Size = uint64(records) * ondisk.RindexRecordSize
	if err := ondisk.EncodeDinode(buf, di, ptrs); err != nil {
		tf.t.Fatal(err)
	}
	tf.writeRaw(tf.rindexAddr, buf)
}

// setRindexSize sets the rindex file size to an arbitrary byte count.
func (tf *testFS) setRindexSize(size uint64) {
	tf.t.Helper()
	buf := tf.readRaw(tf.rindexAddr)
	di, ptrs, err := ondisk.DecodeDinode(buf)
	if err != nil {
		tf.t.Fatal(err)
	}
	di.Size = size
	if err := ondisk.EncodeDinode(buf, di, ptrs); err != nil {
		tf.t.Fatal(err)
	}
	tf.writeRaw(tf.rindexAddr, buf)
}

// mount opens the formatted image as the engine would.
func (tf *testFS) mount() *strata.FS {
	tf.t.Helper()
	fs, err := strata.Mount(tf.path, elog.Discard)
	if err != nil {
		tf.t.Fatal(err)
	}
	tf.t.Cleanup(func() { fs.Close() })
	return fs
}

func (tf *testFS) repairer(fs *strata.FS, prompt Prompter) *Repairer {
	return New(&Args{
		FS:       fs,
		Log:      elog.Discard,
		Prompter: prompt,
	})
}
