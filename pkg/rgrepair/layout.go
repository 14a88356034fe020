package rgrepair

import (
	"fmt"

	"code.cloudfoundry.org/bytefmt"

	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/strata"
)

const (
	// DefaultRGSizeMB is the resource group size the formatter starts
	// from; it halves from here when a candidate overflows the
	// per-group bitmap block limit.
	DefaultRGSizeMB = 2048

	minRGSizeMB = 32

	// maxRGBitblocks is the most header+bitmap blocks one group may
	// occupy; the length field serializes through a 16-bit path in
	// the allocator.
	maxRGBitblocks = 2149
)

func divide(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// howManyRgrps figures out how many groups the formatter would put on
// a span of the given length, starting from a candidate group size and
// halving until both the majority-sized groups and the remainder-
// absorbing one fit the bitmap block limit. The second return is the
// size that was settled on.
func howManyRgrps(length uint64, bsize uint32, rgsizeMB uint32) (uint64, uint32, bool) {

	for {

		rgsizeBlocks := uint64(rgsizeMB) << 20 / uint64(bsize)
		nrgrp := divide(length, rgsizeBlocks)

		// check whether the rg length overflows the bitblock limit,
		// for both the typical rgrp and the first one
		bitblocksN, _ := strata.RGBlocks2Bitblocks(bsize, uint32(length/nrgrp))
		bitblocks1, _ := strata.RGBlocks2Bitblocks(bsize, uint32(length-(nrgrp-1)*(length/nrgrp)))
		if bitblocks1 <= maxRGBitblocks && bitblocksN <= maxRGBitblocks {
			return nrgrp, rgsizeMB, true
		}

		rgsizeMB /= 2 // smaller rgs
		if rgsizeMB < minRGSizeMB {
			return 0, 0, false
		}

	}

}

// computeRGLayout produces the descriptor set a fresh format of a
// device of devLen blocks would have: addresses chained by per-group
// skip, with the first group absorbing the division remainder so the
// total exactly covers the device.
func computeRGLayout(devLen uint64, bsize uint32, rgsizeMB uint32) (*strata.RGSet, error) {

	firstRG := ondisk.SuperblockAddr(bsize) + 1
	length := devLen - firstRG

	nrgrp, _, ok := howManyRgrps(length, bsize, rgsizeMB)
	if !ok {
		return nil, fmt.Errorf("cannot use the entire device with block size %d bytes", bsize)
	}

	rglength := length / nrgrp
	set := strata.NewRGSet()
	var last *strata.RG

	for i := uint64(0); i < nrgrp; i++ {
		var rg *strata.RG
		if i == 0 {
			rg = set.Insert(firstRG)
			rg.Skip = length - (nrgrp-1)*rglength
		} else {
			rg = set.Insert(last.Addr + last.Skip)
			rg.Skip = rglength
		}
		last = rg
	}

	return set, nil

}

// calcRGs fills the derived fields of a laid-out set.
func calcRGs(set *strata.RGSet, bsize uint32) error {

	var failed error

	set.Ascend(func(rg *strata.RG) bool {
		backfill(rg, bsize, rg.Skip)
		rg.Free = rg.Data
		if err := rg.ComputeBitstructs(bsize); err != nil {
			failed = err
			return false
		}
		return true
	})

	return failed

}

// layoutVerifies checks a candidate layout against disk evidence: the
// second and last predicted addresses must actually hold group
// headers.
func (r *Repairer) layoutVerifies(set *strata.RGSet) bool {

	slice := set.Slice()
	if len(slice) < 2 {
		return false
	}

	for _, rg := range []*strata.RG{slice[1], slice[len(slice)-1]} {
		isRG, err := r.fs.Dev.IsType(rg.Addr, ondisk.TypeRG)
		if err != nil || !isRG {
			return false
		}
	}

	return true

}

// rindexCalculate computes what the rindex should look like in a
// perfect world. The candidate group size is the one that reproduces
// the record count the on-disk index claims; when no size does (the
// index has been truncated or padded) the disk itself arbitrates.
func (r *Repairer) rindexCalculate() (*strata.RGSet, error) {

	devLen := r.fs.Dev.Len()
	bsize := r.fs.Dev.BlockSize()
	length := devLen - r.fs.FirstRGAddr()
	numRGs := r.fs.NumRGs

	var set *strata.RGSet
	var err error

	// Try all possible rgrp sizes: 2048, 1024, 512, 256, 128, 64, 32
	for rgsize := uint32(DefaultRGSizeMB); rgsize >= minRGSizeMB; rgsize /= 2 {
		n, effective, ok := howManyRgrps(length, bsize, rgsize)
		if ok && int(n) == numRGs {
			r.log.Infof("rgsize must be: %d (0x%x)", effective, effective)
			set, err = computeRGLayout(devLen, bsize, rgsize)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	if set == nil {
		for rgsize := uint32(DefaultRGSizeMB); rgsize >= minRGSizeMB; rgsize /= 2 {
			cand, err := computeRGLayout(devLen, bsize, rgsize)
			if err != nil {
				continue
			}
			if err = calcRGs(cand, bsize); err != nil {
				continue
			}
			if r.layoutVerifies(cand) {
				r.log.Infof("index size is wrong; rgsize verified on disk: %d (0x%x)", rgsize, rgsize)
				set = cand
				break
			}
		}
	}

	if set == nil {
		// Nothing reproduces the index and nothing verifies; compute
		// the smallest layout and let reconciliation reject it.
		set, err = computeRGLayout(devLen, bsize, minRGSizeMB)
		if err != nil {
			return nil, err
		}
	}

	err = calcRGs(set, bsize)
	if err != nil {
		return nil, err
	}

	last := set.Slice()[set.Len()-1]
	r.log.Debugf("fs_total_size = 0x%x blocks (%s)", last.Data0+uint64(last.Data),
		bytefmt.ByteSize((last.Data0+uint64(last.Data))*uint64(bsize)))
	r.log.Warnf("L3: number of rgs in the index = %d.", numRGs)

	return set, nil

}
