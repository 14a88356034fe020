package rgrepair

import (
	"fmt"

	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/strata"
)

// rindexRebuild reconstructs the index by hand: walk the device at the
// probed strides, emit one descriptor per landing that holds a group
// header, and flag the landings that don't. This is the last resort
// after calculation has already disagreed with the disk.
//
// With grown set, the groups are not on predictable boundaries
// (the filesystem was grown after format), so each step's distance is
// derived from the previous group's own bitmaps instead of the
// segment stride.
func (r *Repairer) rindexRebuild(grown bool) (*strata.RGSet, int, error) {

	probe, err := r.findShortestRGDist()
	if err != nil {
		return nil, 0, err
	}
	for i := 0; i < probe.nseg; i++ {
		r.log.Infof("Segment %d: rgrp distance: 0x%x, count: %d", i+1, probe.dist[i], probe.cnt[i])
	}

	dev := r.fs.Dev
	devLen := dev.Len()
	bsize := dev.BlockSize()
	firstRG := r.fs.FirstRGAddr()

	set := strata.NewRGSet()
	var prev *strata.RG
	numberOfRGs := 0
	segmentRGs := 0
	segment := 0
	corruptRGs := 0
	blockBump := probe.dist[0]

	bar := r.log.NewProgress("rebuilding rindex", "%", 0)
	defer bar.Finish(true)

	blk := firstRG
	for blk < devLen {

		r.log.Debugf("Block 0x%x", blk)
		rgWasFound, err := dev.IsType(blk, ondisk.TypeRG)
		if err != nil {
			return nil, 0, err
		}

		calcRGD := set.Insert(blk)
		calcRGD.Length = 1

		if rgWasFound {
			corruptRGs = 0
		} else {
			// This SHOULD be an RG but isn't.
			corruptRGs++
			if corruptRGs < 5 {
				r.log.Debugf("Missing or damaged rgrp at block %d (0x%x)", blk, blk)
			} else {
				r.log.Critf("Error: too many missing or damaged rgrps using this method. Time to try another method.")
				return nil, 0, fmt.Errorf("%d consecutive bad rgrp slots: %w", corruptRGs, ErrUnrecoverable)
			}
		}

		// Count the bitmap blocks that follow the header.
		for fwd := blk + 1; fwd < devLen; fwd++ {
			bitmapWasFound, err := dev.IsType(fwd, ondisk.TypeRB)
			if err != nil {
				return nil, 0, err
			}
			if !bitmapWasFound {
				break
			}
			calcRGD.Length++
		}

		calcRGD.Data0 = calcRGD.Addr + uint64(calcRGD.Length)

		// The previous group's span is now known: it is however far
		// we just travelled. Back-fill its derived fields.
		if prev != nil {
			backfill(prev, bsize, blockBump)
			r.log.Debugf("Prev ri_data set to: 0x%x", prev.Data)
		}

		numberOfRGs++
		segmentRGs++
		if rgWasFound {
			r.log.Infof("  rgrp %d at block 0x%x intact", numberOfRGs, blk)
		} else {
			r.log.Warnf("* rgrp %d at block 0x%x *** DAMAGED ***", numberOfRGs, blk)
		}
		prev = calcRGD

		// Figure out where the next rgrp should be.
		if blk == firstRG || !grown {
			blockBump = probe.dist[segment]
			if segmentRGs >= probe.cnt[segment] {
				segment++
				r.log.Debugf("End of segment %d", segment)
				segmentRGs = 0
				if segment >= probe.nseg {
					r.log.Debugf("Last segment.")
					break
				}
			}
			// Uniformly-spaced rgrps can leave wasted space at the end
			// of the device. A short rgrp would break the uniformity,
			// so quit here rather than create one.
			if blk+2*blockBump > devLen {
				break
			}
		} else if rgWasFound {
			blockBump, err = r.findNextRGDist(blk, prev)
		} else {
			blockBump, err = r.huntAndPeck(blk, prev, blockBump)
		}
		if err != nil {
			return nil, 0, err
		}

		if rgWasFound {
			r.log.Infof(" [length 0x%x]", blockBump)
		} else {
			r.log.Warnf(" [length 0x%x]", blockBump)
		}

		blk += blockBump

	}

	// The very last group never gets back-filled by the loop.
	if prev != nil && prev.Data == 0 {
		backfill(prev, bsize, blockBump)
		r.log.Debugf("Prev ri_data set to: 0x%x", prev.Data)
	}

	r.log.Debugf("rindex rebuilt as follows:")
	rgi := 0
	set.Ascend(func(rg *strata.RG) bool {
		rgi++
		r.log.Debugf("%d: 0x%x/%x/0x%x/0x%x/0x%x", rgi, rg.Addr, rg.Length, rg.Data0, rg.Data, rg.Bitbytes)
		return true
	})

	return set, numberOfRGs, nil

}

// backfill derives a group's index fields from its span.
func backfill(rg *strata.RG, bsize uint32, span uint64) {
	bitblocks, data := strata.RGBlocks2Bitblocks(bsize, uint32(span))
	rg.Length = bitblocks
	rg.Data0 = rg.Addr + uint64(bitblocks)
	rg.Data = data
	rg.Bitbytes = data / ondisk.NBBY
	rg.Skip = span
}

// countUsedSpace counts the used allocation states in one loaded
// bitmap block. The whole payload is counted, not just the span the
// index claims, because the index is exactly what cannot be trusted
// here.
func countUsedSpace(first bool, data []byte) uint64 {

	off := ondisk.MetaHeaderSize
	if first {
		off = ondisk.RGHeaderSize
	}

	var used uint64
	for _, byt := range data[off:] {
		if byt == 0x55 {
			used += ondisk.NBBY
			continue
		}
		if byt == 0x00 {
			continue
		}
		for y := 0; y < ondisk.NBBY; y++ {
			state := (byt >> (ondisk.BitSize * y)) & ondisk.BitMask
			if state == ondisk.BlkFree || state == ondisk.BlkUnlinked {
				continue
			}
			used++
		}
	}

	return used

}

// findNextRGDist finds the distance to the next group when the groups
// sit on uneven boundaries but the current one is intact. If the
// previously-read index already knows both addresses the answer is a
// lookup; otherwise the group's own bitmaps are analyzed: used plus
// free plus the bitmap blocks themselves is the group's span, give or
// take the formatter's rounding, and a short scan around the
// prediction settles it.
func (r *Repairer) findNextRGDist(blk uint64, prev *strata.RG) (uint64, error) {

	if rgd := r.fs.RGs.Get(blk); rgd != nil {
		if next := r.fs.RGs.NextAfter(blk); next != nil {
			return next.Addr - rgd.Addr, nil
		}
	}

	dev := r.fs.Dev
	devLen := dev.Len()
	bsize := uint64(dev.BlockSize())
	megaInBlocks := (1024 * 1024) / bsize
	twoGigs := megaInBlocks * 2048

	var rgrpDist uint64
	var usedBlocks uint64
	var freeBlocks uint32
	length := 0
	block := prev.Addr
	first := true
	found := false

	for {

		if block >= devLen {
			break
		}
		if block >= prev.Addr+twoGigs {
			break
		}

		buf, err := dev.ReadBlock(block)
		if err != nil {
			return 0, err
		}

		want := uint32(ondisk.TypeRB)
		if first {
			want = ondisk.TypeRG
		}
		if !ondisk.CheckMeta(buf, want) {
			dev.Relse(buf)
			break
		}

		if first {
			rh, err := ondisk.DecodeRGHeader(buf)
			if err != nil {
				dev.Relse(buf)
				return 0, err
			}
			freeBlocks = rh.Free
		}

		usedBlocks += countUsedSpace(first, buf)
		dev.Relse(buf)
		first = false
		block++
		length++

		// A block that merely resembles a bitmap would leave us
		// hopelessly lost, so every estimate is checked: the span
		// must actually point at the next group.
		rgrpDist = usedBlocks + uint64(freeBlocks) + uint64(length)
		nextBlock := prev.Addr + rgrpDist

		// account for block rounding done by the formatter
		for b := 0; b <= length+ondisk.NBBY; b++ {
			if nextBlock+uint64(b) >= devLen {
				break
			}
			bt, err := dev.TypeOf(nextBlock + uint64(b))
			if err != nil {
				return 0, err
			}
			if bt == ondisk.TypeRG {
				found = true
			}
			// if the first thing found is a bitmap, there must be a
			// damaged rgrp on the previous block
			if bt == ondisk.TypeRB {
				found = true
				rgrpDist--
			}
			if found {
				break
			}
			rgrpDist++
		}

		if found {
			r.log.Infof("rgrp found at 0x%x, length=%d, used=%d, free=%d", prev.Addr, length, usedBlocks, freeBlocks)
			break
		}

	}

	return rgrpDist, nil

}

// huntAndPeck finds the distance to the next group when the groups
// are on uneven boundaries and the current one is corrupt: skip clear
// of the previous group's bitmaps and scan.
func (r *Repairer) huntAndPeck(blk uint64, prev *strata.RG, lastBump uint64) (uint64, error) {

	dev := r.fs.Dev
	devLen := dev.Len()
	bsize := uint64(dev.BlockSize())

	// Skip ahead the previous amount: we might get lucky. If we're
	// close to the end of the device, take the rest.
	if blk+lastBump >= devLen {
		return devLen - blk, nil
	}
	isRG, err := dev.IsType(blk+lastBump, ondisk.TypeRG)
	if err != nil {
		return 0, err
	}
	if isRG {
		r.log.Infof("rgrp found at 0x%x, length=%d", blk+lastBump, lastBump)
		return lastBump, nil
	}

	// Get away from any bitmaps associated with the previous rgrp.
	// The clearance is empirical, not derived; see the tunables.
	away := r.tun.AwayFromBitmaps

	megaInBlocks := (1024 * 1024) / bsize
	twoGigs := megaInBlocks * 2048

	var lastBound, lastMeg uint64
	if prev.Addr+away+twoGigs <= devLen {
		lastBound = twoGigs
		lastMeg = 0
	} else {
		// There won't be a rgrp in the last megabyte.
		if devLen > prev.Addr+megaInBlocks {
			lastBound = devLen - prev.Addr - megaInBlocks
		}
		lastMeg = megaInBlocks
	}

	rgrpDist := away
	for b := away; b < lastBound; b++ {
		bt, err := dev.TypeOf(prev.Addr + b)
		if err != nil {
			return 0, err
		}
		if bt == ondisk.TypeRG {
			break
		}
		// if the first thing found is a bitmap, there must be a
		// damaged rgrp on the previous block
		if bt == ondisk.TypeRB {
			rgrpDist--
			break
		}
		rgrpDist++
	}

	return rgrpDist + lastMeg, nil

}
