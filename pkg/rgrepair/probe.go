package rgrepair

import (
	"github.com/stratafs/stratafs/pkg/ondisk"
)

// probeResult is what the distance prober learns about the device:
// per-segment inter-group strides and sample counts. dist[0] is the
// distance from the first group, just past the superblock, to the
// second group; it usually differs from the steady stride because the
// first group absorbs the layout remainder.
type probeResult struct {
	dist []uint64
	cnt  []int
	nseg int
}

// findShortestRGDist samples the device for the shortest distance
// between consecutive resource groups. Several are sampled because a
// group that has been blasted can look like twice the distance; after
// enough samples the segment's stride is locked and the scan jumps by
// it. A filesystem grown after format yields several segments with
// different strides.
func (r *Repairer) findShortestRGDist() (*probeResult, error) {

	// RG-looking blocks inside the journals must be ignored before
	// any hunting starts.
	if r.falseRGs == nil {
		err := r.findJournaledRGs()
		if err != nil {
			return nil, err
		}
	}

	dev := r.fs.Dev
	devLen := dev.Len()
	bsize := uint64(dev.BlockSize())
	samples := r.tun.ProbeSamples
	maxSeg := r.tun.MaxSegments

	firstRG := r.fs.FirstRGAddr()
	twoGigs := uint64(2048) * (1024 * 1024 / bsize)

	res := &probeResult{
		dist: make([]uint64, maxSeg),
		cnt:  make([]int, maxSeg),
	}

	initialFirstRGDist := firstRG
	res.dist[0] = firstRG
	blockLastRG := firstRG
	shortest := devLen
	rgsSampled := 0
	gsegment := 0

	bar := r.log.NewProgress("probing rgrp layout", "%", 0)
	defer bar.Finish(true)

	for blk := firstRG; blk < devLen; blk++ {

		var isRG bool
		var err error

		if blk == firstRG {
			isRG = true
		} else if r.isFalseRG(blk) {
			isRG = false
		} else {
			isRG, err = dev.IsType(blk, ondisk.TypeRG)
			if err != nil {
				return nil, err
			}
		}

		if !isRG {
			if rgsSampled >= samples {
				r.log.Infof("rgrp not found at block 0x%x. Last found rgrp was 0x%x. Checking the next one.", blk, blockLastRG)
				// check for just a damaged rgrp
				nblk := blk + res.dist[gsegment]
				if r.isFalseRG(nblk) || nblk >= devLen {
					isRG = false
				} else {
					isRG, err = dev.IsType(nblk, ondisk.TypeRG)
					if err != nil {
						return nil, err
					}
				}
				if isRG {
					r.log.Infof("Next rgrp is intact, so this one is damaged.")
					blk = nblk - 1
					res.cnt[gsegment]++
					continue
				}
				r.log.Infof("Looking for new segment.")
				blk -= 16
				rgsSampled = 0
				shortest = devLen
				// That last one didn't pan out, so:
				res.cnt[gsegment]--
				gsegment++
				if gsegment >= maxSeg {
					break
				}
			}
			if blk-blockLastRG > twoGigs {
				r.log.Infof("No rgrps were found within 2GB of the last rgrp. Must be the end of the file system.")
				break
			}
			continue
		}

		res.cnt[gsegment]++
		if rgsSampled >= samples {
			blockLastRG = blk
			blk += res.dist[gsegment] - 1
			continue
		}

		r.log.Infof("segment %d: rgrp found at block 0x%x", gsegment+1, blk)
		dist := blk - blockLastRG
		if blk > firstRG {
			r.log.Infof("dist 0x%x = 0x%x - 0x%x", dist, blk, blockLastRG)
			// The first distance is measured against its sentinel:
			// once the second group is found it anchors the first
			// slot and the stride sampling starts over.
			if res.dist[0] == initialFirstRGDist {
				res.dist[0] = dist
				res.cnt[0] = 1
				rgsSampled = 0
			}
			if dist < shortest {
				shortest = dist
				r.log.Infof("(shortest so far)")
			}
			rgsSampled++
			if rgsSampled == samples {
				res.dist[gsegment] = shortest
				r.log.Infof("Settled on distance 0x%x for segment %d", shortest, gsegment+1)
			}
		} else {
			gsegment++
			if gsegment >= maxSeg {
				break
			}
		}

		blockLastRG = blk
		if rgsSampled < samples {
			blk += 250 // skip ahead for performance
		} else {
			blk += shortest - 1
		}

	}

	if gsegment >= maxSeg {
		r.log.Errorf("Maximum number of rgrp grow segments reached.")
		r.log.Errorf("This file system has more than %d resource group segments.", maxSeg)
	}
	res.nseg = gsegment

	// Sanity-check the first distance. If the second group got nuked
	// the probe measured from #1 to #3, which would be bad. Remedial
	// data comes from the index, even though we distrust it here: the
	// second record is better than a distance known to be wrong.
	if res.dist[0] >= shortest+shortest/4 {
		ri, err := r.fs.ReadRindexRecord(1)
		if err == nil && ri.Addr > firstRG {
			res.dist[0] = ri.Addr - firstRG
			r.log.Warnf("rgrp 2 is damaged: getting dist from index: 0x%x", res.dist[0])
		} else {
			rgrps := uint64(r.fs.NumRGs)
			if rgrps > 1 {
				res.dist[0] = devLen - (rgrps-1)*(devLen/rgrps)
			}
			r.log.Warnf("rgrp index 2 is damaged: extrapolating dist: 0x%x", res.dist[0])
		}
		r.log.Debugf("Adjusted first rgrp distance: 0x%x", res.dist[0])
	}

	return res, nil

}
