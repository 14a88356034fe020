package rgrepair

import (
	"errors"
	"fmt"

	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/strata"
)

// Repair runs one rung of the trust ladder: build the expected
// descriptor set for the level, merge it against the on-disk rindex,
// then scrub the groups themselves. ErrRepairRejected means the level
// found more than its method tolerates and the caller should climb.
func (r *Repairer) Repair(level TrustLevel) error {

	var expected *strata.RGSet
	var err error

	switch level {
	case BlindFaith:
		// Take the index at face value; the groups themselves still
		// get scrubbed against it.
		if err = r.fs.ReloadRindex(); err != nil {
			return err
		}
		if err = r.scrub(r.fs.RGs, r.fs.RGs.Len()); err != nil {
			return err
		}
		return r.flushRindex()

	case YeOfLittleFaith: // if rindex seems sane
		if !r.fs.RindexOK {
			r.log.Errorf("The rindex file does not meet our expectations.")
			return fmt.Errorf("rindex unusable at %s: %w", level, ErrRepairRejected)
		}
		expected = r.expectRindexSanity()

	case OpenMinded: // calculate our own index for comparison
		expected, err = r.rindexCalculate()
		if err != nil {
			r.log.Errorf("Failed to build resource groups: %v", err)
			return fmt.Errorf("%v: %w", err, ErrRepairRejected)
		}

	case Distrust, Indignation:
		expected, _, err = r.rindexRebuild(level == Indignation)
		if err != nil {
			if errors.Is(err, ErrUnrecoverable) && level == Distrust {
				// Stride walking loses on an uneven layout; the next
				// level hunts instead.
				return fmt.Errorf("%v: %w", err, ErrRepairRejected)
			}
			r.log.Critf("Error rebuilding rgrp list.")
			return err
		}

	default:
		return fmt.Errorf("unknown trust level %d", level)
	}

	calcCount := expected.Len()

	// Read in the rindex.
	if err = r.fs.ReloadRindex(); err != nil {
		return err
	}
	actual := r.fs.RGs

	size := r.fs.RindexInode.Size()
	if size%ondisk.RindexRecordSize != 0 {
		r.log.Warnf("WARNING: rindex file has an invalid size.")
		if !r.prompt.Query("Truncate the rindex size? (y/n)") {
			r.log.Errorf("The rindex was not repaired.")
			return ErrRepairRefused
		}
		size = size / ondisk.RindexRecordSize * ondisk.RindexRecordSize
		r.fs.RindexInode.SetSize(size)
		r.log.Errorf("Changing rindex size to %d.", size)
	}

	r.log.Warnf("L%d: number of rgs expected = %d.", level+1, r.fs.NumRGs)

	if calcCount != r.fs.NumRGs {
		r.log.Warnf("L%d: They don't match; either (1) the fs was extended, (2) an odd", level+1)
		r.log.Warnf("L%d: rgrp size was used, or (3) we have a corrupt rg index.", level+1)

		// Blocks cannot be allocated at this stage, so the index can
		// never grow beyond the space it already owns.
		mostThatFit := r.rindexCapacity()
		r.log.Debugf("The most we can fit is %d rgrps", mostThatFit)

		if calcCount > mostThatFit {
			if level < Distrust {
				r.log.Errorf("The rindex was not repaired.")
				return fmt.Errorf("rg count mismatch at %s: %w", level, ErrRepairRejected)
			}
			if !r.prompt.Query("Attempt to use what rgrps we can? (y/n)") {
				r.log.Errorf("The rindex was not repaired.")
				return ErrRepairRefused
			}
			calcCount = mostThatFit
			r.log.Errorf("Attempting to fix rindex with %d rgrps.", calcCount)
		} else if level >= Distrust {
			if !r.prompt.Query("Attempt to use what rgrps we can? (y/n)") {
				r.log.Errorf("The rindex was not repaired.")
				return ErrRepairRefused
			}
			r.log.Errorf("Attempting to fix rindex with %d rgrps.", calcCount)
		}
		// At the lower levels a shortfall that still fits the file's
		// allocation is restored record by record by the merge pass.
	}

	err = r.reconcile(level, expected, actual, calcCount)
	if err != nil {
		return err
	}

	err = r.scrub(actual, calcCount)
	if err != nil {
		return err
	}

	return r.flushRindex()

}

// RepairAll climbs the trust ladder until a level both accepts and
// leaves behind an index every resource group agrees with.
func (r *Repairer) RepairAll() error {

	var last error

	for _, level := range Levels {
		r.log.Warnf("Validating resource group index at level %s.", level)
		err := r.Repair(level)
		if err == nil {
			if r.validate() {
				r.log.Warnf("Resource group index is sane at level %s.", level)
				return nil
			}
			r.log.Warnf("Level %s left the index unusable; escalating.", level)
			last = fmt.Errorf("index still unusable after %s", level)
			continue
		}
		if errors.Is(err, ErrRepairRejected) {
			r.log.Warnf("%v", err)
			last = err
			continue
		}
		return err
	}

	return fmt.Errorf("%v: %w", last, ErrUnrecoverable)

}

// validate re-reads the finished index and every group it names.
func (r *Repairer) validate() bool {

	if err := r.fs.ReloadRindex(); err != nil {
		return false
	}
	if !r.fs.RindexOK || r.fs.RGs.Len() == 0 {
		return false
	}

	sane := true
	r.fs.RGs.Ascend(func(rg *strata.RG) bool {
		errblock, err := r.fs.ReadRG(rg)
		if err != nil || errblock != 0 {
			sane = false
			return false
		}
		rg.Relse()
		return true
	})

	return sane

}

// expectRindexSanity builds the expected set for the level that
// trusts the index's addresses but nothing derived from them: every
// record's length, data0, data and bitbytes are recomputed from the
// spans between its address and the next.
func (r *Repairer) expectRindexSanity() *strata.RGSet {

	bsize := r.fs.Dev.BlockSize()
	devLen := r.fs.Dev.Len()
	set := strata.NewRGSet()
	slice := r.fs.RGs.Slice()

	for i, rgd := range slice {
		span := devLen - rgd.Addr
		if i+1 < len(slice) {
			span = slice[i+1].Addr - rgd.Addr
		}
		exp := set.Insert(rgd.Addr)
		backfill(exp, bsize, span)
		if err := exp.ComputeBitstructs(bsize); err != nil {
			r.log.Warnf("rgrp at 0x%x: %v", exp.Addr, err)
		}
	}

	return set

}

// rindexCapacity is how many records fit in the blocks the rindex
// file already has mapped.
func (r *Repairer) rindexCapacity() int {
	blocks := 0
	for l := uint64(0); r.fs.RindexInode.BlockMap(l) != 0; l++ {
		blocks++
	}
	return blocks * int(r.fs.Dev.BlockSize()) / ondisk.RindexRecordSize
}

// reconcile compares the actual index against the expected set,
// rejects the level if they disagree beyond tolerance, then fixes the
// index record by record.
func (r *Repairer) reconcile(level TrustLevel, expected, actual *strata.RGSet, calcCount int) error {

	expSlice := expected.Slice()
	actSlice := actual.Slice()

	// See how far off the expected values are. If a large share of
	// the records are completely wrong, this method of recovery
	// should be abandoned for a better one.
	discrepancies := 0
	rg := 0
	for n, e := 0, 0; n < len(actSlice) && e < len(expSlice) && rg < calcCount; rg++ {
		act, exp := actSlice[n], expSlice[e]
		if act.Addr < exp.Addr {
			n++
			discrepancies++
			r.log.Infof("%d addr: 0x%x < 0x%x * mismatch", rg+1, act.Addr, exp.Addr)
			continue
		}
		if exp.Addr < act.Addr {
			e++
			discrepancies++
			r.log.Infof("%d addr: 0x%x > 0x%x * mismatch", rg+1, act.Addr, exp.Addr)
			continue
		}
		if act.Length != exp.Length || act.Data0 != exp.Data0 ||
			act.Data != exp.Data || act.Bitbytes != exp.Bitbytes {
			// At the level that trusts the addresses outright, the
			// derived fields are what this pass exists to mend, so
			// they don't count against it.
			if level > YeOfLittleFaith {
				discrepancies++
			}
			r.log.Infof("%d addr: 0x%x 0x%x * has mismatch", rg+1, act.Addr, exp.Addr)
		}
		n++
		e++
	}

	if rg == 0 && level < Distrust {
		// Nothing on disk corroborates the expected set, and this
		// level is not entitled to rebuild from scratch.
		r.log.Warnf("Level %d didn't work. No records to compare against.", level+1)
		return fmt.Errorf("empty comparison at %s: %w", level, ErrRepairRejected)
	}

	if rg > 0 {
		percent := (discrepancies * 100) / rg
		if percent > r.tun.TolerancePercent {
			r.log.Warnf("Level %d didn't work. Too many discrepancies.", level+1)
			r.log.Warnf("%d out of %d rgrps (%d percent) did not match what was expected.",
				discrepancies, rg, percent)
			return fmt.Errorf("%d percent of rgrps mismatched: %w", percent, ErrRepairRejected)
		}
	}
	r.log.Debugf("Calculated %d rgrps: Total: %d Match: %d Mismatch: %d",
		calcCount, rg, rg-discrepancies, discrepancies)

	// Fix index problems before looking at the groups themselves.
	bsize := r.fs.Dev.BlockSize()
	n := 0
	for e, slot := 0, 0; e < len(expSlice) && slot < calcCount; e, slot = e+1, slot+1 {

		exp := expSlice[e]
		modified := false
		var act *strata.RG

		if n >= len(actSlice) || exp.Addr < actSlice[n].Addr {
			// The next actual record is too far away, or the actual
			// index ran out: fill in from the expected values.
			r.log.Errorf("Entry missing from rindex: 0x%x", exp.Addr)
			act = actual.Insert(exp.Addr)
			actSlice = append(actSlice, nil)
			copy(actSlice[n+1:], actSlice[n:])
			actSlice[n] = act
			modified = true
		} else {
			act = actSlice[n]
			modified = r.compareRecord(slot, act, exp)
		}

		if modified {
			if r.prompt.Query("Fix the index? (y/n)") {
				err := r.fs.WriteRindexRecord(slot, exp)
				if err != nil {
					return err
				}
				act.Length = exp.Length
				act.Data0 = exp.Data0
				act.Data = exp.Data
				act.Bitbytes = exp.Bitbytes
				// A hosed index means the bitmap structures were
				// sized from garbage, so they have to be redone.
				act.Bits = nil
			} else {
				r.log.Errorf("rindex not fixed.")
			}
			if err := act.ComputeBitstructs(bsize); err != nil {
				r.log.Warnf("rgrp at 0x%x: %v", act.Addr, err)
			}
		}

		n++

	}

	return nil

}

// compareRecord logs every field of an index record that disagrees
// with the expected descriptor.
func (r *Repairer) compareRecord(slot int, act, exp *strata.RG) bool {

	modified := false

	if act.Length != exp.Length {
		r.log.Warnf("rindex #%d length discrepancy: index 0x%x != expected: 0x%x",
			slot+1, act.Length, exp.Length)
		modified = true
	}
	if act.Data0 != exp.Data0 {
		r.log.Warnf("rindex #%d data0 discrepancy: index 0x%x != expected: 0x%x",
			slot+1, act.Data0, exp.Data0)
		modified = true
	}
	if act.Data != exp.Data {
		r.log.Warnf("rindex #%d data discrepancy: index 0x%x != expected: 0x%x",
			slot+1, act.Data, exp.Data)
		modified = true
	}
	if act.Bitbytes != exp.Bitbytes {
		r.log.Warnf("rindex #%d bitbytes discrepancy: index 0x%x != expected: 0x%x",
			slot+1, act.Bitbytes, exp.Bitbytes)
		modified = true
	}

	return modified

}

// flushRindex syncs the rindex dinode if anything dirtied it. No
// prompt here: every change behind the dirty flag was already
// approved.
func (r *Repairer) flushRindex() error {
	if r.fs.RindexInode.Modified() {
		r.log.Debugf("Syncing rindex inode changes to disk.")
		return r.fs.RindexInode.Flush()
	}
	return nil
}
