package rgrepair

import (
	"github.com/stratafs/stratafs/pkg/ondisk"
	"github.com/stratafs/stratafs/pkg/strata"
)

// scrub reads every block of every group in the reconciled set and
// rewrites the ones that are not what the index says they are. Each
// group is re-read after a rewrite, up to its length, but a block that
// errs twice in a row means no progress is being made and the group
// is left for a higher trust level.
func (r *Repairer) scrub(set *strata.RGSet, limit int) error {

	slice := set.Slice()
	if limit > len(slice) {
		limit = len(slice)
	}

	bar := r.log.NewProgress("scrubbing resource groups", "%", int64(limit))

	for _, rgd := range slice[:limit] {

		var prevErr uint64

		for i := uint32(0); ; i++ {

			errblock, err := r.fs.ReadRG(rgd)
			if err != nil {
				bar.Finish(false)
				return err
			}

			if errblock == 0 {
				rgd.Relse()
				break
			}
			if errblock == prevErr {
				break
			}
			prevErr = errblock

			err = r.rewriteRGBlock(rgd, errblock)
			if err != nil {
				bar.Finish(false)
				return err
			}

			if i+1 >= rgd.Length {
				break
			}

		}

		bar.Increment(1)

	}

	bar.Finish(true)
	return nil

}

// rewriteRGBlock fixes one block of a group: a fresh bitmap header if
// the bad block is a continuation block, or a whole group header
// rebuilt from the descriptor if it is the first. The bitmap payload
// around the header survives either way. Refusing the prompt is not
// an error; the scrub loop just stops making progress on this group.
func (r *Repairer) rewriteRGBlock(rg *strata.RG, errblock uint64) error {

	x := uint32(errblock - rg.Addr)
	typedesc := ondisk.TypeName(ondisk.TypeRG)
	if x != 0 {
		typedesc = ondisk.TypeName(ondisk.TypeRB)
	}

	r.log.Errorf("Block #%d (0x%x) (%d of %d) is not a %s.",
		errblock, errblock, x+1, rg.Length, typedesc)
	if !r.prompt.Query("Fix the resource group? (y/n)") {
		return nil
	}
	r.log.Errorf("Attempting to repair the resource group.")

	buf, err := r.fs.Dev.ReadBlock(errblock)
	if err != nil {
		return err
	}
	defer r.fs.Dev.Relse(buf)

	if x != 0 {
		mh := ondisk.NewMetaHeader(ondisk.TypeRB)
		err = mh.Encode(buf)
	} else {
		rg.Free = rg.Data
		rh := &ondisk.RGHeader{
			Header:      ondisk.NewMetaHeader(ondisk.TypeRG),
			Flags:       rg.Flags,
			Free:        rg.Free,
			Dinodes:     rg.Dinodes,
			Igeneration: rg.Igeneration,
		}
		err = rh.Encode(buf)
	}
	if err != nil {
		return err
	}

	return r.fs.Dev.WriteBlock(errblock, buf)

}
