package rgrepair

import (
	"fmt"

	"github.com/stratafs/stratafs/pkg/ondisk"
)

// findJournaledRGs enumerates blocks that look exactly like resource
// group headers but live inside a journal. Resource groups are
// journaled, so their copies show up there routinely; hunting for real
// groups without this set would chase ghosts.
//
// The scan walks each journal's block map in logical order and stops
// at the first unmapped block, since journals are contiguously
// allocated.
func (r *Repairer) findJournaledRGs() error {

	r.falseRGs = make(map[uint64]struct{})

	journals, err := r.fs.Journals()
	if err != nil {
		r.log.Critf("Error: Can't read jindex required for rindex repairs.")
		return fmt.Errorf("scanning journals for false rgrps: %w", err)
	}
	defer func() {
		for _, ip := range journals {
			ip.Put()
		}
	}()

	bsize := uint64(r.fs.Dev.BlockSize())

	for j, ip := range journals {

		r.log.Debugf("Checking for rgrps in journal%d which starts at block 0x%x.", j, ip.Addr)
		jblocks := ip.Size() / bsize
		falseCount := 0

		for b := uint64(0); b < jblocks; b++ {
			dblock := ip.BlockMap(b)
			if dblock == 0 {
				break
			}
			isRG, err := r.fs.Dev.IsType(dblock, ondisk.TypeRG)
			if err != nil {
				return err
			}
			if isRG {
				falseCount++
				r.falseRGs[dblock] = struct{}{}
			}
		}

		r.log.Debugf("%d false positives identified.", falseCount)

	}

	return nil

}

func (r *Repairer) isFalseRG(blk uint64) bool {
	_, ok := r.falseRGs[blk]
	return ok
}
