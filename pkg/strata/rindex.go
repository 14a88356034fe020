package strata

import (
	"github.com/stratafs/stratafs/pkg/ondisk"
)

// RGFromRecord copies the serialized fields of a rindex record into a
// fresh descriptor.
func RGFromRecord(ri *ondisk.RindexRecord) *RG {
	return &RG{
		Addr:     ri.Addr,
		Length:   ri.Length,
		Data0:    ri.Data0,
		Data:     ri.Data,
		Bitbytes: ri.Bitbytes,
	}
}

// RecordFromRG serializes a descriptor's index fields.
func RecordFromRG(rg *RG) *ondisk.RindexRecord {
	return &ondisk.RindexRecord{
		Addr:     rg.Addr,
		Length:   rg.Length,
		Data0:    rg.Data0,
		Data:     rg.Data,
		Bitbytes: rg.Bitbytes,
	}
}

// ReadRindexRecord reads the i'th record of the rindex file.
func (fs *FS) ReadRindexRecord(i int) (*ondisk.RindexRecord, error) {
	buf := make([]byte, ondisk.RindexRecordSize)
	_, err := fs.RindexInode.Readi(buf, uint64(i)*ondisk.RindexRecordSize)
	if err != nil {
		return nil, err
	}
	return ondisk.DecodeRindexRecord(buf)
}

// WriteRindexRecord writes the descriptor's index fields at slot i of
// the rindex file, growing the file if the slot is past its end.
func (fs *FS) WriteRindexRecord(i int, rg *RG) error {
	buf, err := RecordFromRG(rg).Encode()
	if err != nil {
		return err
	}
	_, err = fs.RindexInode.Writei(buf, uint64(i)*ondisk.RindexRecordSize)
	return err
}

// ReadRindex reads the whole rindex file into a fresh descriptor set.
// The returned flag reports whether the index met expectations:
// strictly ascending addresses and a nonzero length on every record.
// Reading stops at the first record that breaks the rule.
func (fs *FS) ReadRindex() (*RGSet, int, bool, error) {

	set := NewRGSet()
	count := int(fs.RindexInode.Size() / ondisk.RindexRecordSize)
	ok := true

	prev := uint64(0)
	for i := 0; i < count; i++ {

		ri, err := fs.ReadRindexRecord(i)
		if err != nil {
			return nil, 0, false, err
		}

		if ri.Length == 0 || (i > 0 && ri.Addr <= prev) {
			fs.log.Warnf("rindex record %d is out of order or empty", i+1)
			ok = false
			break
		}
		prev = ri.Addr

		rg := RGFromRecord(ri)
		if err := rg.ComputeBitstructs(fs.Dev.BlockSize()); err != nil {
			fs.log.Warnf("rindex record %d: %v", i+1, err)
		}
		set.tree.ReplaceOrInsert(rg)

	}

	return set, count, ok, nil

}

// ReloadRindex re-reads the on-disk rindex into the FS view,
// releasing the previous set.
func (fs *FS) ReloadRindex() error {
	if fs.RGs != nil {
		fs.RGs.Free()
	}
	set, count, ok, err := fs.ReadRindex()
	if err != nil {
		return err
	}
	fs.RGs, fs.NumRGs, fs.RindexOK = set, count, ok
	return nil
}
