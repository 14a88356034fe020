package rgrepair

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stratafs/stratafs/pkg/ondisk"
)

// smallFS is a 320 MiB filesystem with ten 32 MiB resource groups and
// two journals, the workhorse geometry for probe tests: big enough to
// lock a stride from six samples, small enough to scan quickly.
func smallFS(t *testing.T) *testFS {
	return formatDevice(t, 4096,
		[]segmentSpec{{lengthBlocks: 81920, rgSizeMB: 32}}, 2, 400)
}

func TestFindJournaledRGs(t *testing.T) {

	tf := smallFS(t)

	// plant a journaled copy of a resource group header
	decoy := tf.journalData[0][326]
	buf := make([]byte, tf.bsize)
	mh := ondisk.NewMetaHeader(ondisk.TypeRG)
	if err := mh.Encode(buf); err != nil {
		t.Fatal(err)
	}
	tf.writeRaw(decoy, buf)

	fs := tf.mount()
	r := tf.repairer(fs, AlwaysNo)

	err := r.findJournaledRGs()
	assert.NoError(t, err)
	assert.Len(t, r.falseRGs, 1)
	assert.True(t, r.isFalseRG(decoy))

}

func TestFindShortestRGDist(t *testing.T) {

	tf := smallFS(t)
	fs := tf.mount()
	r := tf.repairer(fs, AlwaysNo)

	probe, err := r.findShortestRGDist()
	if err != nil {
		t.Fatal(err)
	}

	// first distance absorbs the remainder; steady stride is the device
	// split evenly between the groups, just under 32 MiB worth of blocks
	assert.Equal(t, tf.rgs[1].Addr-tf.rgs[0].Addr, probe.dist[0])
	assert.Equal(t, tf.rgs[2].Addr-tf.rgs[1].Addr, probe.dist[1])
	assert.Equal(t, 1, probe.nseg)
	assert.Equal(t, 1, probe.cnt[0])
	assert.Equal(t, len(tf.rgs)-1, probe.cnt[1])

}

// TestProbeSkipsJournalDecoy is the journal decoy scenario: a block
// inside a journal that looks exactly like a group header derails the
// prober unless the journal scan has blacklisted it first.
func TestProbeSkipsJournalDecoy(t *testing.T) {

	tf := smallFS(t)

	decoy := tf.journalData[0][326]
	buf := make([]byte, tf.bsize)
	mh := ondisk.NewMetaHeader(ondisk.TypeRG)
	if err := mh.Encode(buf); err != nil {
		t.Fatal(err)
	}
	tf.writeRaw(decoy, buf)

	// with the scanner, the decoy is skipped and the distances hold
	fs := tf.mount()
	r := tf.repairer(fs, AlwaysNo)
	probe, err := r.findShortestRGDist()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, tf.rgs[1].Addr-tf.rgs[0].Addr, probe.dist[0])
	assert.Equal(t, tf.rgs[2].Addr-tf.rgs[1].Addr, probe.dist[1])

	// with the false set suppressed, the decoy is mistaken for the
	// second group and the first distance collapses to it
	r2 := tf.repairer(fs, AlwaysNo)
	r2.falseRGs = make(map[uint64]struct{})
	probe2, err := r2.findShortestRGDist()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, decoy-tf.rgs[0].Addr, probe2.dist[0])
	assert.NotEqual(t, probe.dist[0], probe2.dist[0])

}

// TestProbeDamagedSecondRG: when the second group is destroyed the
// probe measures #1 to #3 and must fall back on the second rindex
// record to recover the true first distance.
func TestProbeDamagedSecondRG(t *testing.T) {

	tf := smallFS(t)
	tf.zeroBlock(tf.rgs[1].Addr)

	fs := tf.mount()
	r := tf.repairer(fs, AlwaysNo)

	probe, err := r.findShortestRGDist()
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, tf.rgs[1].Addr-tf.rgs[0].Addr, probe.dist[0])
	assert.Equal(t, tf.rgs[2].Addr-tf.rgs[1].Addr, probe.dist[1])

}

func TestProbeFailsWithoutJournals(t *testing.T) {

	tf := smallFS(t)
	tf.zeroBlock(tf.jindexAddr)

	fs := tf.mount()
	r := tf.repairer(fs, AlwaysNo)

	_, err := r.findShortestRGDist()
	assert.Error(t, err)

}
