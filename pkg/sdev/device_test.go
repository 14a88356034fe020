package sdev

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stratafs/stratafs/pkg/ondisk"
)

func scratchDevice(t *testing.T, blocks uint64, bsize uint32) *Device {

	t.Helper()

	dir, err := ioutil.TempDir("", "sdev-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "dev.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	err = f.Truncate(int64(blocks) * int64(bsize))
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, err := Open(path, bsize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	return d

}

func TestOpenRejectsBadBlockSize(t *testing.T) {

	_, err := Open("irrelevant", 1000)
	assert.Error(t, err)

	_, err = Open("irrelevant", 256)
	assert.Error(t, err)

}

func TestReadWriteRoundTrip(t *testing.T) {

	d := scratchDevice(t, 64, 4096)
	assert.Equal(t, uint64(64), d.Len())

	buf := make([]byte, 4096)
	binary.BigEndian.PutUint32(buf[0:], ondisk.Magic)
	binary.BigEndian.PutUint32(buf[4:], ondisk.TypeRG)

	err := d.WriteBlock(7, buf)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), d.Writes())

	got, err := d.ReadBlock(7)
	assert.NoError(t, err)
	defer d.Relse(got)
	assert.Equal(t, buf, got)

	bt, err := d.TypeOf(7)
	assert.NoError(t, err)
	assert.Equal(t, uint32(ondisk.TypeRG), bt)

	ok, err := d.IsType(8, ondisk.TypeRG)
	assert.NoError(t, err)
	assert.False(t, ok)

}

func TestOutOfRange(t *testing.T) {

	d := scratchDevice(t, 8, 512)

	_, err := d.ReadBlock(8)
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = d.WriteBlock(9, make([]byte, 512))
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = d.WriteBlock(1, make([]byte, 513))
	assert.ErrorIs(t, err, ErrBadBlockLen)

}

func TestBufferHeadDiscipline(t *testing.T) {

	d := scratchDevice(t, 16, 512)

	bh, err := d.BRead(3)
	if err != nil {
		t.Fatal(err)
	}

	assert.False(t, bh.IsModified())
	bh.Data[0] = 0xAA
	bh.SetModified()
	assert.True(t, bh.IsModified())

	err = bh.Write()
	assert.NoError(t, err)
	assert.False(t, bh.IsModified())
	bh.Relse()

	check, err := d.ReadBlock(3)
	assert.NoError(t, err)
	defer d.Relse(check)
	assert.Equal(t, byte(0xAA), check[0])

}

func TestDiscardPunchesFileHole(t *testing.T) {

	d := scratchDevice(t, 32, 4096)

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0x55
	}
	err := d.WriteBlock(4, buf)
	assert.NoError(t, err)

	err = d.Discard(4, 1)
	assert.NoError(t, err)

	got, err := d.ReadBlock(4)
	assert.NoError(t, err)
	defer d.Relse(got)
	assert.Equal(t, make([]byte, 4096), got)

}
