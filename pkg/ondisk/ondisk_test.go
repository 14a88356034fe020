package ondisk

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"
	"unsafe"
)

var zeroes = bytes.NewReader(make([]byte, 8192))

func offsetOf(obj, field interface{}) int {

	zeroes.Seek(0, io.SeekStart)
	err := binary.Read(zeroes, binary.BigEndian, obj)
	if err != nil {
		panic(err)
	}

	ptr := (*uint8)(unsafe.Pointer(reflect.ValueOf(field).Pointer()))
	val := *ptr
	*ptr = 0xFF

	buf := new(bytes.Buffer)
	err = binary.Write(buf, binary.BigEndian, obj)
	if err != nil {
		panic(err)
	}

	*ptr = val

	return bytes.IndexByte(buf.Bytes(), 0xFF)

}

func TestMetaHeaderStruct(t *testing.T) {

	mh := &MetaHeader{}
	if size := binary.Size(mh); size != MetaHeaderSize {
		t.Errorf("struct MetaHeader is the wrong size -- expect %d but got %d", MetaHeaderSize, size)
	}

	if offset := offsetOf(mh, &mh.Format); offset != 12 {
		t.Errorf("struct MetaHeader has been corrupted (a field is offset incorrectly)")
	}

}

func TestSuperblockStruct(t *testing.T) {

	sb := &Superblock{}
	if size := binary.Size(sb); size != SuperblockSize {
		t.Errorf("struct Superblock is the wrong size -- expect %d but got %d", SuperblockSize, size)
	}

	if offset := offsetOf(sb, &sb.RindexAddr); offset != 40 {
		t.Errorf("struct Superblock has been corrupted (a field is offset incorrectly)")
	}

	if offset := offsetOf(sb, &sb.UUID); offset != 64 {
		t.Errorf("struct Superblock has been corrupted (a field is offset incorrectly)")
	}

}

func TestRGHeaderStruct(t *testing.T) {

	rh := &RGHeader{}
	if size := binary.Size(rh); size != RGHeaderSize {
		t.Errorf("struct RGHeader is the wrong size -- expect %d but got %d", RGHeaderSize, size)
	}

	if offset := offsetOf(rh, &rh.Free); offset != 28 {
		t.Errorf("struct RGHeader has been corrupted (a field is offset incorrectly)")
	}

	if offset := offsetOf(rh, &rh.Igeneration); offset != 40 {
		t.Errorf("struct RGHeader has been corrupted (a field is offset incorrectly)")
	}

}

func TestRindexRecordStruct(t *testing.T) {

	ri := &RindexRecord{}
	if size := binary.Size(ri); size != RindexRecordSize {
		t.Errorf("struct RindexRecord is the wrong size -- expect %d but got %d", RindexRecordSize, size)
	}

	if offset := offsetOf(ri, &ri.Data0); offset != 16 {
		t.Errorf("struct RindexRecord has been corrupted (a field is offset incorrectly)")
	}

	if offset := offsetOf(ri, &ri.Bitbytes); offset != 28 {
		t.Errorf("struct RindexRecord has been corrupted (a field is offset incorrectly)")
	}

}

func TestDinodeStruct(t *testing.T) {

	di := &Dinode{}
	if size := binary.Size(di); size != DinodeHeaderSize {
		t.Errorf("struct Dinode is the wrong size -- expect %d but got %d", DinodeHeaderSize, size)
	}

	if offset := offsetOf(di, &di.Size); offset != 32 {
		t.Errorf("struct Dinode has been corrupted (a field is offset incorrectly)")
	}

}

func TestBlockType(t *testing.T) {

	buf := make([]byte, 4096)
	if bt := BlockType(buf); bt != TypeNone {
		t.Errorf("zero block misidentified as type %d", bt)
	}

	binary.BigEndian.PutUint32(buf[0:], Magic)
	binary.BigEndian.PutUint32(buf[4:], TypeRG)
	if bt := BlockType(buf); bt != TypeRG {
		t.Errorf("RG block misidentified as type %d", bt)
	}

	// wrong magic must never report a known type
	binary.BigEndian.PutUint32(buf[0:], Magic+1)
	if bt := BlockType(buf); bt != TypeNone {
		t.Errorf("bad-magic block misidentified as type %d", bt)
	}

	// a type tag outside the catalog is not a metadata block
	binary.BigEndian.PutUint32(buf[0:], Magic)
	binary.BigEndian.PutUint32(buf[4:], 77)
	if bt := BlockType(buf); bt != TypeNone {
		t.Errorf("unknown-type block misidentified as type %d", bt)
	}

	if !CheckMeta(nil, TypeNone) {
		t.Errorf("short buffer should check as TypeNone")
	}

}

func TestRindexRecordRoundTrip(t *testing.T) {

	in := &RindexRecord{
		Addr:     0x11,
		Length:   17,
		Data0:    0x22,
		Data:     262120,
		Bitbytes: 65530,
	}

	buf, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != RindexRecordSize {
		t.Fatalf("encoded rindex record is %d bytes", len(buf))
	}

	out, err := DecodeRindexRecord(buf)
	if err != nil {
		t.Fatal(err)
	}

	if *out != *in {
		t.Errorf("rindex record did not survive the round trip: %+v != %+v", out, in)
	}

}
