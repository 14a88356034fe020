package ondisk

import (
	"bytes"
	"encoding/binary"
)

// RGHeader is the structure at the start of every resource group
// header block. The first stretch of bitmap follows it in the same
// block, from offset RGHeaderSize.
type RGHeader struct {
	Header      MetaHeader
	Flags       uint32
	Free        uint32
	Dinodes     uint32
	_           uint32
	Igeneration uint64
	_           [80]byte
}

// DecodeRGHeader parses an RG header from a raw block. The caller is
// expected to have checked the block type already.
func DecodeRGHeader(buf []byte) (*RGHeader, error) {
	rh := new(RGHeader)
	err := binary.Read(bytes.NewReader(buf), binary.BigEndian, rh)
	if err != nil {
		return nil, err
	}
	return rh, nil
}

// Encode writes the RG header into the front of a raw block, leaving
// the bitmap payload beyond RGHeaderSize untouched.
func (rh *RGHeader) Encode(buf []byte) error {
	w := new(bytes.Buffer)
	err := binary.Write(w, binary.BigEndian, rh)
	if err != nil {
		return err
	}
	copy(buf, w.Bytes())
	return nil
}

// RindexRecord is the serialized form of one resource group
// descriptor, as repeated in the rindex file.
type RindexRecord struct {
	Addr     uint64
	Length   uint32
	_        uint32
	Data0    uint64
	Data     uint32
	Bitbytes uint32
	_        [18]uint32
}

// DecodeRindexRecord parses a single rindex record.
func DecodeRindexRecord(buf []byte) (*RindexRecord, error) {
	ri := new(RindexRecord)
	err := binary.Read(bytes.NewReader(buf), binary.BigEndian, ri)
	if err != nil {
		return nil, err
	}
	return ri, nil
}

// Encode serializes the record into exactly RindexRecordSize bytes.
func (ri *RindexRecord) Encode() ([]byte, error) {
	w := new(bytes.Buffer)
	err := binary.Write(w, binary.BigEndian, ri)
	if err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
