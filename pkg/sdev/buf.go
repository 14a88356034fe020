package sdev

// Buf is a buffer head: one block's worth of data plus the dirty
// state the inode layer needs to defer writes until the operator has
// approved them.
type Buf struct {
	Addr uint64
	Data []byte

	dev      *Device
	modified bool
}

// BRead reads the block at addr into a buffer head. Release with
// Relse on every exit path.
func (d *Device) BRead(addr uint64) (*Buf, error) {
	data, err := d.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return &Buf{Addr: addr, Data: data, dev: d}, nil
}

// BGet returns a zeroed buffer head for addr without reading the
// device, for blocks about to be rewritten wholesale.
func (d *Device) BGet(addr uint64) *Buf {
	data := d.pool.Get().([]byte)
	for i := range data {
		data[i] = 0
	}
	return &Buf{Addr: addr, Data: data, dev: d}
}

// SetModified marks the buffer dirty.
func (b *Buf) SetModified() {
	b.modified = true
}

// IsModified reports whether the buffer has unwritten changes.
func (b *Buf) IsModified() bool {
	return b.modified
}

// Write flushes the buffer to the device and clears the dirty flag.
func (b *Buf) Write() error {
	err := b.dev.WriteBlock(b.Addr, b.Data)
	if err != nil {
		return err
	}
	b.modified = false
	return nil
}

// Relse returns the buffer to the device pool. Dirty contents are
// dropped; callers flush with Write first when the change is approved.
func (b *Buf) Relse() {
	if b.Data != nil {
		b.dev.Relse(b.Data)
		b.Data = nil
	}
}
