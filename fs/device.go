package fs

import "sync/atomic"

// Device numbers the inodes of one mounted filesystem.
type Device struct {
	ID uint64

	lastIno uint64
}

var lastAnonDevice uint64

func NewAnonDevice() *Device {
	return &Device{ID: atomic.AddUint64(&lastAnonDevice, 1)}
}

func (d *Device) NextIno() uint64 {
	return atomic.AddUint64(&d.lastIno, 1)
}

// StableAttr returns fresh attributes for a new inode on d.
func (d *Device) StableAttr(typ InodeType) InodeStableAttr {
	return InodeStableAttr{
		Type:      typ,
		DeviceID:  d.ID,
		InodeID:   d.NextIno(),
		BlockSize: 4096,
	}
}
