package disk

import (
	"fmt"
	"sync"

	gdisk "github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/inodefs/common"
)

const sectorsPerBlock = gdisk.BlockSize / SectorSize

var _ Disk = (*gooseDisk)(nil)

// gooseDisk packs sectorsPerBlock sectors into each block of a goose disk.
// Writing a sector is a read-modify-write of its block, serialized by l.
type gooseDisk struct {
	l *sync.Mutex
	d gdisk.Disk
}

func NewGooseDisk(d gdisk.Disk) Disk {
	return &gooseDisk{l: new(sync.Mutex), d: d}
}

func (d *gooseDisk) locate(a common.Snum) (uint64, uint64) {
	return uint64(a) / sectorsPerBlock, (uint64(a) % sectorsPerBlock) * SectorSize
}

func (d *gooseDisk) ReadTo(a common.Snum, buf Sector) error {
	if err := checkSector(buf); err != nil {
		return err
	}
	n, _ := d.Size()
	if uint64(a) >= n {
		return fmt.Errorf("read sector %d: %w", a, ErrOutOfRange)
	}
	blkno, off := d.locate(a)
	d.l.Lock()
	blk := d.d.Read(blkno)
	d.l.Unlock()
	copy(buf, blk[off:off+SectorSize])
	return nil
}

func (d *gooseDisk) Read(a common.Snum) (Sector, error) {
	buf := make(Sector, SectorSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *gooseDisk) Write(a common.Snum, v Sector) error {
	if err := checkSector(v); err != nil {
		return err
	}
	n, _ := d.Size()
	if uint64(a) >= n {
		return fmt.Errorf("write sector %d: %w", a, ErrOutOfRange)
	}
	blkno, off := d.locate(a)
	d.l.Lock()
	defer d.l.Unlock()
	blk := d.d.Read(blkno)
	copy(blk[off:off+SectorSize], v)
	d.d.Write(blkno, blk)
	return nil
}

func (d *gooseDisk) Size() (uint64, error) {
	return d.d.Size() * sectorsPerBlock, nil
}

func (d *gooseDisk) Barrier() error {
	d.d.Barrier()
	return nil
}

func (d *gooseDisk) Close() error {
	d.d.Close()
	return nil
}
