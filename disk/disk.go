package disk

import (
	"errors"

	"github.com/mit-pdos/inodefs/common"
)

// Sector is a SectorSize-byte buffer
type Sector = []byte

const SectorSize uint64 = common.SECTORSZ

var ErrOutOfRange = errors.New("sector out of range")

// Disk provides access to a logical sector-based disk
type Disk interface {
	// Read reads a disk sector by address
	//
	// Expects a < Size().
	Read(a common.Snum) (Sector, error)

	// ReadTo reads the disk sector at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a common.Snum, b Sector) error

	// Write updates a disk sector by address
	//
	// Expects a < Size().
	Write(a common.Snum, v Sector) error

	// Size reports how big the disk is, in sectors
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

func checkSector(b Sector) error {
	if uint64(len(b)) != SectorSize {
		return errors.New("buffer is not sector-sized")
	}
	return nil
}
