package addr

import (
	"fmt"

	"github.com/mit-pdos/inodefs/common"
)

type Level uint8

const (
	Direct Level = iota
	Indirect
)

// Addr locates one data sector of a file in its inode's index.
//
// A Direct address names a slot of the record's direct array. An Indirect
// address names an entry (Outer) of the root index block, which holds an inner
// index block, and the entry (Inner) of that block holding the data sector.
type Addr struct {
	Level Level
	Slot  uint64
	Outer uint64
	Inner uint64
}

func (a Addr) String() string {
	if a.Level == Direct {
		return fmt.Sprintf("direct[%d]", a.Slot)
	}
	return fmt.Sprintf("root[%d][%d]", a.Outer, a.Inner)
}

// Locate translates file sector index idx into its index position.
func Locate(idx uint64) (Addr, error) {
	if idx < common.NDIRECT {
		return Addr{Level: Direct, Slot: idx}, nil
	}
	r := idx - common.NDIRECT
	outer := r / common.NINDIRECT
	if outer >= common.NINDIRECT {
		return Addr{}, fmt.Errorf("sector %d: %w", idx, common.ErrCapacityExceeded)
	}
	return Addr{Level: Indirect, Outer: outer, Inner: r % common.NINDIRECT}, nil
}

// NumSectors is the number of data sectors needed for length bytes.
func NumSectors(length uint64) uint64 {
	return (length + common.SECTORSZ - 1) / common.SECTORSZ
}

// IndexBlocks is the number of index blocks (root and inner) a file with
// nsectors data sectors uses.
func IndexBlocks(nsectors uint64) uint64 {
	if nsectors <= common.NDIRECT {
		return 0
	}
	r := nsectors - common.NDIRECT
	return 1 + (r+common.NINDIRECT-1)/common.NINDIRECT
}
