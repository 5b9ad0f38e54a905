package common

import (
	"errors"
)

const (
	SECTORSZ uint64 = 512 // bytes per disk sector
	SNUMSZ   uint64 = 4   // on-disk size of a sector number

	NDIRECT   uint64 = 124               // direct entries in an inode record
	NINDIRECT uint64 = SECTORSZ / SNUMSZ // entries in an index block

	// An inode addresses NDIRECT sectors directly and NINDIRECT inner index
	// blocks of NINDIRECT sectors each through its indirect root.
	MAXSECTORS  uint64 = NDIRECT + NINDIRECT*NINDIRECT
	MAXFILESIZE uint64 = MAXSECTORS * SECTORSZ

	INODEMAGIC uint32 = 0x494e4f44

	NBITSECTOR uint64 = SECTORSZ * 8
)

// Snum is a sector number. Sector 0 is never allocated, so NULLSNUM marks an
// unused direct slot or index entry.
type Snum = uint32

const (
	NULLSNUM    Snum = 0
	FREEMAPSNUM Snum = 0 // record of the free-map file in a formatted image
)

var (
	ErrCapacityExceeded = errors.New("offset beyond inode capacity")
	ErrAllocationFailed = errors.New("sector allocation failed")
	ErrCorrupt          = errors.New("corrupt inode")
)
