package disk

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/util"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd         int
	numSectors uint64
}

// NewFileDisk opens (creating if needed) a disk image at path holding
// numSectors sectors. A regular file is resized to fit; numSectors == 0 keeps
// the image's current size.
func NewFileDisk(path string, numSectors uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening disk image %q: %w", path, err)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat disk image %q: %w", path, err)
	}
	if numSectors == 0 {
		numSectors = uint64(stat.Size) / SectorSize
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numSectors*SectorSize {
		err = unix.Ftruncate(fd, int64(numSectors*SectorSize))
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("resizing disk image %q: %w", path, err)
		}
	}
	return &fileDisk{fd: fd, numSectors: numSectors}, nil
}

func (d *fileDisk) ReadTo(a common.Snum, buf Sector) error {
	if err := checkSector(buf); err != nil {
		return err
	}
	if uint64(a) >= d.numSectors {
		return fmt.Errorf("read sector %d: %w", a, ErrOutOfRange)
	}
	n, err := unix.Pread(d.fd, buf, int64(uint64(a)*SectorSize))
	if err != nil {
		return fmt.Errorf("read sector %d: %w", a, err)
	}
	if uint64(n) != SectorSize {
		return fmt.Errorf("read sector %d: short read of %d bytes", a, n)
	}
	util.DPrintf(20, "read: %v\n", a)
	return nil
}

func (d *fileDisk) Read(a common.Snum) (Sector, error) {
	buf := make([]byte, SectorSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a common.Snum, v Sector) error {
	if err := checkSector(v); err != nil {
		return err
	}
	if uint64(a) >= d.numSectors {
		return fmt.Errorf("write sector %d: %w", a, ErrOutOfRange)
	}
	n, err := unix.Pwrite(d.fd, v, int64(uint64(a)*SectorSize))
	if err != nil {
		return fmt.Errorf("write sector %d: %w", a, err)
	}
	if uint64(n) != SectorSize {
		return fmt.Errorf("write sector %d: short write of %d bytes", a, n)
	}
	util.DPrintf(20, "write: %v\n", a)
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numSectors, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return fmt.Errorf("file sync failed: %w", err)
	}
	util.DPrintf(20, "barrier\n")
	return nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

/////////////////////////
/////////////////////////

var _ Disk = (*MemDisk)(nil)

// MemDisk is an in-memory disk. It counts reads and writes per sector and can
// be told to fail I/O on chosen sectors.
type MemDisk struct {
	l       *sync.Mutex
	sectors [][SectorSize]byte
	reads   map[common.Snum]uint64
	writes  map[common.Snum]uint64
	faults  map[common.Snum]error
}

func NewMemDisk(numSectors uint64) *MemDisk {
	return &MemDisk{
		l:       new(sync.Mutex),
		sectors: make([][SectorSize]byte, numSectors),
		reads:   make(map[common.Snum]uint64),
		writes:  make(map[common.Snum]uint64),
		faults:  make(map[common.Snum]error),
	}
}

func (d *MemDisk) ReadTo(a common.Snum, buf Sector) error {
	if err := checkSector(buf); err != nil {
		return err
	}
	d.l.Lock()
	defer d.l.Unlock()
	if uint64(a) >= uint64(len(d.sectors)) {
		return fmt.Errorf("read sector %d: %w", a, ErrOutOfRange)
	}
	if err := d.faults[a]; err != nil {
		return fmt.Errorf("read sector %d: %w", a, err)
	}
	d.reads[a] += 1
	copy(buf, d.sectors[a][:])
	return nil
}

func (d *MemDisk) Read(a common.Snum) (Sector, error) {
	buf := make(Sector, SectorSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *MemDisk) Write(a common.Snum, v Sector) error {
	if err := checkSector(v); err != nil {
		return err
	}
	d.l.Lock()
	defer d.l.Unlock()
	if uint64(a) >= uint64(len(d.sectors)) {
		return fmt.Errorf("write sector %d: %w", a, ErrOutOfRange)
	}
	if err := d.faults[a]; err != nil {
		return fmt.Errorf("write sector %d: %w", a, err)
	}
	d.writes[a] += 1
	copy(d.sectors[a][:], v)
	return nil
}

func (d *MemDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.sectors)), nil
}

func (d *MemDisk) Barrier() error { return nil }

func (d *MemDisk) Close() error { return nil }

// Reads reports how many times sector a has been read from the device.
func (d *MemDisk) Reads(a common.Snum) uint64 {
	d.l.Lock()
	defer d.l.Unlock()
	return d.reads[a]
}

// Writes reports how many times sector a has been written to the device.
func (d *MemDisk) Writes(a common.Snum) uint64 {
	d.l.Lock()
	defer d.l.Unlock()
	return d.writes[a]
}

// Fail makes every later read or write of sector a return err; a nil err
// clears the fault.
func (d *MemDisk) Fail(a common.Snum, err error) {
	d.l.Lock()
	defer d.l.Unlock()
	if err == nil {
		delete(d.faults, a)
	} else {
		d.faults[a] = err
	}
}
