package alloc

import (
	"errors"
	"sync"

	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/util"
)

var ErrNoSpace = errors.New("no free sectors")

// Allocator hands out free sector numbers.
type Allocator interface {
	// Allocate returns n free sectors, or none and an error.
	Allocate(n uint64) ([]common.Snum, error)
	// Release frees the n sectors starting at s.
	Release(s common.Snum, n uint64)
}

var _ Allocator = (*Alloc)(nil)

// Alloc uses a bit map to allocate and free numbers. Bit 0 corresponds to
// number 0, bit 1 to 1, and so on. Number 0 is never handed out.
type Alloc struct {
	lock   *sync.Mutex // protects bitmap and next
	next   uint64      // first number to try
	bitmap []byte
}

// MkAlloc takes ownership of bitmap.
func MkAlloc(bitmap []byte) *Alloc {
	if len(bitmap) == 0 {
		panic("MkAlloc: empty bitmap")
	}
	a := &Alloc{
		lock:   new(sync.Mutex),
		next:   0,
		bitmap: bitmap,
	}
	a.bitmap[0] |= 1
	return a
}

// MkMaxAlloc returns an allocator for the numbers [1, max).
func MkMaxAlloc(max uint64) *Alloc {
	if max == 0 {
		panic("MkMaxAlloc: invalid max")
	}
	bitmap := make([]byte, util.RoundUp(max, 8))
	for n := max; n < uint64(len(bitmap))*8; n++ {
		bitmap[n/8] |= 1 << (n % 8)
	}
	return MkAlloc(bitmap)
}

func (a *Alloc) incNext() uint64 {
	a.next = a.next + 1
	if a.next >= uint64(len(a.bitmap))*8 {
		a.next = 0
	}
	return a.next
}

// allocBit claims the first free bit at or after next, wrapping around.
// Returns 0 if the bitmap is full. Caller holds lock.
func (a *Alloc) allocBit() uint64 {
	var num uint64
	num = a.incNext()
	start := num
	for {
		bit := num % 8
		byteNum := num / 8
		util.DPrintf(10, "allocBit: s %d num %d byte 0x%x\n", start, num,
			a.bitmap[byteNum])
		if a.bitmap[byteNum]&(1<<bit) == 0 {
			a.bitmap[byteNum] |= 1 << bit
			break
		}
		num = a.incNext()
		if num == start {
			return 0
		}
	}
	return num
}

func (a *Alloc) freeBit(bn uint64) {
	if bn == 0 {
		panic("freeBit: 0")
	}
	byteNum := bn / 8
	bit := bn % 8
	if byteNum >= uint64(len(a.bitmap)) {
		panic("freeBit: out of range")
	}
	if a.bitmap[byteNum]&(1<<bit) == 0 {
		panic("freeBit: double free")
	}
	a.bitmap[byteNum] &= ^(1 << bit)
}

// AllocNum returns a free number, or 0 if none is left.
func (a *Alloc) AllocNum() uint64 {
	a.lock.Lock()
	num := a.allocBit()
	a.lock.Unlock()
	return num
}

func (a *Alloc) FreeNum(num uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.freeBit(num)
}

func (a *Alloc) Allocate(n uint64) ([]common.Snum, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	nums := make([]common.Snum, 0, n)
	for i := uint64(0); i < n; i++ {
		num := a.allocBit()
		if num == 0 {
			for _, s := range nums {
				a.freeBit(uint64(s))
			}
			util.DPrintf(3, "Allocate: %d sectors: no space\n", n)
			return nil, ErrNoSpace
		}
		nums = append(nums, common.Snum(num))
	}
	util.DPrintf(10, "Allocate: %v\n", nums)
	return nums, nil
}

func (a *Alloc) Release(s common.Snum, n uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for i := uint64(0); i < n; i++ {
		a.freeBit(uint64(s) + i)
	}
	util.DPrintf(10, "Release: %d+%d\n", s, n)
}

func popCnt(b byte) uint64 {
	var count uint64
	var x = b
	for i := uint64(0); i < 8; i++ {
		count += uint64(x & 1)
		x = x >> 1
	}
	return count
}

// NumFree reports how many numbers are still available.
func (a *Alloc) NumFree() uint64 {
	a.lock.Lock()
	total := 8 * uint64(len(a.bitmap))
	var used uint64
	for _, b := range a.bitmap {
		used += popCnt(b)
	}
	a.lock.Unlock()
	return total - used
}

// Bitmap returns a copy of the allocation bitmap, for persisting.
func (a *Alloc) Bitmap() []byte {
	a.lock.Lock()
	defer a.lock.Unlock()
	return util.CloneByteSlice(a.bitmap)
}
