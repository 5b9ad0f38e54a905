package cache

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/disk"
	"github.com/mit-pdos/inodefs/util"
)

const DefaultFrames uint64 = 32

type Opts struct {
	Frames    uint64
	WriteBack bool // leave writes dirty until eviction or Flush
	Prefetch  bool
}

func DefaultOpts() Opts {
	return Opts{Frames: DefaultFrames}
}

type frame struct {
	snum  common.Snum
	valid bool
	dirty bool
	ref   bool // clock reference bit
	data  disk.Sector
}

// Cache holds a fixed number of sector frames in front of a disk and replaces
// them with the clock algorithm. A single lock guards all frames; a sector is
// cached in at most one valid frame.
type Cache struct {
	lock      *sync.Mutex
	d         disk.Disk
	size      uint64
	frames    []*frame
	index     map[common.Snum]uint64 // sector -> frame
	hand      uint64
	writeBack bool
	pf        *prefetcher
}

func MkCache(d disk.Disk, opts Opts) (*Cache, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("cache needs at least one frame")
	}
	size, err := d.Size()
	if err != nil {
		return nil, fmt.Errorf("disk size: %w", err)
	}
	registerMetrics()
	c := &Cache{
		lock:      new(sync.Mutex),
		d:         d,
		size:      size,
		frames:    make([]*frame, opts.Frames),
		index:     make(map[common.Snum]uint64),
		writeBack: opts.WriteBack,
	}
	for i := range c.frames {
		c.frames[i] = &frame{data: make(disk.Sector, disk.SectorSize)}
	}
	if opts.Prefetch {
		c.pf, err = mkPrefetcher(c)
		if err != nil {
			return nil, err
		}
	}
	util.DPrintf(1, "MkCache: %d frames wb %v prefetch %v\n", opts.Frames,
		opts.WriteBack, opts.Prefetch)
	return c, nil
}

func (c *Cache) Disk() disk.Disk {
	return c.d
}

func (c *Cache) checkSector(s common.Snum, b []byte) error {
	if uint64(s) >= c.size {
		return fmt.Errorf("sector %d: %w", s, disk.ErrOutOfRange)
	}
	if uint64(len(b)) != disk.SectorSize {
		return fmt.Errorf("sector %d: buffer of %d bytes", s, len(b))
	}
	return nil
}

// evict picks a frame with the clock sweep, writing its sector back if dirty.
// The returned frame is invalid and not in the index. Caller holds lock.
func (c *Cache) evict() (uint64, error) {
	n := uint64(len(c.frames))
	// after one full sweep every reference bit is clear
	for k := uint64(0); k < 2*n; k++ {
		i := c.hand
		f := c.frames[i]
		c.hand = (c.hand + 1) % n
		if !f.valid {
			return i, nil
		}
		if f.ref {
			f.ref = false
			continue
		}
		if f.dirty {
			err := c.d.Write(f.snum, f.data)
			if err != nil {
				return 0, fmt.Errorf("write back sector %d: %w", f.snum, err)
			}
			f.dirty = false
			cacheWritebacks.Inc()
		}
		util.DPrintf(5, "evict: %d\n", f.snum)
		delete(c.index, f.snum)
		f.valid = false
		cacheEvictions.Inc()
		return i, nil
	}
	panic("evict: no victim")
}

// lookup returns the frame holding s, claiming one if s is not cached. If load
// is false the caller overwrites the whole sector, so it is not read from the
// device. Caller holds lock.
func (c *Cache) lookup(s common.Snum, load bool) (*frame, error) {
	if i, ok := c.index[s]; ok {
		f := c.frames[i]
		f.ref = true
		cacheHits.Inc()
		return f, nil
	}
	cacheMisses.Inc()
	i, err := c.evict()
	if err != nil {
		return nil, err
	}
	f := c.frames[i]
	if load {
		err = c.d.ReadTo(s, f.data)
		if err != nil {
			return nil, err
		}
	}
	f.snum = s
	f.valid = true
	f.dirty = false
	f.ref = true
	c.index[s] = i
	util.DPrintf(5, "load: %d (read %v)\n", s, load)
	return f, nil
}

// Read copies sector s into dst.
func (c *Cache) Read(s common.Snum, dst []byte) error {
	if err := c.checkSector(s, dst); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	f, err := c.lookup(s, true)
	if err != nil {
		return err
	}
	copy(dst, f.data)
	return nil
}

// Write replaces sector s with src. In write-through mode the sector also
// goes to the device before Write returns; if that fails, s is dropped from
// the cache so the device copy stays authoritative.
func (c *Cache) Write(s common.Snum, src []byte) error {
	if err := c.checkSector(s, src); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	f, err := c.lookup(s, false)
	if err != nil {
		return err
	}
	copy(f.data, src)
	f.dirty = true
	if !c.writeBack {
		err = c.d.Write(s, f.data)
		if err != nil {
			c.drop(s)
			return err
		}
		f.dirty = false
	}
	return nil
}

// Flush writes back every dirty frame and then issues a barrier.
func (c *Cache) Flush() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, f := range c.frames {
		if f.valid && f.dirty {
			err := c.d.Write(f.snum, f.data)
			if err != nil {
				return fmt.Errorf("flush sector %d: %w", f.snum, err)
			}
			f.dirty = false
			cacheWritebacks.Inc()
		}
	}
	return c.d.Barrier()
}

// Sync writes sector s back if it is cached and dirty.
func (c *Cache) Sync(s common.Snum) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	i, ok := c.index[s]
	if !ok {
		return nil
	}
	f := c.frames[i]
	if f.dirty {
		err := c.d.Write(f.snum, f.data)
		if err != nil {
			return err
		}
		f.dirty = false
		cacheWritebacks.Inc()
	}
	return nil
}

// Discard drops sector s from the cache without writing it back.
func (c *Cache) Discard(s common.Snum) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.drop(s)
}

// drop invalidates the frame holding s, if any. Caller holds lock.
func (c *Cache) drop(s common.Snum) {
	i, ok := c.index[s]
	if !ok {
		return
	}
	f := c.frames[i]
	f.valid = false
	f.dirty = false
	f.ref = false
	delete(c.index, s)
	util.DPrintf(5, "drop: %d\n", s)
}

// Cached reports whether s is in a valid frame.
func (c *Cache) Cached(s common.Snum) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.index[s]
	return ok
}

// Prefetch asks the background worker to load s. It is a no-op unless the
// cache was built with prefetching.
func (c *Cache) Prefetch(s common.Snum) {
	if c.pf == nil || uint64(s) >= c.size {
		return
	}
	c.pf.enqueue(s)
}

func (c *Cache) Prefetching() bool {
	return c.pf != nil
}

// WaitPrefetch blocks until queued prefetches have been processed.
func (c *Cache) WaitPrefetch() {
	if c.pf != nil {
		c.pf.wait()
	}
}

// warm loads s unless it is already cached.
func (c *Cache) warm(s common.Snum) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.index[s]; ok {
		return
	}
	_, err := c.lookup(s, true)
	if err != nil {
		util.DPrintf(1, "prefetch %d: %v\n", s, err)
		return
	}
	cachePrefetches.Inc()
}

// Close stops the prefetch worker and flushes the cache. The disk stays open.
func (c *Cache) Close() error {
	if c.pf != nil {
		c.pf.stop()
	}
	return c.Flush()
}
