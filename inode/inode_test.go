package inode

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/inodefs/addr"
	"github.com/mit-pdos/inodefs/alloc"
	"github.com/mit-pdos/inodefs/buf"
	"github.com/mit-pdos/inodefs/cache"
	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/disk"
)

const nsectors uint64 = 4096

type env struct {
	t     *testing.T
	d     *disk.MemDisk
	c     *cache.Cache
	a     *alloc.Alloc
	ix    *Index
	table *Table
}

func mkEnvOpts(t *testing.T, size uint64, opts cache.Opts, a alloc.Allocator) *env {
	d := disk.NewMemDisk(size)
	c, err := cache.MkCache(d, opts)
	require.NoError(t, err)
	e := &env{t: t, d: d, c: c, a: alloc.MkMaxAlloc(size)}
	if a == nil {
		a = e.a
	}
	e.ix = MkIndex(c, a)
	e.table = MkTable(e.ix)
	return e
}

func mkEnv(t *testing.T) *env {
	return mkEnvOpts(t, nsectors, cache.DefaultOpts(), nil)
}

func (e *env) create(length uint64) *Inode {
	s := common.Snum(e.a.AllocNum())
	require.NotEqual(e.t, common.NULLSNUM, s)
	require.NoError(e.t, e.ix.Create(s, length))
	ip, err := e.table.Open(s)
	require.NoError(e.t, err)
	return ip
}

func (e *env) block(s common.Snum) *buf.IndexBlock {
	data := make([]byte, disk.SectorSize)
	require.NoError(e.t, e.c.Read(s, data))
	b, err := buf.MkIndexBlockLoad(s, data)
	require.NoError(e.t, err)
	return b
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

func TestCreateZeroed(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(3000)
	assert.Equal(uint64(3000), ip.Length())

	p := bytes.Repeat([]byte{0xff}, 3000)
	n, err := ip.ReadAt(p, 0)
	assert.NoError(err)
	assert.Equal(3000, n)
	assert.Equal(make([]byte, 3000), p)
	assert.Equal(nsectors-1-1-6, e.a.NumFree(), "record and 6 data sectors")
}

func TestReadWriteDirect(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(0)

	n, err := ip.WriteAt([]byte("hello"), 100)
	assert.NoError(err)
	assert.Equal(5, n)
	assert.Equal(uint64(105), ip.Length())

	p := make([]byte, 105)
	n, err = ip.ReadAt(p, 0)
	assert.NoError(err)
	assert.Equal(105, n)
	assert.Equal(make([]byte, 100), p[:100], "gap should read as zeros")
	assert.Equal([]byte("hello"), p[100:])

	// unaligned write across several sectors
	data := pattern(3000, 1)
	n, err = ip.WriteAt(data, 300)
	assert.NoError(err)
	assert.Equal(3000, n)
	p = make([]byte, 3000)
	ip.ReadAt(p, 300)
	assert.Equal(data, p)
	p = make([]byte, 5)
	ip.ReadAt(p, 100)
	assert.Equal([]byte("hello"), p, "earlier bytes of the sector survive")
}

func TestReadWriteIndirectBoundary(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(0)

	off := common.NDIRECT*common.SECTORSZ - 10
	data := pattern(int(20+common.NINDIRECT*common.SECTORSZ), 7)
	n, err := ip.WriteAt(data, off)
	require.NoError(t, err)
	assert.Equal(len(data), n)

	p := make([]byte, len(data))
	n, err = ip.ReadAt(p, off)
	assert.NoError(err)
	assert.Equal(len(data), n)
	assert.Equal(data, p)

	s, err := ip.Sector(off + 10)
	assert.NoError(err)
	rec := ip.Record()
	inner := e.block(e.block(rec.Indirect).Get(0))
	assert.Equal(inner.Get(0), s, "first indirect sector is root[0][0]")

	s, err = ip.Sector(common.NDIRECT*common.SECTORSZ - 1)
	assert.NoError(err)
	assert.Equal(rec.Direct[common.NDIRECT-1], s)
}

func TestGrow70000(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(0)
	free := e.a.NumFree()

	require.NoError(t, ip.Grow(70000))
	assert.Equal(uint64(70000), ip.Length())

	rec := ip.Record()
	for i, s := range rec.Direct {
		assert.NotEqual(common.NULLSNUM, s, "direct[%d]", i)
	}
	root := e.block(rec.Indirect)
	assert.Equal(uint64(1), root.NumUsed())
	inner := e.block(root.Get(0))
	assert.Equal(uint64(13), inner.NumUsed())
	assert.Equal(free-137-2, e.a.NumFree())

	// the grown length is on the device
	data, _ := e.d.Read(ip.Inumber())
	onDisk, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(rec, *onDisk)

	p := bytes.Repeat([]byte{1}, 70000)
	n, err := ip.ReadAt(p, 0)
	assert.NoError(err)
	assert.Equal(70000, n)
	assert.Equal(make([]byte, 70000), p)
}

func TestGrowNoShrink(t *testing.T) {
	e := mkEnv(t)
	ip := e.create(1000)
	free := e.a.NumFree()
	assert.NoError(t, ip.Grow(10))
	assert.Equal(t, uint64(1000), ip.Length())
	assert.Equal(t, free, e.a.NumFree())
}

func TestGrowAcrossInner(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(130 * common.SECTORSZ)
	data := pattern(int(130*common.SECTORSZ), 3)
	ip.WriteAt(data, 0)

	// second inner block
	length := (common.NDIRECT + common.NINDIRECT + 5) * common.SECTORSZ
	require.NoError(t, ip.Grow(length))
	root := e.block(ip.Record().Indirect)
	assert.Equal(uint64(2), root.NumUsed())
	assert.Equal(common.NINDIRECT, e.block(root.Get(0)).NumUsed())
	assert.Equal(uint64(5), e.block(root.Get(1)).NumUsed())

	p := make([]byte, len(data))
	ip.ReadAt(p, 0)
	assert.Equal(data, p, "existing data survives growth")
}

func TestReclamation(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	for _, length := range []uint64{0, 1, 512, 63488, 70000, 200000} {
		free := e.a.NumFree()
		ip := e.create(length)
		n := addr.NumSectors(length)
		used := n + addr.IndexBlocks(n) + 1
		assert.Equal(free-used, e.a.NumFree(), "length %d", length)

		e.table.Remove(ip)
		require.NoError(t, e.table.Close(ip))
		assert.Equal(free, e.a.NumFree(), "length %d", length)
		assert.False(e.c.Cached(ip.Inumber()), "released record is discarded")
	}
}

type mockAllocator struct {
	mock.Mock
	a *alloc.Alloc
}

func (m *mockAllocator) Allocate(n uint64) ([]common.Snum, error) {
	args := m.Called(n)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return m.a.Allocate(n)
}

func (m *mockAllocator) Release(s common.Snum, n uint64) {
	m.a.Release(s, n)
}

func TestGrowAllocationFailure(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(nsectors)
	c, err := cache.MkCache(d, cache.DefaultOpts())
	require.NoError(t, err)
	a := alloc.MkMaxAlloc(nsectors)
	m := &mockAllocator{a: a}
	ix := MkIndex(c, m)
	table := MkTable(ix)

	m.On("Allocate", uint64(1)).Return(nil).Times(130)
	m.On("Allocate", uint64(1)).Return(alloc.ErrNoSpace)

	snum := common.Snum(a.AllocNum())
	require.NoError(t, ix.Create(snum, 100*common.SECTORSZ))
	ip, err := table.Open(snum)
	require.NoError(t, err)
	data := pattern(int(100*common.SECTORSZ), 9)
	ip.WriteAt(data, 0)
	free := a.NumFree()
	before := ip.Record()

	err = ip.Grow(70000)
	assert.ErrorIs(err, common.ErrAllocationFailed)
	assert.ErrorIs(err, alloc.ErrNoSpace)
	assert.Equal(free, a.NumFree(), "every new sector is given back")
	assert.Equal(before, ip.Record(), "in-memory record untouched")

	ondisk, _ := d.Read(snum)
	rec, err := Decode(ondisk)
	require.NoError(t, err)
	assert.Equal(before, *rec)

	p := make([]byte, len(data))
	n, _ := ip.ReadAt(p, 0)
	assert.Equal(len(data), n)
	assert.Equal(data, p)

	n, err = ip.WriteAt([]byte{1}, 69999)
	assert.ErrorIs(err, common.ErrAllocationFailed)
	assert.Equal(0, n)
	m.AssertExpectations(t)
}

func TestCreateAllocationFailure(t *testing.T) {
	assert := assert.New(t)
	e := mkEnvOpts(t, 64, cache.DefaultOpts(), nil)
	free := e.a.NumFree()
	s := common.Snum(e.a.AllocNum())
	err := e.ix.Create(s, 100*common.SECTORSZ)
	assert.ErrorIs(err, common.ErrAllocationFailed)
	assert.Equal(free-1, e.a.NumFree(), "only the record sector stays allocated")
}

func TestGrowRecordWriteFailure(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(512)
	s := ip.Inumber()
	before := ip.Record()
	free := e.a.NumFree()

	boom := errors.New("boom")
	e.d.Fail(s, boom)
	assert.ErrorIs(ip.Grow(70000), boom)
	assert.Equal(uint64(512), ip.Length())
	assert.Equal(free, e.a.NumFree(), "new sectors are released")
	assert.False(e.c.Cached(s), "failed record is not cached")

	e.d.Fail(s, nil)
	require.NoError(t, e.table.Close(ip))
	ip, err := e.table.Open(s)
	require.NoError(t, err)
	assert.Equal(before, ip.Record(), "reopened record is the old one")
	sec, err := ip.Sector(1024)
	assert.NoError(err)
	assert.Equal(common.NULLSNUM, sec)
	assert.NoError(e.c.Flush())
}

func TestCreateRecordWriteFailure(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	free := e.a.NumFree()
	s := common.Snum(e.a.AllocNum())
	boom := errors.New("boom")
	e.d.Fail(s, boom)
	assert.ErrorIs(e.ix.Create(s, 3000), boom)
	assert.Equal(free-1, e.a.NumFree(), "only the record sector stays allocated")
	assert.False(e.c.Cached(s))
	e.d.Fail(s, nil)
	assert.NoError(e.c.Flush())
}

func TestCapacity(t *testing.T) {
	assert := assert.New(t)
	e := mkEnvOpts(t, common.MAXSECTORS+common.NINDIRECT+8, cache.DefaultOpts(), nil)
	ip := e.create(0)

	n, err := ip.WriteAt([]byte{1, 2}, common.MAXFILESIZE-1)
	assert.ErrorIs(err, common.ErrCapacityExceeded)
	assert.Equal(0, n)
	assert.Equal(uint64(0), ip.Length(), "nothing is written")
	assert.ErrorIs(ip.Grow(common.MAXFILESIZE+1), common.ErrCapacityExceeded)
	_, err = ip.WriteAt([]byte{1}, 1<<64-1)
	assert.ErrorIs(err, common.ErrCapacityExceeded)
	_, err = ip.Sector(common.MAXFILESIZE)
	assert.ErrorIs(err, common.ErrCapacityExceeded)

	n, err = ip.WriteAt([]byte{42}, common.MAXFILESIZE-1)
	require.NoError(t, err)
	assert.Equal(1, n)
	assert.Equal(common.MAXFILESIZE, ip.Length())
	p := make([]byte, 2)
	n, _ = ip.ReadAt(p, common.MAXFILESIZE-2)
	assert.Equal(2, n)
	assert.Equal([]byte{0, 42}, p)
	root := e.block(ip.Record().Indirect)
	assert.Equal(common.NINDIRECT, root.NumUsed())
}

func TestShortRead(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(1000)

	p := make([]byte, 600)
	n, err := ip.ReadAt(p, 500)
	assert.NoError(err)
	assert.Equal(500, n)

	n, err = ip.ReadAt(p, 1000)
	assert.NoError(err)
	assert.Equal(0, n)
	n, err = ip.ReadAt(p, 5000)
	assert.NoError(err)
	assert.Equal(0, n)
}

func TestWriteDenied(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(10)

	e.table.DenyWrite(ip)
	n, err := ip.WriteAt([]byte("abc"), 0)
	assert.NoError(err)
	assert.Equal(0, n)
	n, err = ip.WriteAt([]byte("abc"), 5000)
	assert.NoError(err)
	assert.Equal(0, n)
	assert.Equal(uint64(10), ip.Length(), "denied write does not grow")

	assert.Panics(func() { e.table.DenyWrite(ip) }, "one opener, two denials")
	e.table.AllowWrite(ip)
	assert.Panics(func() { e.table.AllowWrite(ip) })

	n, err = ip.WriteAt([]byte("abc"), 0)
	assert.NoError(err)
	assert.Equal(3, n)
}

func TestTableSharing(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(10)
	ip2, err := e.table.Open(ip.Inumber())
	require.NoError(t, err)
	assert.Same(ip, ip2)
	assert.Same(ip, e.table.Reopen(ip))
	assert.Equal(uint64(1), e.table.NumOpen())

	ip.WriteAt([]byte("shared"), 0)
	p := make([]byte, 6)
	ip2.ReadAt(p, 0)
	assert.Equal([]byte("shared"), p)

	assert.NoError(e.table.Close(ip))
	assert.NoError(e.table.Close(ip))
	assert.Equal(uint64(1), e.table.NumOpen())
	assert.NoError(e.table.Close(ip))
	assert.Equal(uint64(0), e.table.NumOpen())
	assert.Panics(func() { e.table.Close(ip) })
	assert.Panics(func() { e.table.Reopen(ip) })

	// a later open reads the record again
	ip3, err := e.table.Open(ip.Inumber())
	require.NoError(t, err)
	assert.NotSame(ip, ip3)
	p = make([]byte, 6)
	ip3.ReadAt(p, 0)
	assert.Equal([]byte("shared"), p)
}

func TestRemoveDeferred(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	free := e.a.NumFree()
	ip := e.create(5000)
	e.table.Reopen(ip)
	e.table.Remove(ip)
	assert.True(e.table.IsRemoved(ip))

	require.NoError(t, e.table.Close(ip))
	assert.Less(e.a.NumFree(), free, "still open")
	p := make([]byte, 10)
	n, err := ip.ReadAt(p, 0)
	assert.NoError(err)
	assert.Equal(10, n, "removed inode stays readable while open")

	require.NoError(t, e.table.Close(ip))
	assert.Equal(free, e.a.NumFree())
}

func TestOpenCorrupt(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	s := common.Snum(e.a.AllocNum())
	e.d.Write(s, bytes.Repeat([]byte{0x5a}, int(disk.SectorSize)))
	_, err := e.table.Open(s)
	assert.ErrorIs(err, common.ErrCorrupt)
	assert.Equal(uint64(0), e.table.NumOpen())
}

func TestOpenWritesBackRecord(t *testing.T) {
	assert := assert.New(t)
	opts := cache.DefaultOpts()
	opts.WriteBack = true
	e := mkEnvOpts(t, nsectors, opts, nil)
	s := common.Snum(e.a.AllocNum())
	require.NoError(t, e.ix.Create(s, 700))
	assert.Equal(uint64(0), e.d.Writes(s), "record only in the cache")

	ip, err := e.table.Open(s)
	require.NoError(t, err)
	assert.Equal(uint64(700), ip.Length())
	assert.Equal(uint64(1), e.d.Writes(s))
	assert.Equal(uint64(1), e.d.Reads(s), "open reads the device")
}

func TestDeviceFailure(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(2048)
	s, err := ip.Sector(1024)
	require.NoError(t, err)
	e.c.Discard(s)
	boom := errors.New("boom")
	e.d.Fail(s, boom)

	p := make([]byte, 2048)
	n, err := ip.ReadAt(p, 0)
	assert.ErrorIs(err, boom)
	assert.Equal(1024, n, "bytes before the failed sector were read")

	n, err = ip.WriteAt(pattern(512, 0), 1024)
	assert.ErrorIs(err, boom)
	assert.Equal(0, n)
}

func TestPrefetchSuccessor(t *testing.T) {
	assert := assert.New(t)
	opts := cache.DefaultOpts()
	opts.Prefetch = true
	e := mkEnvOpts(t, nsectors, opts, nil)
	defer e.c.Close()
	ip := e.create(4 * common.SECTORSZ)

	var sectors []common.Snum
	for i := uint64(0); i < 4; i++ {
		s, err := ip.Sector(i * common.SECTORSZ)
		require.NoError(t, err)
		e.c.Discard(s)
		sectors = append(sectors, s)
	}
	p := make([]byte, 100)
	ip.ReadAt(p, 0)
	e.c.WaitPrefetch()
	assert.True(e.c.Cached(sectors[1]), "successor is warmed")
	assert.False(e.c.Cached(sectors[2]))

	ip.ReadAt(make([]byte, 512), 3*common.SECTORSZ)
	e.c.WaitPrefetch()
	assert.False(e.c.Cached(sectors[3]+1), "nothing past the end")
}

func TestConcurrentAppend(t *testing.T) {
	e := mkEnv(t)
	ip := e.create(0)
	const chunk = 700
	const nchunk = 200

	var g errgroup.Group
	g.Go(func() error {
		for k := 0; k < nchunk; k++ {
			n, err := ip.WriteAt(bytes.Repeat([]byte{byte(k + 1)}, chunk), uint64(k*chunk))
			if err != nil {
				return err
			}
			if n != chunk {
				return fmt.Errorf("short write %d", n)
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				l := ip.Length()
				p := make([]byte, l)
				n, err := ip.ReadAt(p, 0)
				if err != nil {
					return err
				}
				// the file only grows, so at least l bytes are there
				if uint64(n) != l {
					return fmt.Errorf("read %d of %d", n, l)
				}
				for k := 0; k < int(l)/chunk; k++ {
					if !bytes.Equal(p[k*chunk:(k+1)*chunk], bytes.Repeat([]byte{byte(k + 1)}, chunk)) {
						return fmt.Errorf("chunk %d torn at length %d", k, l)
					}
				}
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	assert.Equal(t, uint64(chunk*nchunk), ip.Length())
}

func TestConcurrentOpen(t *testing.T) {
	assert := assert.New(t)
	e := mkEnv(t)
	ip := e.create(100)
	require.NoError(t, e.table.Close(ip))

	handles := make([]*Inode, 16)
	var g errgroup.Group
	for i := range handles {
		i := i
		g.Go(func() error {
			h, err := e.table.Open(ip.Inumber())
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, h := range handles {
		assert.Same(handles[0], h, "one handle per record")
	}
	assert.Equal(uint64(1), e.table.NumOpen())
	for _, h := range handles {
		assert.NoError(e.table.Close(h))
	}
	assert.Equal(uint64(0), e.table.NumOpen())
}
