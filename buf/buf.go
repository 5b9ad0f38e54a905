// buf holds the on-disk index blocks of an inode
package buf

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/util"
)

// An IndexBlock is one sector of NINDIRECT sector numbers. The root block of
// an inode lists inner blocks; inner blocks list data sectors.
type IndexBlock struct {
	Snum    common.Snum
	entries [common.NINDIRECT]common.Snum
	dirty   bool // has this block been modified since it was loaded?
}

// MkIndexBlock returns an empty block to be stored at snum. A new block has
// never been written, so it starts out dirty.
func MkIndexBlock(snum common.Snum) *IndexBlock {
	return &IndexBlock{Snum: snum, dirty: true}
}

// MkIndexBlockLoad decodes the contents of sector snum.
func MkIndexBlockLoad(snum common.Snum, data []byte) (*IndexBlock, error) {
	if uint64(len(data)) != common.SECTORSZ {
		return nil, fmt.Errorf("index block %d: %d bytes", snum, len(data))
	}
	b := &IndexBlock{Snum: snum}
	dec := marshal.NewDec(data)
	for i := range b.entries {
		b.entries[i] = dec.GetInt32()
	}
	return b, nil
}

func (b *IndexBlock) String() string {
	return fmt.Sprintf("ib %d (%d used, dirty %v)", b.Snum, b.NumUsed(), b.dirty)
}

func (b *IndexBlock) Get(i uint64) common.Snum {
	return b.entries[i]
}

func (b *IndexBlock) Put(i uint64, v common.Snum) {
	b.entries[i] = v
	b.SetDirty()
}

// NumUsed counts the non-null entries.
func (b *IndexBlock) NumUsed() uint64 {
	n := uint64(0)
	for _, e := range b.entries {
		if e != common.NULLSNUM {
			n += 1
		}
	}
	return n
}

func (b *IndexBlock) IsDirty() bool {
	return b.dirty
}

func (b *IndexBlock) SetDirty() {
	b.dirty = true
}

func (b *IndexBlock) ClearDirty() {
	b.dirty = false
}

// Encode returns the on-disk form of b.
func (b *IndexBlock) Encode() []byte {
	enc := marshal.NewEnc(common.SECTORSZ)
	for _, e := range b.entries {
		enc.PutInt32(e)
	}
	util.DPrintf(20, "encode %v\n", b)
	return enc.Finish()
}
