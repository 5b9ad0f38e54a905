package buf

import (
	"github.com/mit-pdos/inodefs/common"
)

//
// A map from sector numbers to the index blocks one growth has touched.
//

type IndexMap struct {
	blocks map[common.Snum]*IndexBlock
	order  []common.Snum // insertion order; a parent is inserted before its children
}

func MkIndexMap() *IndexMap {
	a := &IndexMap{
		blocks: make(map[common.Snum]*IndexBlock),
	}
	return a
}

func (imap *IndexMap) Insert(b *IndexBlock) {
	if _, ok := imap.blocks[b.Snum]; ok {
		panic("IndexMap: duplicate insert")
	}
	imap.blocks[b.Snum] = b
	imap.order = append(imap.order, b.Snum)
}

func (imap *IndexMap) Lookup(snum common.Snum) *IndexBlock {
	return imap.blocks[snum]
}

func (imap *IndexMap) Ndirty() uint64 {
	n := uint64(0)
	for _, b := range imap.blocks {
		if b.dirty {
			n += 1
		}
	}
	return n
}

// DirtyBlocks returns the dirty blocks, children before their parents.
func (imap *IndexMap) DirtyBlocks() []*IndexBlock {
	bufs := make([]*IndexBlock, 0)
	for i := len(imap.order) - 1; i >= 0; i-- {
		b := imap.blocks[imap.order[i]]
		if b.dirty {
			bufs = append(bufs, b)
		}
	}
	return bufs
}
