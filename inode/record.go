package inode

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/inodefs/common"
)

// Record is the on-disk inode, exactly one sector:
// direct[NDIRECT] | indirect | magic | length, little-endian.
type Record struct {
	Direct   [common.NDIRECT]common.Snum
	Indirect common.Snum
	Length   uint64
}

func (rec *Record) Encode() []byte {
	enc := marshal.NewEnc(common.SECTORSZ)
	for _, s := range rec.Direct {
		enc.PutInt32(s)
	}
	enc.PutInt32(rec.Indirect)
	enc.PutInt32(common.INODEMAGIC)
	enc.PutInt(rec.Length)
	return enc.Finish()
}

func Decode(data []byte) (*Record, error) {
	if uint64(len(data)) != common.SECTORSZ {
		return nil, fmt.Errorf("record of %d bytes: %w", len(data), common.ErrCorrupt)
	}
	rec := &Record{}
	dec := marshal.NewDec(data)
	for i := range rec.Direct {
		rec.Direct[i] = dec.GetInt32()
	}
	rec.Indirect = dec.GetInt32()
	magic := dec.GetInt32()
	if magic != common.INODEMAGIC {
		return nil, fmt.Errorf("bad magic 0x%x: %w", magic, common.ErrCorrupt)
	}
	rec.Length = dec.GetInt()
	if rec.Length > common.MAXFILESIZE {
		return nil, fmt.Errorf("length %d: %w", rec.Length, common.ErrCorrupt)
	}
	return rec, nil
}
