// Package file implements the on-disk file layout: a fixed-size File
// record (name, size, type, ten direct block pointers, one indirect
// block of pointers) and the block-walking operations every higher-level
// read/write/truncate goes through.
//
// Grounded on original_source/fs/fs.c's file_block_walk/file_map_block/
// file_clear_block/file_get_block/file_truncate_blocks/file_set_size/
// file_flush, with the same NDIRECT=10/NINDIRECT=BlockSize/4 constants
// and the same "first ten file-block numbers are direct, everything
// past that through a single indirect block" layout — ground truth for
// spec.md's "indirect-block file layout" without a second indirection
// level, since that is all the original ever implements.
package file

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/fs/bcache"
	"github.com/zellux/nexus/internal/fs/bitmap"
)

const (
	// NDirect is the number of direct block pointers a File carries
	// inline.
	NDirect = 10
	// MaxNameLen bounds one path component, including the NUL terminator
	// the on-disk record reserves room for.
	MaxNameLen = 128
	// RecordSize is the on-disk size of one File record; BlockSize must
	// be an exact multiple of it so a directory's data blocks hold a
	// whole number of entries (EntriesPerBlock, below).
	RecordSize = 256
	// NIndirect is the number of block pointers that fit in one indirect
	// block, and so the largest file-block index file_block_walk accepts.
	NIndirect = bcache.BlockSize / 4
)

// EntriesPerBlock is how many File records fit in one directory data
// block (the teacher's BLKFILES).
const EntriesPerBlock = bcache.BlockSize / RecordSize

// TypeReg and TypeDir are the two file types this layer distinguishes;
// spec.md carries nothing beyond plain files and directories.
const (
	TypeReg = 0
	TypeDir = 1
)

// File is the decoded form of one on-disk File record. Dir is not part
// of the on-disk record: Decode leaves it nil, and no lookup in this
// tree (fsys.DirLookup, fsys.DirAllocFile) fills it in; a File's parent
// is reached through the fsys.EntryRef handles instead.
type File struct {
	Name     string
	Size     uint32
	Type     uint32
	Direct   [NDirect]uint32
	Indirect uint32
	Dir      *File
}

// Encode marshals f into RecordSize bytes.
func (f *File) Encode() []byte {
	buf := make([]byte, RecordSize)
	copy(buf[:MaxNameLen], f.Name)
	le := binary.LittleEndian
	off := MaxNameLen
	le.PutUint32(buf[off:], f.Size)
	off += 4
	le.PutUint32(buf[off:], f.Type)
	off += 4
	for _, d := range f.Direct {
		le.PutUint32(buf[off:], d)
		off += 4
	}
	le.PutUint32(buf[off:], f.Indirect)
	return buf
}

// Decode unmarshals a File record from buf, which must be at least
// RecordSize bytes (typically a slice into a directory data block).
func Decode(buf []byte) File {
	var f File
	nameEnd := 0
	for nameEnd < MaxNameLen && buf[nameEnd] != 0 {
		nameEnd++
	}
	f.Name = string(buf[:nameEnd])
	le := binary.LittleEndian
	off := MaxNameLen
	f.Size = le.Uint32(buf[off:])
	off += 4
	f.Type = le.Uint32(buf[off:])
	off += 4
	for i := range f.Direct {
		f.Direct[i] = le.Uint32(buf[off:])
		off += 4
	}
	f.Indirect = le.Uint32(buf[off:])
	return f
}

// Table gives File's block-mapping operations the cache and allocator
// they read and write through.
type Table struct {
	Cache *bcache.Cache
	Alloc *bitmap.Allocator
}

// NewTable constructs a file Table.
func NewTable(cache *bcache.Cache, alloc *bitmap.Allocator) *Table {
	return &Table{Cache: cache, Alloc: alloc}
}

// blockWalk finds the on-disk block number slot for f's filebno'th
// block: one of f.Direct, or an entry in the indirect block. With
// alloc, a missing indirect block is allocated; without, a missing
// indirect block reports ENotFound, matching file_block_walk exactly.
// readSlot/writeSlot let a caller read and mutate the found slot without
// re-walking.
func (t *Table) blockWalk(f *File, filebno uint32, alloc bool) (readSlot func() (uint32, error), writeSlot func(uint32) error, err error) {
	if filebno >= NIndirect {
		return nil, nil, defs.EInvalid
	}
	if filebno < NDirect {
		idx := filebno
		return func() (uint32, error) { return f.Direct[idx], nil },
			func(v uint32) error { f.Direct[idx] = v; return nil }, nil
	}

	if f.Indirect == 0 {
		if !alloc {
			return nil, nil, defs.ENotFound
		}
		num, err := t.Alloc.AllocBlock()
		if err != nil {
			return nil, nil, err
		}
		f.Indirect = uint32(num)
	}

	// The indirect block is indexed by the file-block number itself, not
	// by an offset past the direct slots: slots [0, NDirect) of it simply
	// go unused, matching file_block_walk's *ppdiskbno = &ptr[filebno].
	slot := filebno
	readSlot = func() (uint32, error) {
		b, err := t.Cache.Get(int(f.Indirect))
		if err != nil {
			return 0, err
		}
		defer t.Cache.Release(b)
		return binary.LittleEndian.Uint32(b.Data[slot*4:]), nil
	}
	writeSlot = func(v uint32) error {
		b, err := t.Cache.Get(int(f.Indirect))
		if err != nil {
			return err
		}
		defer t.Cache.Release(b)
		binary.LittleEndian.PutUint32(b.Data[slot*4:], v)
		b.MarkDirty()
		return nil
	}
	return readSlot, writeSlot, nil
}

// MapBlock returns the on-disk block number holding f's filebno'th
// block, allocating both the block and (if needed) the indirect block
// that points to it when alloc is true.
func (t *Table) MapBlock(f *File, filebno uint32, alloc bool) (uint32, error) {
	readSlot, writeSlot, err := t.blockWalk(f, filebno, alloc)
	if err != nil {
		return 0, err
	}
	diskbno, err := readSlot()
	if err != nil {
		return 0, err
	}
	if diskbno == 0 {
		if !alloc {
			return 0, defs.ENotFound
		}
		num, err := t.Alloc.AllocBlock()
		if err != nil {
			return 0, err
		}
		if err := writeSlot(uint32(num)); err != nil {
			return 0, err
		}
		diskbno = uint32(num)
	}
	return diskbno, nil
}

// ClearBlock removes filebno from f, freeing its backing disk block. A
// block that was never allocated is a silent success.
func (t *Table) ClearBlock(f *File, filebno uint32) error {
	readSlot, writeSlot, err := t.blockWalk(f, filebno, false)
	if err == defs.ENotFound {
		return nil
	}
	if err != nil {
		return err
	}
	diskbno, err := readSlot()
	if err != nil {
		return err
	}
	if diskbno == 0 {
		return nil
	}
	if err := t.Alloc.FreeBlock(int(diskbno)); err != nil {
		return err
	}
	if err := t.Cache.UnmapBlock(int(diskbno)); err != nil {
		return errors.Wrapf(err, "file: unmap freed block %d", diskbno)
	}
	return writeSlot(0)
}

// GetBlock pins and returns f's filebno'th block, allocating it (and
// zeroing it) if it does not yet exist.
func (t *Table) GetBlock(f *File, filebno uint32) (*bcache.Block, error) {
	diskbno, err := t.MapBlock(f, filebno, true)
	if err != nil {
		return nil, errors.Wrapf(err, "file: map block %d", filebno)
	}
	return t.Cache.Get(int(diskbno))
}

// TruncateBlocks frees every block f owns beyond what newsize requires,
// and drops the indirect block entirely once the file no longer needs
// it.
func (t *Table) TruncateBlocks(f *File, newsize uint32) error {
	oldN := (f.Size + bcache.BlockSize - 1) / bcache.BlockSize
	newN := (newsize + bcache.BlockSize - 1) / bcache.BlockSize
	for bno := newN; bno < oldN; bno++ {
		if err := t.ClearBlock(f, bno); err != nil {
			return errors.Wrapf(err, "file: clear block %d", bno)
		}
	}
	if newN <= NDirect && f.Indirect != 0 {
		if err := t.Alloc.FreeBlock(int(f.Indirect)); err != nil {
			return err
		}
		if err := t.Cache.UnmapBlock(int(f.Indirect)); err != nil {
			return errors.Wrapf(err, "file: unmap freed indirect block %d", f.Indirect)
		}
		f.Indirect = 0
	}
	return nil
}

// SetSize changes f's logical size, truncating backing blocks first if
// shrinking. It does not persist f; the caller (fsys) is responsible for
// writing the File record back to its directory block afterward.
func (t *Table) SetSize(f *File, newsize uint32) error {
	if f.Size > newsize {
		if err := t.TruncateBlocks(f, newsize); err != nil {
			return err
		}
	}
	f.Size = newsize
	return nil
}

// Flush is a no-op placeholder kept for symmetry with the original's
// file_flush: in this design every GetBlock/ClearBlock mutation marks
// its own bcache.Block dirty immediately, so there is nothing left to
// walk and flush lazily — bcache.Cache.FlushAll is the single real sync
// point (fs.Sync, §4.9).
func (t *Table) Flush(f *File) {}
