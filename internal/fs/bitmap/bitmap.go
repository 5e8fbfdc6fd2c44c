// Package bitmap is the free-block allocator: a run of whole disk
// blocks holding one bit per block on the volume, searched linearly for
// a free block and flipped in place.
//
// Grounded on original_source/fs/fs.c's alloc_block_num/free_block/
// block_is_free: same inverted convention (bit set means free, not
// allocated — free_block "marks" a bit by setting it) and the same
// "scan 32 blocks' worth of bits at a time, then find the first set bit"
// search strategy, rewritten over bcache.Cache instead of a vpt-mapped
// in-memory bitmap image.
package bitmap

import (
	"encoding/binary"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/fs/bcache"
)

const bitsPerWord = 32

// Allocator tracks free blocks in [0, NBlocks) using the bitmap stored
// in blocks [Start, Start+Len) of the cache. Block 0 (the boot block)
// and block 1 (the superblock) are expected to already be marked
// allocated by the on-disk image mkfs produced; the allocator never
// special-cases them.
type Allocator struct {
	Cache   *bcache.Cache
	Start   int
	Len     int
	NBlocks int
}

// NewAllocator constructs an Allocator over an already-formatted bitmap
// region.
func NewAllocator(cache *bcache.Cache, start, length, nblocks int) *Allocator {
	return &Allocator{Cache: cache, Start: start, Len: length, NBlocks: nblocks}
}

func wordOffset(bitIndex int) (blockOffset, word int) {
	bitsPerBlock := bcache.BlockSize * 8
	return bitIndex / bitsPerBlock, (bitIndex % bitsPerBlock) / bitsPerWord
}

// IsFree reports whether blockno's bit is set (free), per the bitmap's
// inverted convention.
func (a *Allocator) IsFree(blockno int) (bool, error) {
	if blockno < 0 || blockno >= a.NBlocks {
		return false, nil
	}
	blkOff, word := wordOffset(blockno)
	b, err := a.Cache.Get(a.Start + blkOff)
	if err != nil {
		return false, err
	}
	defer a.Cache.Release(b)
	w := binary.LittleEndian.Uint32(b.Data[word*4:])
	bit := uint32(blockno % bitsPerWord)
	return w&(1<<bit) != 0, nil
}

// FreeBlock marks blockno free. Freeing block 0 is a programming error
// (block 0 is the null block number, never allocatable), matching the
// teacher and original_source's "attempt to free zero block" panic.
func (a *Allocator) FreeBlock(blockno int) error {
	if blockno == 0 {
		panic("bitmap: attempt to free block zero")
	}
	blkOff, word := wordOffset(blockno)
	b, err := a.Cache.Get(a.Start + blkOff)
	if err != nil {
		return err
	}
	defer a.Cache.Release(b)
	w := binary.LittleEndian.Uint32(b.Data[word*4:])
	w |= 1 << uint32(blockno%bitsPerWord)
	binary.LittleEndian.PutUint32(b.Data[word*4:], w)
	b.MarkDirty()
	return nil
}

// AllocBlockNum finds a free block, marks it allocated, and returns its
// number. It does not zero the block's contents; callers that need a
// clean block use AllocBlock.
func (a *Allocator) AllocBlockNum() (int, error) {
	bitsPerBlock := bcache.BlockSize * 8
	for blkOff := 0; blkOff*bitsPerBlock < a.NBlocks; blkOff++ {
		b, err := a.Cache.Get(a.Start + blkOff)
		if err != nil {
			return 0, err
		}
		for word := 0; word*bitsPerWord < bitsPerBlock; word++ {
			w := binary.LittleEndian.Uint32(b.Data[word*4:])
			if w == 0 {
				continue
			}
			for bit := 0; bit < bitsPerWord; bit++ {
				if w&(1<<uint32(bit)) == 0 {
					continue
				}
				blockno := blkOff*bitsPerBlock + word*bitsPerWord + bit
				if blockno >= a.NBlocks {
					continue
				}
				w &^= 1 << uint32(bit)
				binary.LittleEndian.PutUint32(b.Data[word*4:], w)
				b.MarkDirty()
				a.Cache.Release(b)
				return blockno, nil
			}
		}
		a.Cache.Release(b)
	}
	return 0, defs.ENoDisk
}

// AllocBlock allocates a free block and zeroes its contents on disk, so
// a caller that maps it in (conceptually — there is no real disk-to-VA
// mapping here, only bcache.Cache.Get) never observes stale data from a
// previous tenant.
func (a *Allocator) AllocBlock() (int, error) {
	num, err := a.AllocBlockNum()
	if err != nil {
		return 0, err
	}
	if err := a.Cache.Zero(num); err != nil {
		a.FreeBlock(num)
		return 0, err
	}
	return num, nil
}
