package bcache

import (
	"bytes"
	"testing"
)

// memDisk is a trivial in-memory Disk fake for exercising the cache
// without touching the host filesystem.
type memDisk struct {
	blocks [][]byte
}

func newMemDisk(n int) *memDisk {
	d := &memDisk{blocks: make([][]byte, n)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BlockSize)
	}
	return d
}

func (d *memDisk) ReadBlock(num int) ([]byte, error) {
	out := make([]byte, BlockSize)
	copy(out, d.blocks[num])
	return out, nil
}

func (d *memDisk) WriteBlock(num int, data []byte) error {
	copy(d.blocks[num], data)
	return nil
}

func (d *memDisk) NumBlocks() int { return len(d.blocks) }

func TestGetReadsThroughOnMiss(t *testing.T) {
	disk := newMemDisk(4)
	disk.blocks[2][0] = 0xAB
	c := NewCache(disk, 2)

	b, err := c.Get(2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Data[0] != 0xAB {
		t.Fatalf("got %#x, want 0xab", b.Data[0])
	}
	c.Release(b)
}

func TestGetPinsAcrossRepeatedCalls(t *testing.T) {
	disk := newMemDisk(4)
	c := NewCache(disk, 2)

	b1, _ := c.Get(0)
	b2, _ := c.Get(0)
	if b1 != b2 {
		t.Fatal("Get on an already-cached block should return the same *Block")
	}
	c.Release(b1)
	c.Release(b2)
}

func TestEvictionFlushesDirtyBlocks(t *testing.T) {
	disk := newMemDisk(4)
	c := NewCache(disk, 1)

	b0, _ := c.Get(0)
	b0.Data[0] = 0x11
	b0.MarkDirty()
	c.Release(b0)

	// Capacity is 1: fetching block 1 must evict block 0, writing it back.
	b1, err := c.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	c.Release(b1)

	if disk.blocks[0][0] != 0x11 {
		t.Fatal("dirty block was not flushed to disk before eviction")
	}
}

func TestReleaseOfUnpinnedBlockPanics(t *testing.T) {
	disk := newMemDisk(2)
	c := NewCache(disk, 2)
	b, _ := c.Get(0)
	c.Release(b)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic releasing an already-unpinned block")
		}
	}()
	c.Release(b)
}

func TestFlushAllWritesEveryDirtyBlock(t *testing.T) {
	disk := newMemDisk(4)
	c := NewCache(disk, 4)

	for _, n := range []int{3, 1, 2} {
		b, _ := c.Get(n)
		b.Data[0] = byte(n)
		b.MarkDirty()
		c.Release(b)
	}

	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	for _, n := range []int{1, 2, 3} {
		if disk.blocks[n][0] != byte(n) {
			t.Fatalf("block %d not flushed: got %#x", n, disk.blocks[n][0])
		}
	}
}

func TestUnmapBlockDropsCachedEntrySoNextGetRereads(t *testing.T) {
	disk := newMemDisk(4)
	c := NewCache(disk, 4)

	b, _ := c.Get(1)
	b.Data[0] = 0x42
	b.MarkDirty()
	c.Release(b)

	if err := c.UnmapBlock(1); err != nil {
		t.Fatalf("UnmapBlock: %v", err)
	}
	if disk.blocks[1][0] == 0x42 {
		t.Fatal("UnmapBlock must not flush the dropped block's dirty contents")
	}

	// Overwrite what's on "disk" directly (simulating the allocator handing
	// block 1 to a different file) and confirm the next Get sees it rather
	// than a stale cached copy.
	disk.blocks[1][0] = 0x99
	b2, err := c.Get(1)
	if err != nil {
		t.Fatalf("Get after unmap: %v", err)
	}
	defer c.Release(b2)
	if b2.Data[0] != 0x99 {
		t.Fatalf("got %#x, want 0x99 (fresh read, not a stale cache hit)", b2.Data[0])
	}
}

func TestUnmapBlockOfUncachedNumberIsANoop(t *testing.T) {
	disk := newMemDisk(4)
	c := NewCache(disk, 4)
	if err := c.UnmapBlock(3); err != nil {
		t.Fatalf("UnmapBlock of a never-cached block: %v", err)
	}
}

func TestUnmapBlockRejectsPinnedBlock(t *testing.T) {
	disk := newMemDisk(4)
	c := NewCache(disk, 4)
	b, _ := c.Get(0)
	defer c.Release(b)

	if err := c.UnmapBlock(0); err == nil {
		t.Fatal("expected an error unmapping a still-pinned block")
	}
}

func TestZeroOverwritesPriorContent(t *testing.T) {
	disk := newMemDisk(2)
	disk.blocks[0] = bytes.Repeat([]byte{0xFF}, BlockSize)
	c := NewCache(disk, 2)

	if err := c.Zero(0); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	b, _ := c.Get(0)
	defer c.Release(b)
	for i, v := range b.Data {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, v)
		}
	}
}
