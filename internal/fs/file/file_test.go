package file

import (
	"testing"

	"github.com/zellux/nexus/internal/defs"
	"github.com/zellux/nexus/internal/fs/bcache"
	"github.com/zellux/nexus/internal/fs/bitmap"
)

type memDisk struct {
	blocks [][]byte
}

func newMemDisk(n int) *memDisk {
	d := &memDisk{blocks: make([][]byte, n)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, bcache.BlockSize)
	}
	return d
}

func (d *memDisk) ReadBlock(num int) ([]byte, error) {
	out := make([]byte, bcache.BlockSize)
	copy(out, d.blocks[num])
	return out, nil
}

func (d *memDisk) WriteBlock(num int, data []byte) error {
	copy(d.blocks[num], data)
	return nil
}

func (d *memDisk) NumBlocks() int { return len(d.blocks) }

// newTable builds a Table over nblocks of scratch space, with block 0
// pre-consumed as the bitmap's own backing block (mirroring fsys.Format
// reserving it) so data allocations never collide with bitmap storage.
func newTable(nblocks int) *Table {
	disk := newMemDisk(nblocks)
	allFree := make([]byte, bcache.BlockSize)
	for i := range allFree {
		allFree[i] = 0xFF
	}
	disk.blocks[0] = allFree
	cache := bcache.NewCache(disk, nblocks)
	alloc := bitmap.NewAllocator(cache, 0, 1, nblocks)
	alloc.AllocBlockNum() // reserve the bitmap's own block
	return NewTable(cache, alloc)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := File{Name: "hello.txt", Size: 42, Type: TypeReg}
	f.Direct[0] = 7
	f.Indirect = 99

	got := Decode(f.Encode())
	if got.Name != f.Name || got.Size != f.Size || got.Type != f.Type {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Direct[0] != 7 || got.Indirect != 99 {
		t.Fatalf("block pointers lost: %+v", got)
	}
}

func TestMapBlockDirectAllocatesAndIsIdempotent(t *testing.T) {
	tbl := newTable(256)
	f := &File{Type: TypeReg}

	a, err := tbl.MapBlock(f, 0, true)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	if a == 0 {
		t.Fatal("expected a nonzero block number")
	}
	b, err := tbl.MapBlock(f, 0, true)
	if err != nil {
		t.Fatalf("MapBlock (second call): %v", err)
	}
	if a != b {
		t.Fatalf("MapBlock not idempotent: %d then %d", a, b)
	}
}

func TestMapBlockWithoutAllocReportsNotFound(t *testing.T) {
	tbl := newTable(256)
	f := &File{Type: TypeReg}
	if _, err := tbl.MapBlock(f, 0, false); err != defs.ENotFound {
		t.Fatalf("expected ENotFound, got %v", err)
	}
}

func TestMapBlockPastDirectUsesIndirect(t *testing.T) {
	tbl := newTable(4096)
	f := &File{Type: TypeReg}

	bno, err := tbl.MapBlock(f, NDirect, true)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	if bno == 0 {
		t.Fatal("expected a nonzero block number")
	}
	if f.Indirect == 0 {
		t.Fatal("expected an indirect block to have been allocated")
	}

	bno2, err := tbl.MapBlock(f, NDirect, true)
	if err != nil {
		t.Fatalf("MapBlock (second call): %v", err)
	}
	if bno != bno2 {
		t.Fatalf("MapBlock not idempotent through indirect: %d then %d", bno, bno2)
	}
}

func TestClearBlockFreesAndZeroesSlot(t *testing.T) {
	tbl := newTable(256)
	f := &File{Type: TypeReg}
	bno, err := tbl.MapBlock(f, 0, true)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}

	if err := tbl.ClearBlock(f, 0); err != nil {
		t.Fatalf("ClearBlock: %v", err)
	}
	if f.Direct[0] != 0 {
		t.Fatal("direct slot should be cleared")
	}
	free, err := tbl.Alloc.IsFree(int(bno))
	if err != nil {
		t.Fatalf("IsFree: %v", err)
	}
	if !free {
		t.Fatal("cleared block should be free again")
	}
}

func TestClearBlockOnNeverAllocatedSlotIsNoop(t *testing.T) {
	tbl := newTable(256)
	f := &File{Type: TypeReg}
	if err := tbl.ClearBlock(f, 0); err != nil {
		t.Fatalf("ClearBlock on empty slot: %v", err)
	}
}

func TestTruncateBlocksFreesTrailingBlocksAndIndirect(t *testing.T) {
	tbl := newTable(4096)
	f := &File{Type: TypeReg}

	// Touch a direct block and an indirect-backed block.
	directBno, _ := tbl.MapBlock(f, 0, true)
	indirectBno, _ := tbl.MapBlock(f, NDirect, true)
	indirectBlockNum := f.Indirect

	f.Size = (NDirect + 2) * bcache.BlockSize
	if err := tbl.TruncateBlocks(f, 0); err != nil {
		t.Fatalf("TruncateBlocks: %v", err)
	}

	if f.Indirect != 0 {
		t.Fatal("indirect block pointer should be cleared once no blocks need it")
	}
	for _, bno := range []uint32{directBno, indirectBno, indirectBlockNum} {
		free, err := tbl.Alloc.IsFree(int(bno))
		if err != nil {
			t.Fatalf("IsFree(%d): %v", bno, err)
		}
		if !free {
			t.Fatalf("block %d should have been freed by truncation", bno)
		}
	}
}

func TestSetSizeGrowDoesNotTouchBlocks(t *testing.T) {
	tbl := newTable(256)
	f := &File{Type: TypeReg}
	if err := tbl.SetSize(f, 10*bcache.BlockSize); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if f.Size != 10*bcache.BlockSize {
		t.Fatalf("got size %d", f.Size)
	}
	if f.Direct[0] != 0 {
		t.Fatal("growing should not allocate any blocks eagerly")
	}
}

func TestMapBlockPastIndirectLimitIsInvalid(t *testing.T) {
	tbl := newTable(256)
	f := &File{Type: TypeReg}
	if _, err := tbl.MapBlock(f, NIndirect, true); err != defs.EInvalid {
		t.Fatalf("expected EInvalid at the indirect-block boundary, got %v", err)
	}
}
