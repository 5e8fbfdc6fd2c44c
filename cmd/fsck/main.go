// Command fsck walks a formatted volume and reports inconsistencies
// between the directory tree's block usage and the free-block bitmap:
// blocks a live file claims but the bitmap marks free (a lost-update
// bug), and blocks the bitmap marks allocated that no live file
// references (a leak). It never repairs anything — repair is out of
// scope (§1's logging/journalling Non-goal extends to recovery tooling
// generally); this is read-only reporting, the "fsck-lite" supplement
// original_source/fs/fs.c's own file_flush/fs_sync comments gesture at
// but never implement ("a big hammer") doing for free blocks instead.
package main

import (
	"fmt"
	"log"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/zellux/nexus/internal/diskio"
	"github.com/zellux/nexus/internal/fs/bcache"
	"github.com/zellux/nexus/internal/fs/file"
	"github.com/zellux/nexus/internal/fs/fsys"
)

var (
	imagePath = kingpin.Arg("image", "path to the disk image to check").Required().String()
	cacheCap  = kingpin.Flag("cache-blocks", "block cache capacity while checking").Default("256").Int()
)

func main() {
	kingpin.Parse()

	disk, err := diskio.Open(*imagePath)
	if err != nil {
		log.Fatalf("fsck: %v", err)
	}
	defer disk.Close()

	cache := bcache.NewCache(disk, *cacheCap)
	fs, err := fsys.Mount(cache)
	if err != nil {
		log.Fatalf("fsck: mount: %v", err)
	}

	referenced := map[int]bool{
		fsys.BootBlock:  true,
		fsys.SuperBlock: true,
	}
	for i := 0; i < fs.Alloc.Len; i++ {
		referenced[fs.Alloc.Start+i] = true
	}

	problems := 0
	_, root, _, err := fs.WalkPath("/")
	if err != nil {
		log.Fatalf("fsck: walk root: %v", err)
	}
	problems += walk(fs, root.Read(), referenced)
	root.Release()

	for num := 0; num < fs.Alloc.NBlocks; num++ {
		free, err := fs.Alloc.IsFree(num)
		if err != nil {
			log.Fatalf("fsck: read bitmap for block %d: %v", num, err)
		}
		if !free && !referenced[num] {
			fmt.Printf("leaked block: %d marked allocated but not reachable from any file\n", num)
			problems++
		}
	}

	if problems == 0 {
		fmt.Println("fsck: clean")
		os.Exit(0)
	}
	fmt.Printf("fsck: %d problem(s) found\n", problems)
	os.Exit(1)
}

// walk recursively marks every block a live file or directory claims as
// referenced, reporting (and counting, but not fixing) any claimed block
// the bitmap says is free.
func walk(fs *fsys.FileSystem, dir file.File, referenced map[int]bool) int {
	problems := 0
	claim := func(blockno uint32, owner string) {
		if blockno == 0 {
			return
		}
		referenced[int(blockno)] = true
		free, err := fs.Alloc.IsFree(int(blockno))
		if err == nil && free {
			fmt.Printf("inconsistent: block %d used by %s but bitmap marks it free\n", blockno, owner)
			problems++
		}
	}

	nblock := dir.Size / bcache.BlockSize
	for i := uint32(0); i < nblock; i++ {
		diskbno, err := fs.Files.MapBlock(&dir, i, false)
		if err != nil {
			continue
		}
		claim(diskbno, fmt.Sprintf("directory block %d", i))

		b, err := fs.Cache.Get(int(diskbno))
		if err != nil {
			continue
		}
		for j := 0; j < file.EntriesPerBlock; j++ {
			off := j * file.RecordSize
			entry := file.Decode(b.Data[off:])
			if entry.Name == "" {
				continue
			}
			for _, d := range entry.Direct {
				claim(d, entry.Name)
			}
			claim(entry.Indirect, entry.Name+" (indirect)")
			if entry.Indirect != 0 {
				ib, err := fs.Cache.Get(int(entry.Indirect))
				if err == nil {
					for k := 0; k*4 < bcache.BlockSize; k++ {
						ptr := leUint32(ib.Data[k*4:])
						claim(ptr, entry.Name)
					}
					fs.Cache.Release(ib)
				}
			}
			if entry.Type == file.TypeDir {
				problems += walk(fs, entry, referenced)
			}
		}
		fs.Cache.Release(b)
	}
	return problems
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
