// Command mkfs formats a disk image and optionally populates it from a
// host directory tree, the way the teacher's src/mkfs/mkfs.go seeds a
// biscuit boot image from a skeleton directory — rewritten over this
// kernel's own fsys/bitmap/bcache/diskio stack instead of ufs.Ufs_t.
package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/zellux/nexus/internal/diskio"
	"github.com/zellux/nexus/internal/fs/bcache"
	"github.com/zellux/nexus/internal/fs/fsys"
)

var (
	imagePath = kingpin.Arg("image", "path to the disk image to create").Required().String()
	nblocks   = kingpin.Flag("blocks", "total blocks in the formatted volume").Default("40000").Int()
	skelDir   = kingpin.Flag("skel", "host directory tree to copy into the image").String()
	cacheCap  = kingpin.Flag("cache-blocks", "block cache capacity while formatting").Default("256").Int()
)

func main() {
	kingpin.Parse()

	disk, err := diskio.Create(*imagePath, *nblocks)
	if err != nil {
		log.Fatalf("mkfs: %v", err)
	}
	defer disk.Close()

	cache := bcache.NewCache(disk, *cacheCap)
	fs, err := fsys.Format(cache, *nblocks)
	if err != nil {
		log.Fatalf("mkfs: format: %v", err)
	}

	if *skelDir != "" {
		if err := addFiles(fs, *skelDir); err != nil {
			log.Fatalf("mkfs: populate from %s: %v", *skelDir, err)
		}
	}

	if err := fs.Sync(); err != nil {
		log.Fatalf("mkfs: sync: %v", err)
	}
	if err := disk.Sync(); err != nil {
		log.Fatalf("mkfs: msync: %v", err)
	}
}

// addFiles walks skelDir on the host and replicates its directories and
// files into fs, in the teacher's mkfs.go addfiles/copydata shape.
func addFiles(fs *fsys.FileSystem, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skelDir)
		if rel == "" {
			return nil
		}
		rel = "/" + strings.TrimPrefix(rel, "/")

		if d.IsDir() {
			ref, err := fs.MkDir(rel)
			if err != nil {
				return err
			}
			ref.Release()
			return nil
		}

		ref, err := fs.FileCreate(rel)
		if err != nil {
			return err
		}
		defer ref.Release()
		return copyData(fs, ref, path)
	})
}

func copyData(fs *fsys.FileSystem, ref *fsys.EntryRef, hostPath string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	buf := make([]byte, bcache.BlockSize)
	var off int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := fs.WriteAt(ref, off, buf[:n]); err != nil {
				return err
			}
			off += int64(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
