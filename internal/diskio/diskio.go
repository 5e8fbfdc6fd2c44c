// Package diskio is the simulated IDE disk (§1): a fixed-size
// host-backed file, memory-mapped with golang.org/x/sys/unix so reads
// and writes against it are plain slice operations rather than a real
// PIO/DMA sector protocol. It implements bcache.Disk.
//
// The real ATA/AHCI PIO and interrupt wiring the teacher drives (biscuit
// src/ahci) is out of this kernel's scope — there is no boot-time device
// enumeration to do — but the "disk is an addressable array of fixed-
// size blocks behind a narrow interface" shape is the same one bcache
// was already written against, so this is the one new leaf the domain
// stack needed: a concrete golang.org/x/sys/unix consumer.
package diskio

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/zellux/nexus/internal/fs/bcache"
)

// File is a disk image backed by an mmap'd regular file. The zero value
// is not usable; construct with Open or Create.
type File struct {
	f       *os.File
	data    []byte
	nblocks int
}

// Create truncates (or creates) path to hold nblocks blocks of
// bcache.BlockSize bytes and maps it.
func Create(path string, nblocks int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "diskio: create image")
	}
	size := int64(nblocks) * bcache.BlockSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "diskio: truncate image")
	}
	return mapOpenFile(f, nblocks)
}

// Open maps an existing disk image at path, sized to a whole number of
// blocks.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "diskio: open image")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "diskio: stat image")
	}
	if st.Size()%bcache.BlockSize != 0 {
		f.Close()
		return nil, errors.Errorf("diskio: image size %d is not a multiple of block size %d", st.Size(), bcache.BlockSize)
	}
	return mapOpenFile(f, int(st.Size()/bcache.BlockSize))
}

func mapOpenFile(f *os.File, nblocks int) (*File, error) {
	size := int(nblocks) * bcache.BlockSize
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "diskio: mmap image")
	}
	return &File{f: f, data: data, nblocks: nblocks}, nil
}

// NumBlocks implements bcache.Disk.
func (d *File) NumBlocks() int { return d.nblocks }

// ReadBlock implements bcache.Disk. The returned slice is a fresh copy,
// not an alias into the mapping, so a caller's later mutation doesn't
// silently corrupt the image before bcache decides to write it back.
func (d *File) ReadBlock(num int) ([]byte, error) {
	if num < 0 || num >= d.nblocks {
		return nil, errors.Errorf("diskio: block %d out of range [0, %d)", num, d.nblocks)
	}
	buf := make([]byte, bcache.BlockSize)
	copy(buf, d.data[num*bcache.BlockSize:(num+1)*bcache.BlockSize])
	return buf, nil
}

// WriteBlock implements bcache.Disk.
func (d *File) WriteBlock(num int, data []byte) error {
	if num < 0 || num >= d.nblocks {
		return errors.Errorf("diskio: block %d out of range [0, %d)", num, d.nblocks)
	}
	copy(d.data[num*bcache.BlockSize:(num+1)*bcache.BlockSize], data)
	return nil
}

// Sync flushes the mapping to the backing file with msync, giving
// cmd/mkfs and fsck a durability point independent of bcache's own
// write-back bookkeeping.
func (d *File) Sync() error {
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "diskio: msync")
	}
	return nil
}

// Close unmaps the image and closes the backing file.
func (d *File) Close() error {
	if err := unix.Munmap(d.data); err != nil {
		return errors.Wrap(err, "diskio: munmap")
	}
	return d.f.Close()
}

var _ bcache.Disk = (*File)(nil)
