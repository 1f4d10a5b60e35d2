package ext2fs

import (
	"golang.org/x/xerrors"

	"github.com/distr1/ext2fs/internal/layout"
)

// Inode is a live handle to one on-disk inode (spec.md §4.3). Multiple
// handles for the same inode number are legal; they share state through
// the cache, not through the Go struct itself, so the handle carries no
// mutable fields beyond the cached file-type byte.
type Inode struct {
	id          uint32
	blockID     uint32
	blockOffset int
	fs          *Filesystem
	fileType    uint8
}

// ID returns the inode number.
func (ino *Inode) ID() uint32 { return ino.id }

// IsDir reports whether this inode is a directory.
func (ino *Inode) IsDir() bool { return ino.fileType == layout.FileTypeDir }

// IsRegular reports whether this inode is a regular file.
func (ino *Inode) IsRegular() bool { return ino.fileType == layout.FileTypeRegular }

// IsSymlink reports whether this inode is a symbolic link.
func (ino *Inode) IsSymlink() bool { return ino.fileType == layout.FileTypeSymlink }

func (ino *Inode) loadFileTypeLocked() error {
	h, err := ino.fs.cache.Get(ino.blockID)
	if err != nil {
		return err
	}
	defer ino.fs.cache.Release(h)
	buf := make([]byte, layout.DiskInodeSize)
	h.ReadAt(ino.blockOffset, buf)
	di, err := layout.DecodeDiskInode(buf)
	if err != nil {
		return err
	}
	ino.fileType = di.FileCode()
	return nil
}

// readDiskInode decodes the current on-disk inode record and passes it
// to fn without persisting any change fn makes.
func (ino *Inode) readDiskInode(fn func(di *layout.DiskInode) error) error {
	h, err := ino.fs.cache.Get(ino.blockID)
	if err != nil {
		return err
	}
	defer ino.fs.cache.Release(h)
	buf := make([]byte, layout.DiskInodeSize)
	h.ReadAt(ino.blockOffset, buf)
	di, err := layout.DecodeDiskInode(buf)
	if err != nil {
		return err
	}
	return fn(&di)
}

// modifyDiskInode decodes the current on-disk inode record, calls fn to
// mutate it in place, and writes the result back if fn succeeds.
func (ino *Inode) modifyDiskInode(fn func(di *layout.DiskInode) error) error {
	h, err := ino.fs.cache.Get(ino.blockID)
	if err != nil {
		return err
	}
	defer ino.fs.cache.Release(h)

	buf := make([]byte, layout.DiskInodeSize)
	h.ReadAt(ino.blockOffset, buf)
	di, err := layout.DecodeDiskInode(buf)
	if err != nil {
		return err
	}
	if err := fn(&di); err != nil {
		return err
	}
	enc, err := di.Encode()
	if err != nil {
		return err
	}
	h.WriteAt(ino.blockOffset, enc)
	ino.fileType = di.FileCode()
	return nil
}

// ReadAt copies min(len(buf), size-offset) bytes from logical position
// offset into buf and returns the count. Updates atime.
func (ino *Inode) ReadAt(offset uint64, buf []byte) (int, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if ino.IsDir() {
		return 0, xerrors.Errorf("ext2fs: read: %w", ErrIsADirectory)
	}

	var n int
	err := ino.modifyDiskInode(func(di *layout.DiskInode) error {
		var err error
		n, err = ino.fs.readBytes(di, offset, buf)
		di.Atime = ino.fs.clock.Now()
		return err
	})
	return n, err
}

// WriteAt writes buf at logical position offset, growing the file via
// increase_size if offset+len(buf) exceeds the current size. Updates
// atime and mtime.
func (ino *Inode) WriteAt(offset uint64, buf []byte) (int, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if ino.IsDir() {
		return 0, xerrors.Errorf("ext2fs: write: %w", ErrIsADirectory)
	}

	var n int
	err := ino.modifyDiskInode(func(di *layout.DiskInode) error {
		var err error
		n, err = ino.fs.writeBytes(di, offset, buf)
		now := ino.fs.clock.Now()
		di.Atime = now
		di.Mtime = now
		return err
	})
	return n, err
}

// Append is equivalent to WriteAt(size, buf).
func (ino *Inode) Append(buf []byte) (int, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if ino.IsDir() {
		return 0, xerrors.Errorf("ext2fs: append: %w", ErrIsADirectory)
	}

	var n int
	err := ino.modifyDiskInode(func(di *layout.DiskInode) error {
		var err error
		n, err = ino.fs.writeBytes(di, uint64(di.Size), buf)
		now := ino.fs.clock.Now()
		di.Atime = now
		di.Mtime = now
		return err
	})
	return n, err
}

// Ftruncate resizes a regular file to newSize bytes, allocating blocks
// eagerly when growing or releasing them when shrinking.
func (ino *Inode) Ftruncate(newSize uint32) error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if !ino.IsRegular() {
		return xerrors.Errorf("ext2fs: ftruncate: %w", ErrInvalidArgument)
	}
	return ino.modifyDiskInode(func(di *layout.DiskInode) error {
		now := ino.fs.clock.Now()
		di.Ctime = now
		if newSize > di.Size {
			return ino.fs.increaseSize(di, newSize)
		}
		return ino.fs.decreaseSize(di, newSize)
	})
}

// Clear truncates the inode to zero length, returning every data and
// indirect block to the allocator. Idempotent.
func (ino *Inode) Clear() error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	return ino.modifyDiskInode(func(di *layout.DiskInode) error {
		return ino.fs.decreaseSize(di, 0)
	})
}

// Chmod replaces the low 12 permission bits of i_mode.
func (ino *Inode) Chmod(mode uint16) error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	return ino.modifyDiskInode(func(di *layout.DiskInode) error {
		di.Mode = (di.Mode & layout.ModeTypeMask) | (mode & layout.ModePermMask)
		now := ino.fs.clock.Now()
		di.Ctime = now
		di.Atime = now
		return nil
	})
}

// Chown updates whichever of uid/gid are non-nil.
func (ino *Inode) Chown(uid, gid *uint16) error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	return ino.modifyDiskInode(func(di *layout.DiskInode) error {
		if uid != nil {
			di.Uid = *uid
		}
		if gid != nil {
			di.Gid = *gid
		}
		di.Mtime = ino.fs.clock.Now()
		return nil
	})
}

// Size returns the inode's current byte size.
func (ino *Inode) Size() (uint32, error) {
	var size uint32
	err := func() error {
		ino.fs.mu.Lock()
		defer ino.fs.mu.Unlock()
		return ino.readDiskInode(func(di *layout.DiskInode) error {
			size = di.Size
			return nil
		})
	}()
	return size, err
}

// increaseNlink increments i_links_count by n.
func (ino *Inode) increaseNlink(n int) error {
	return ino.modifyDiskInode(func(di *layout.DiskInode) error {
		di.LinksCount = uint16(int(di.LinksCount) + n)
		di.Ctime = ino.fs.clock.Now()
		return nil
	})
}

// decreaseNlink decrements i_links_count by n; if it reaches zero, the
// inode's data is cleared and the inode itself is deallocated
// (spec.md §4.3's "Nlink and deletion").
func (ino *Inode) decreaseNlink(n int) error {
	var reachedZero bool
	if err := ino.modifyDiskInode(func(di *layout.DiskInode) error {
		di.LinksCount = uint16(int(di.LinksCount) - n)
		di.Ctime = ino.fs.clock.Now()
		reachedZero = di.LinksCount == 0
		if reachedZero {
			if err := ino.fs.decreaseSize(di, 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if reachedZero {
		return ino.fs.deallocInode(ino.id)
	}
	return nil
}
