package ext2fs

import (
	"golang.org/x/xerrors"

	"github.com/distr1/ext2fs/internal/layout"
)

// Directory entries are stored as a flat byte stream within a
// directory inode's data region: header||name back-to-back, with no
// padding to fill a block's trailing slack. This is why unlink works
// by rec_len coalescing (spec.md §4.3) rather than in-place removal —
// there is no slack to reclaim in place, only a predecessor's rec_len
// to extend so the victim is skipped on future scans.

// scanDirEntries walks di's entries front to back, calling visit for
// each with its byte offset, decoded header, and name. visit returns
// stop=true to end the walk early.
func (fs *Filesystem) scanDirEntries(di *layout.DiskInode, visit func(pos int, hdr layout.DirEntryHeader, name string) (stop bool, err error)) error {
	pos := 0
	for pos < int(di.Size) {
		var hdrBuf [layout.DirEntryHeaderSize]byte
		if _, err := fs.readBytes(di, uint64(pos), hdrBuf[:]); err != nil {
			return err
		}
		hdr, err := layout.DecodeDirEntryHeader(hdrBuf[:])
		if err != nil {
			return err
		}
		var name string
		if hdr.NameLen > 0 {
			nameBuf := make([]byte, hdr.NameLen)
			if _, err := fs.readBytes(di, uint64(pos+layout.DirEntryHeaderSize), nameBuf); err != nil {
				return err
			}
			name = string(nameBuf)
		}
		stop, err := visit(pos, hdr, name)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if hdr.RecLen == 0 {
			return xerrors.Errorf("ext2fs: corrupt directory: zero rec_len at offset %d", pos)
		}
		pos += int(hdr.RecLen)
	}
	return nil
}

// findEntryWithPred returns the matching entry's header and byte
// offset, plus the byte offset of the entry immediately preceding it
// (-1 if it is the first entry), for use by unlinkSingle's coalescing.
func (fs *Filesystem) findEntryWithPred(di *layout.DiskInode, name string) (pos int, prevPos int, hdr layout.DirEntryHeader, found bool, err error) {
	prevPos = -1
	err = fs.scanDirEntries(di, func(p int, h layout.DirEntryHeader, ename string) (bool, error) {
		if ename == name {
			pos, hdr, found = p, h, true
			return true, nil
		}
		prevPos = p
		return false, nil
	})
	return pos, prevPos, hdr, found, err
}

// appendDirEntry appends a new header||name record to di's data
// region, growing it via the ordinary write path.
func (fs *Filesystem) appendDirEntry(di *layout.DiskInode, name string, inodeID uint32, fileType uint8) error {
	if len(name) > layout.MaxNameLen {
		return xerrors.Errorf("ext2fs: append dir entry %q: %w", name, ErrNameTooLong)
	}
	hdr := layout.NewDirEntryHeader(inodeID, name, fileType)
	rec := append(hdr.Encode(), name...)
	_, err := fs.writeBytes(di, uint64(di.Size), rec)
	return err
}

// unlinkSingle removes name from di by extending the preceding entry's
// rec_len to cover the victim, per spec.md §4.3. The first entry of a
// directory (by construction, ".") has no predecessor and so can never
// be removed this way — consistent with the "."/".." unlink
// prohibition enforced one level up in Unlink.
func (fs *Filesystem) unlinkSingle(di *layout.DiskInode, name string) (uint32, error) {
	pos, prevPos, hdr, found, err := fs.findEntryWithPred(di, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, xerrors.Errorf("ext2fs: unlink %q: %w", name, ErrNotExist)
	}
	if prevPos < 0 {
		return 0, xerrors.Errorf("ext2fs: unlink %q: %w", name, ErrInvalidArgument)
	}

	var predHdrBuf [layout.DirEntryHeaderSize]byte
	if _, err := fs.readBytes(di, uint64(prevPos), predHdrBuf[:]); err != nil {
		return 0, err
	}
	predHdr, err := layout.DecodeDirEntryHeader(predHdrBuf[:])
	if err != nil {
		return 0, err
	}
	predHdr.RecLen += hdr.RecLen
	if _, err := fs.writeBytes(di, uint64(prevPos), predHdr.Encode()); err != nil {
		return 0, err
	}
	_ = pos
	return hdr.Inode, nil
}

// Find scans ino's entries for an exact name match and returns a
// handle to the pointed-at inode.
func (ino *Inode) Find(name string) (*Inode, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	return ino.findLocked(name)
}

func (ino *Inode) findLocked(name string) (*Inode, error) {
	if !ino.IsDir() {
		return nil, xerrors.Errorf("ext2fs: find: %w", ErrNotADirectory)
	}
	var foundID uint32
	err := ino.readDiskInode(func(di *layout.DiskInode) error {
		return ino.fs.scanDirEntries(di, func(_ int, hdr layout.DirEntryHeader, ename string) (bool, error) {
			if ename == name {
				foundID = hdr.Inode
				return true, nil
			}
			return false, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if foundID == 0 {
		return nil, xerrors.Errorf("ext2fs: find %q: %w", name, ErrNotExist)
	}
	return ino.fs.getInodeLocked(foundID)
}

func (ino *Inode) existsLocked(name string) (bool, error) {
	_, err := ino.findLocked(name)
	if err == nil {
		return true, nil
	}
	if xerrors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Ls returns every name in ino's directory, in on-disk entry order.
func (ino *Inode) Ls() ([]string, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	if !ino.IsDir() {
		return nil, xerrors.Errorf("ext2fs: ls: %w", ErrNotADirectory)
	}
	var names []string
	err := ino.readDiskInode(func(di *layout.DiskInode) error {
		return ino.fs.scanDirEntries(di, func(_ int, _ layout.DirEntryHeader, ename string) (bool, error) {
			names = append(names, ename)
			return false, nil
		})
	})
	return names, err
}

// Create allocates a new inode of fileType, appends a directory entry
// named name, and — if fileType is a directory — links "." to itself
// and ".." to the parent, incrementing both nlinks accordingly
// (spec.md §4.3, §4.3's Nlink invariants).
func (ino *Inode) Create(name string, fileType uint8) (*Inode, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if !ino.IsDir() {
		return nil, xerrors.Errorf("ext2fs: create %q: %w", name, ErrNotADirectory)
	}
	if len(name) > layout.MaxNameLen {
		return nil, xerrors.Errorf("ext2fs: create %q: %w", name, ErrNameTooLong)
	}
	exists, err := ino.existsLocked(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, xerrors.Errorf("ext2fs: create %q: %w", name, ErrExist)
	}

	newID, err := ino.fs.allocInode()
	if err != nil {
		return nil, err
	}
	blockID, offset := ino.fs.getDiskInodePos(newID)

	di := layout.NewDiskInode(layout.ModeFromFileType(fileType), 0, 0)
	now := ino.fs.clock.Now()
	di.Atime, di.Ctime, di.Mtime = now, now, now
	if fileType == layout.FileTypeDir {
		di.LinksCount = 2
	}
	h, err := ino.fs.cache.Get(blockID)
	if err != nil {
		return nil, err
	}
	enc, err := di.Encode()
	if err != nil {
		ino.fs.cache.Release(h)
		return nil, err
	}
	h.WriteAt(offset, enc)
	ino.fs.cache.Release(h)

	child := &Inode{id: newID, blockID: blockID, blockOffset: offset, fs: ino.fs, fileType: fileType}

	if err := ino.modifyDiskInode(func(parentDi *layout.DiskInode) error {
		return ino.fs.appendDirEntry(parentDi, name, newID, fileType)
	}); err != nil {
		return nil, err
	}

	if fileType == layout.FileTypeDir {
		if err := child.modifyDiskInode(func(cdi *layout.DiskInode) error {
			if err := ino.fs.appendDirEntry(cdi, ".", newID, layout.FileTypeDir); err != nil {
				return err
			}
			return ino.fs.appendDirEntry(cdi, "..", ino.id, layout.FileTypeDir)
		}); err != nil {
			return nil, err
		}
		if err := ino.increaseNlink(1); err != nil {
			return nil, err
		}
	}

	return child, nil
}

// Link hard-links an existing regular file into this directory under
// name. Per spec.md's explicit text, only regular-file targets are
// accepted — real ext2 also permits linking non-directory special
// files, but this engine has no inode kind for those beyond the
// file-type byte.
func (ino *Inode) Link(name string, target *Inode) error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if !ino.IsDir() {
		return xerrors.Errorf("ext2fs: link %q: %w", name, ErrNotADirectory)
	}
	if !target.IsRegular() {
		return xerrors.Errorf("ext2fs: link %q: target is not a regular file: %w", name, ErrInvalidArgument)
	}
	if len(name) > layout.MaxNameLen {
		return xerrors.Errorf("ext2fs: link %q: %w", name, ErrNameTooLong)
	}
	exists, err := ino.existsLocked(name)
	if err != nil {
		return err
	}
	if exists {
		return xerrors.Errorf("ext2fs: link %q: %w", name, ErrExist)
	}

	if err := ino.modifyDiskInode(func(di *layout.DiskInode) error {
		return ino.fs.appendDirEntry(di, name, target.id, layout.FileTypeRegular)
	}); err != nil {
		return err
	}
	return target.increaseNlink(1)
}

// Symlink creates a new symbolic-link inode under name whose contents
// are the literal bytes of linkTarget.
func (ino *Inode) Symlink(name, linkTarget string) (*Inode, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if !ino.IsDir() {
		return nil, xerrors.Errorf("ext2fs: symlink %q: %w", name, ErrNotADirectory)
	}
	if len(name) > layout.MaxNameLen {
		return nil, xerrors.Errorf("ext2fs: symlink %q: %w", name, ErrNameTooLong)
	}
	exists, err := ino.existsLocked(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, xerrors.Errorf("ext2fs: symlink %q: %w", name, ErrExist)
	}

	newID, err := ino.fs.allocInode()
	if err != nil {
		return nil, err
	}
	blockID, offset := ino.fs.getDiskInodePos(newID)
	di := layout.NewDiskInode(layout.ModeSymlink, 0, 0)
	now := ino.fs.clock.Now()
	di.Atime, di.Ctime, di.Mtime = now, now, now
	h, err := ino.fs.cache.Get(blockID)
	if err != nil {
		return nil, err
	}
	enc, err := di.Encode()
	if err != nil {
		ino.fs.cache.Release(h)
		return nil, err
	}
	h.WriteAt(offset, enc)
	ino.fs.cache.Release(h)

	child := &Inode{id: newID, blockID: blockID, blockOffset: offset, fs: ino.fs, fileType: layout.FileTypeSymlink}

	if err := child.modifyDiskInode(func(cdi *layout.DiskInode) error {
		_, err := ino.fs.writeBytes(cdi, 0, []byte(linkTarget))
		return err
	}); err != nil {
		return nil, err
	}

	if err := ino.modifyDiskInode(func(di *layout.DiskInode) error {
		return ino.fs.appendDirEntry(di, name, newID, layout.FileTypeSymlink)
	}); err != nil {
		return nil, err
	}

	return child, nil
}

// ReadLink returns a symbolic link's stored target path.
func (ino *Inode) ReadLink() (string, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if !ino.IsSymlink() {
		return "", xerrors.Errorf("ext2fs: readlink: %w", ErrNotSymlink)
	}
	var target string
	err := ino.readDiskInode(func(di *layout.DiskInode) error {
		buf := make([]byte, di.Size)
		_, err := ino.fs.readBytes(di, 0, buf)
		target = string(buf)
		return err
	})
	return target, err
}

// Unlink removes name from ino's directory. "." and ".." are always
// rejected. If the target is itself a directory, its children are
// unlinked recursively first (skipping their own "." and ".."), then
// its self-link and the parent's link from ".." are released, before
// the directory entry in ino is finally removed.
func (ino *Inode) Unlink(name string) error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()

	if !ino.IsDir() {
		return xerrors.Errorf("ext2fs: unlink %q: %w", name, ErrNotADirectory)
	}
	if name == "." || name == ".." {
		return xerrors.Errorf("ext2fs: unlink %q: %w", name, ErrInvalidArgument)
	}
	return ino.fs.unlinkBelow(ino, name)
}

// unlinkBelow implements the recursive half of Unlink; it assumes
// fs.mu is already held.
func (fs *Filesystem) unlinkBelow(parent *Inode, name string) error {
	target, err := parent.findLocked(name)
	if err != nil {
		return err
	}

	if target.IsDir() {
		var children []string
		if err := target.readDiskInode(func(di *layout.DiskInode) error {
			return fs.scanDirEntries(di, func(_ int, _ layout.DirEntryHeader, ename string) (bool, error) {
				if ename != "." && ename != ".." {
					children = append(children, ename)
				}
				return false, nil
			})
		}); err != nil {
			return err
		}
		for _, child := range children {
			if err := fs.unlinkBelow(target, child); err != nil {
				return err
			}
		}
	}

	if err := parent.modifyDiskInode(func(di *layout.DiskInode) error {
		_, err := fs.unlinkSingle(di, name)
		return err
	}); err != nil {
		return err
	}

	if target.IsDir() {
		if err := target.decreaseNlink(1); err != nil { // "."
			return err
		}
		if err := parent.decreaseNlink(1); err != nil { // ".."
			return err
		}
	}
	return target.decreaseNlink(1) // the directory entry link just removed
}
