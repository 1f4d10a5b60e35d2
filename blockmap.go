package ext2fs

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/ext2fs/internal/layout"
)

// This file implements the disk-inode block map spec.md §4.2 describes:
// resolving a logical block index to a physical block number across the
// direct, indirect, double-indirect and triple-indirect regions, and
// growing or shrinking that map as a file's size changes. Everything
// here operates through the cache, never the device directly, and
// assumes the filesystem lock is already held by the caller.

const (
	p1 = uint64(layout.PointersPerBlock)
	p2 = p1 * p1
	p3 = p1 * p1 * p1
)

// ensureMetaBlock returns the block id stored at *slot, allocating and
// zeroing a fresh metadata block and storing it there if it is zero and
// alloc is true. It never returns an error for a zero slot when alloc is
// false; callers treat a zero return as "not yet mapped".
func (fs *Filesystem) ensureMetaBlock(slot *uint32, alloc bool) (uint32, error) {
	if *slot != 0 {
		return *slot, nil
	}
	if !alloc {
		return 0, nil
	}
	id, err := fs.allocData()
	if err != nil {
		return 0, err
	}
	h, err := fs.cache.Get(id)
	if err != nil {
		return 0, err
	}
	h.Zero()
	fs.cache.Release(h)
	*slot = id
	return id, nil
}

// childMetaAt reads the pointer at index idx within metadata block
// blockID, allocating and zeroing a fresh child metadata block and
// writing its id there if the slot is zero and alloc is true.
func (fs *Filesystem) childMetaAt(blockID uint32, idx uint64, alloc bool) (uint32, error) {
	h, err := fs.cache.Get(blockID)
	if err != nil {
		return 0, err
	}
	defer fs.cache.Release(h)

	var buf [4]byte
	h.ReadAt(int(idx)*4, buf[:])
	ptr := binary.LittleEndian.Uint32(buf[:])
	if ptr != 0 || !alloc {
		return ptr, nil
	}

	id, err := fs.allocData()
	if err != nil {
		return 0, err
	}
	ch, err := fs.cache.Get(id)
	if err != nil {
		return 0, err
	}
	ch.Zero()
	fs.cache.Release(ch)

	binary.LittleEndian.PutUint32(buf[:], id)
	h.WriteAt(int(idx)*4, buf[:])
	return id, nil
}

// pointerAt reads the data-block pointer at index idx within metadata
// block blockID, allocating a fresh data block and writing its id there
// if the slot is zero and alloc is true.
func (fs *Filesystem) pointerAt(blockID uint32, idx uint64, alloc bool) (uint32, error) {
	h, err := fs.cache.Get(blockID)
	if err != nil {
		return 0, err
	}
	defer fs.cache.Release(h)

	var buf [4]byte
	h.ReadAt(int(idx)*4, buf[:])
	ptr := binary.LittleEndian.Uint32(buf[:])
	if ptr != 0 || !alloc {
		return ptr, nil
	}

	id, err := fs.allocData()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[:], id)
	h.WriteAt(int(idx)*4, buf[:])
	return id, nil
}

// blockPointer resolves logical block index n of di to a physical block
// id. With alloc true, it creates any metadata or data block needed
// along the way; with alloc false, a 0 return means the block is not
// mapped (which read_at treats as a hole, though eager allocation in
// increaseSize means this should not occur within [0, size)).
func (fs *Filesystem) blockPointer(di *layout.DiskInode, n uint64, alloc bool) (uint32, error) {
	const direct = uint64(layout.DirectBlockNum)

	switch {
	case n < direct:
		if di.DirectBlock[n] == 0 && alloc {
			id, err := fs.allocData()
			if err != nil {
				return 0, err
			}
			di.DirectBlock[n] = id
		}
		return di.DirectBlock[n], nil

	case n < direct+p1:
		blk, err := fs.ensureMetaBlock(&di.IndirectBlock, alloc)
		if err != nil || blk == 0 {
			return 0, err
		}
		return fs.pointerAt(blk, n-direct, alloc)

	case n < direct+p1+p2:
		idx := n - (direct + p1)
		outer, inner := idx/p1, idx%p1
		root, err := fs.ensureMetaBlock(&di.DoubleIndirectBlock, alloc)
		if err != nil || root == 0 {
			return 0, err
		}
		mid, err := fs.childMetaAt(root, outer, alloc)
		if err != nil || mid == 0 {
			return 0, err
		}
		return fs.pointerAt(mid, inner, alloc)

	default:
		idx := n - (direct + p1 + p2)
		outer := idx / p2
		mid := (idx / p1) % p1
		inner := idx % p1
		root, err := fs.ensureMetaBlock(&di.TripleIndirectBlock, alloc)
		if err != nil || root == 0 {
			return 0, err
		}
		dbl, err := fs.childMetaAt(root, outer, alloc)
		if err != nil || dbl == 0 {
			return 0, err
		}
		single, err := fs.childMetaAt(dbl, mid, alloc)
		if err != nil || single == 0 {
			return 0, err
		}
		return fs.pointerAt(single, inner, alloc)
	}
}

// freeTree frees every data block in the subtree rooted at blockID (a
// metadata block at the given level: 1 = holds data pointers directly,
// 2 = holds pointers to level-1 blocks, 3 = holds pointers to level-2
// blocks) whose logical index within the subtree is >= keep. It reports
// whether the subtree still holds any kept block, so the caller can free
// blockID itself when the answer is false.
func (fs *Filesystem) freeTree(blockID uint32, level int, keep uint64) (bool, error) {
	if blockID == 0 {
		return false, nil
	}

	h, err := fs.cache.Get(blockID)
	if err != nil {
		return false, err
	}
	defer fs.cache.Release(h)

	if level == 1 {
		for i := keep; i < p1; i++ {
			var buf [4]byte
			h.ReadAt(int(i)*4, buf[:])
			ptr := binary.LittleEndian.Uint32(buf[:])
			if ptr == 0 {
				continue
			}
			if err := fs.deallocBlock(ptr); err != nil {
				return false, err
			}
			var zero [4]byte
			h.WriteAt(int(i)*4, zero[:])
		}
		return keep > 0, nil
	}

	childCap := p1
	if level == 3 {
		childCap = p2
	}
	startChild := keep / childCap

	for i := startChild; i < p1; i++ {
		var buf [4]byte
		h.ReadAt(int(i)*4, buf[:])
		childPtr := binary.LittleEndian.Uint32(buf[:])
		if childPtr == 0 {
			continue
		}
		var childKeep uint64
		if i == startChild {
			childKeep = keep % childCap
		}
		stillNeeded, err := fs.freeTree(childPtr, level-1, childKeep)
		if err != nil {
			return false, err
		}
		if stillNeeded {
			continue
		}
		if err := fs.deallocBlock(childPtr); err != nil {
			return false, err
		}
		var zero [4]byte
		h.WriteAt(int(i)*4, zero[:])
	}
	return keep > 0, nil
}

// increaseSize grows di to newSize bytes, eagerly allocating every data
// block the new logical range needs (spec.md §4.2: "blocks are allocated
// eagerly by increase_size", never lazily at write time).
func (fs *Filesystem) increaseSize(di *layout.DiskInode, newSize uint32) error {
	oldBlocks := uint64(layout.TotalBlocks(di.Size))
	newBlocks := uint64(layout.TotalBlocks(newSize))
	for n := oldBlocks; n < newBlocks; n++ {
		if _, err := fs.blockPointer(di, n, true); err != nil {
			return err
		}
	}
	di.Size = newSize
	di.Blocks = (uint32(newBlocks) + layout.MetaBlocksForData(uint32(newBlocks))) * (layout.BlockSize / 512)
	return nil
}

// decreaseSize shrinks di to newSize bytes, releasing every data and
// metadata block beyond the new logical range back to the allocator.
// newSize == 0 implements clear().
func (fs *Filesystem) decreaseSize(di *layout.DiskInode, newSize uint32) error {
	oldBlocks := uint64(layout.TotalBlocks(di.Size))
	var newBlocks uint64
	if newSize > 0 {
		newBlocks = uint64(layout.TotalBlocks(newSize))
	}
	if newBlocks >= oldBlocks {
		di.Size = newSize
		return nil
	}

	direct := uint64(layout.DirectBlockNum)
	for n := newBlocks; n < oldBlocks && n < direct; n++ {
		if di.DirectBlock[n] != 0 {
			if err := fs.deallocBlock(di.DirectBlock[n]); err != nil {
				return err
			}
			di.DirectBlock[n] = 0
		}
	}

	indirectKeep := saturatedSub(newBlocks, direct, p1)
	stillNeeded, err := fs.freeTree(di.IndirectBlock, 1, indirectKeep)
	if err != nil {
		return err
	}
	if !stillNeeded && di.IndirectBlock != 0 {
		if err := fs.deallocBlock(di.IndirectBlock); err != nil {
			return err
		}
		di.IndirectBlock = 0
	}

	doubleBase := direct + p1
	doubleKeep := saturatedSub(newBlocks, doubleBase, p2)
	stillNeeded2, err := fs.freeTree(di.DoubleIndirectBlock, 2, doubleKeep)
	if err != nil {
		return err
	}
	if !stillNeeded2 && di.DoubleIndirectBlock != 0 {
		if err := fs.deallocBlock(di.DoubleIndirectBlock); err != nil {
			return err
		}
		di.DoubleIndirectBlock = 0
	}

	tripleBase := doubleBase + p2
	var tripleKeep uint64
	if newBlocks > tripleBase {
		tripleKeep = newBlocks - tripleBase
	}
	stillNeeded3, err := fs.freeTree(di.TripleIndirectBlock, 3, tripleKeep)
	if err != nil {
		return err
	}
	if !stillNeeded3 && di.TripleIndirectBlock != 0 {
		if err := fs.deallocBlock(di.TripleIndirectBlock); err != nil {
			return err
		}
		di.TripleIndirectBlock = 0
	}

	di.Size = newSize
	di.Blocks = (uint32(newBlocks) + layout.MetaBlocksForData(uint32(newBlocks))) * (layout.BlockSize / 512)
	return nil
}

// saturatedSub returns how many of a region's own capacity logical
// blocks starting at base should be kept, given a file of newBlocks
// blocks.
func saturatedSub(newBlocks, base, capacity uint64) uint64 {
	if newBlocks <= base {
		return 0
	}
	keep := newBlocks - base
	if keep > capacity {
		keep = capacity
	}
	return keep
}

// readBytes copies bytes from di's data region [offset, offset+len(buf))
// into buf, without touching atime — callers update timestamps.
func (fs *Filesystem) readBytes(di *layout.DiskInode, offset uint64, buf []byte) (int, error) {
	if offset >= uint64(di.Size) {
		return 0, nil
	}
	avail := uint64(di.Size) - offset
	toRead := uint64(len(buf))
	if toRead > avail {
		toRead = avail
	}

	var read uint64
	for read < toRead {
		n := (offset + read) / layout.BlockSize
		inBlock := int((offset + read) % layout.BlockSize)
		physical, err := fs.blockPointer(di, n, false)
		if err != nil {
			return int(read), err
		}
		chunk := layout.BlockSize - inBlock
		if remaining := toRead - read; uint64(chunk) > remaining {
			chunk = int(remaining)
		}
		dst := buf[read : read+uint64(chunk)]
		if physical == 0 {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			h, err := fs.cache.Get(physical)
			if err != nil {
				return int(read), err
			}
			h.ReadAt(inBlock, dst)
			fs.cache.Release(h)
		}
		read += uint64(chunk)
	}
	return int(read), nil
}

// writeBytes writes buf into di's data region starting at offset,
// growing the file first via increaseSize if needed. Callers update
// timestamps.
func (fs *Filesystem) writeBytes(di *layout.DiskInode, offset uint64, buf []byte) (int, error) {
	end := offset + uint64(len(buf))
	if end > uint64(maxFileSize) {
		return 0, xerrors.Errorf("ext2fs: write would exceed max file size")
	}
	if end > uint64(di.Size) {
		if err := fs.increaseSize(di, uint32(end)); err != nil {
			return 0, err
		}
	}

	var written uint64
	toWrite := uint64(len(buf))
	for written < toWrite {
		n := (offset + written) / layout.BlockSize
		inBlock := int((offset + written) % layout.BlockSize)
		physical, err := fs.blockPointer(di, n, true)
		if err != nil {
			return int(written), err
		}
		chunk := layout.BlockSize - inBlock
		if remaining := toWrite - written; uint64(chunk) > remaining {
			chunk = int(remaining)
		}
		h, err := fs.cache.Get(physical)
		if err != nil {
			return int(written), err
		}
		h.WriteAt(inBlock, buf[written:written+uint64(chunk)])
		fs.cache.Release(h)
		written += uint64(chunk)
	}
	return int(written), nil
}

// maxFileSize is bounded by uint32 byte offsets (di.Size is a uint32),
// not by the triple-indirect tree's own much larger reach.
const maxFileSize = ^uint32(0)
