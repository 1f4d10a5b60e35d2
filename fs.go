// Package ext2fs implements an ext2-compatible file system engine:
// bit-compatible with Linux ext2 "GOOD_OLD_REV" (revision 0) at a fixed
// 4 KiB block size. It owns the block cache, allocator, on-disk layout,
// inode operations and directory/link semantics; the block device, the
// VFS/path layer above it, the kernel time source, and any journal are
// external collaborators supplied by the embedder.
package ext2fs

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/ext2fs/blockdev"
	"github.com/distr1/ext2fs/internal/cache"
	"github.com/distr1/ext2fs/internal/layout"
)

// Filesystem is the engine's facade (spec.md §4.4): it owns the
// superblock and group descriptor table in memory, the block cache, and
// the single coarse lock serializing every mutating operation (spec.md
// §5's filesystem lock). Multiple Inode handles for the same inode are
// legal and share state through the cache.
type Filesystem struct {
	device blockdev.Device
	cache  *cache.Manager
	clock  Clock

	mu     sync.Mutex
	sb     layout.SuperBlock
	groups []layout.GroupDesc
}

const inodeTableBlocksPerGroup = layout.InodesPerGroup * layout.InodeSize / layout.BlockSize

// reservedBlocksPerGroup is the number of blocks at the start of every
// group reserved for a superblock copy, the group descriptor table, the
// two bitmaps and the inode table. Only group 0's copy of the
// superblock and descriptor table is ever written with real content;
// the same region is still marked used in every other group's block
// bitmap, matching classic (non-sparse_super) ext2 layout.
func reservedBlocksPerGroup(groupNum int) uint32 {
	return 1 + layout.GroupDescTableBlocks(groupNum) + 2 + inodeTableBlocksPerGroup
}

// Create formats device as a fresh ext2 filesystem: computes the group
// layout, zero-fills the device (preserving any existing boot sector in
// block 0's first 1024 bytes), marks reserved inodes and the per-group
// reserved block region as used, creates the root directory linked to
// itself, and syncs everything to device.
func Create(ctx context.Context, device blockdev.Device, clock Clock, maxCache int, volumeName string) (*Filesystem, error) {
	if device.BlockSize() != layout.BlockSize {
		return nil, xerrors.Errorf("ext2fs: create: unsupported block size %d", device.BlockSize())
	}

	blockNum := device.BlockNum()
	groupNum := (blockNum + layout.BlocksPerGroup - 1) / layout.BlocksPerGroup
	if groupNum < 1 {
		return nil, xerrors.Errorf("ext2fs: create: device too small for even one block group")
	}
	lastGroupBlocks := blockNum - (groupNum-1)*layout.BlocksPerGroup
	reserved := reservedBlocksPerGroup(int(groupNum))
	if lastGroupBlocks <= reserved {
		groupNum--
		lastGroupBlocks = layout.BlocksPerGroup
	}
	if groupNum < 1 {
		return nil, xerrors.Errorf("ext2fs: create: device too small to host a single usable block group")
	}
	blockNum = (groupNum-1)*layout.BlocksPerGroup + lastGroupBlocks

	if err := zeroFillDevice(ctx, device, blockNum); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: zero-fill: %w", err)
	}

	gdtBlocks := layout.GroupDescTableBlocks(int(groupNum))
	groups := make([]layout.GroupDesc, groupNum)
	var freeBlocksTotal uint32
	for gid := uint32(0); gid < groupNum; gid++ {
		base := gid * layout.BlocksPerGroup
		blockBitmap := base + 1 + gdtBlocks
		inodeBitmap := blockBitmap + 1
		inodeTable := inodeBitmap + 1

		groupBlocks := layout.BlocksPerGroup
		if gid == groupNum-1 {
			groupBlocks = lastGroupBlocks
		}
		free := groupBlocks - reserved
		freeBlocksTotal += free

		groups[gid] = layout.GroupDesc{
			BlockBitmap:     blockBitmap,
			InodeBitmap:     inodeBitmap,
			InodeTable:      inodeTable,
			FreeBlocksCount: uint16(free),
			FreeInodesCount: uint16(layout.InodesPerGroup),
		}
	}

	inodesCount := layout.InodesPerGroup * groupNum
	now := clock.Now()
	sb := layout.NewSuperBlock(inodesCount, blockNum, inodesCount-(layout.FirstFreeInode-1), freeBlocksTotal, groupNum, now, volumeName)

	fs := &Filesystem{
		device: device,
		cache:  cache.New(device, maxCache),
		clock:  clock,
		sb:     sb,
		groups: groups,
	}

	if err := fs.reserveBootstrapRegions(groupNum); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: %w", err)
	}
	if err := fs.writeMeta(); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: %w", err)
	}
	if err := fs.cache.SyncAll(); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: %w", err)
	}

	if err := fs.createRootInode(); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: %w", err)
	}
	if err := fs.writeMeta(); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: %w", err)
	}
	if err := fs.cache.SyncAll(); err != nil {
		return nil, xerrors.Errorf("ext2fs: create: %w", err)
	}

	return fs, nil
}

// reserveBootstrapRegions marks inodes 1..FirstFreeInode-1 used in group
// 0's inode bitmap, and each group's reserved block region used in that
// group's block bitmap (plus, for the last group, any blocks beyond
// lastGroupBlocks that were dropped from the usable range).
func (fs *Filesystem) reserveBootstrapRegions(groupNum uint32) error {
	// Bit index 0 of group 0's inode bitmap corresponds to inode number 1,
	// so reserving inode numbers [1, FirstFreeInode) is bit range
	// [0, FirstFreeInode-1).
	if err := fs.withBitmap(fs.groups[0].InodeBitmap, func(buf []byte) error {
		layout.BitmapRangeAlloc(buf, 0, layout.FirstFreeInode-1)
		return nil
	}); err != nil {
		return err
	}

	for gid := uint32(0); gid < groupNum; gid++ {
		base := gid * layout.BlocksPerGroup
		reservedEnd := fs.groups[gid].InodeTable + inodeTableBlocksPerGroup
		groupEnd := base + layout.BlocksPerGroup
		if groupEnd > fs.sb.BlocksCount {
			groupEnd = fs.sb.BlocksCount
		}
		if err := fs.withBitmap(fs.groups[gid].BlockBitmap, func(buf []byte) error {
			layout.BitmapRangeAlloc(buf, 0, reservedEnd-base)
			layout.BitmapRangeAlloc(buf, groupEnd-base, layout.BlocksPerGroup)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// withBitmap runs fn with the raw bitmap bytes of the block holding
// bitmapBlockID, marking the block dirty afterward.
func (fs *Filesystem) withBitmap(bitmapBlockID uint32, fn func(buf []byte) error) error {
	h, err := fs.cache.Get(bitmapBlockID)
	if err != nil {
		return err
	}
	defer fs.cache.Release(h)
	buf := make([]byte, layout.BlockSize)
	h.ReadAt(0, buf)
	if err := fn(buf); err != nil {
		return err
	}
	h.WriteAt(0, buf)
	return nil
}

// createRootInode initializes inode 2 as a directory linked to itself
// via "." and "..", per spec.md §4.4.
func (fs *Filesystem) createRootInode() error {
	blockID, offset := fs.getDiskInodePos(layout.RootInode)
	di := layout.NewDiskInode(layout.ModeDir, 0, 0)
	now := fs.clock.Now()
	di.Atime, di.Ctime, di.Mtime = now, now, now
	di.LinksCount = 2

	h, err := fs.cache.Get(blockID)
	if err != nil {
		return err
	}
	enc, err := di.Encode()
	if err != nil {
		fs.cache.Release(h)
		return err
	}
	h.WriteAt(offset, enc)
	fs.cache.Release(h)

	root := &Inode{id: layout.RootInode, blockID: blockID, blockOffset: offset, fs: fs, fileType: layout.FileTypeDir}
	if err := root.modifyDiskInode(func(di *layout.DiskInode) error {
		if err := fs.appendDirEntry(di, ".", layout.RootInode, layout.FileTypeDir); err != nil {
			return err
		}
		return fs.appendDirEntry(di, "..", layout.RootInode, layout.FileTypeDir)
	}); err != nil {
		return err
	}
	return nil
}

// Open reads and validates an existing filesystem's superblock, loads
// its group descriptor table, and records a mount (incrementing mount
// count and mount time) before syncing.
func Open(device blockdev.Device, clock Clock, maxCache int) (*Filesystem, error) {
	if device.BlockSize() != layout.BlockSize {
		return nil, xerrors.Errorf("ext2fs: open: unsupported block size %d", device.BlockSize())
	}

	buf := make([]byte, layout.BlockSize)
	if err := device.ReadBlock(layout.FirstDataBlock, buf); err != nil {
		return nil, xerrors.Errorf("ext2fs: open: read superblock: %w", err)
	}
	sbOffset := 1024
	if layout.FirstDataBlock != 0 {
		sbOffset = 0
	}
	sb, err := layout.DecodeSuperBlock(buf[sbOffset:])
	if err != nil {
		return nil, xerrors.Errorf("ext2fs: open: %w", err)
	}
	if !sb.Valid() {
		return nil, xerrors.Errorf("ext2fs: open: %w", ErrInvalidSuperblock)
	}

	fs := &Filesystem{
		device: device,
		cache:  cache.New(device, maxCache),
		clock:  clock,
		sb:     sb,
	}

	groupNum := int(sb.BlockGroupNr)
	gdtBlockID := layout.FirstDataBlock + 1
	for gid := 0; gid < groupNum; gid++ {
		blockID := uint32(gdtBlockID) + uint32(gid*layout.GroupDescSize)/layout.BlockSize
		offset := (gid * layout.GroupDescSize) % layout.BlockSize
		gdBuf := make([]byte, layout.BlockSize)
		if err := device.ReadBlock(blockID, gdBuf); err != nil {
			return nil, xerrors.Errorf("ext2fs: open: read group descriptor %d: %w", gid, err)
		}
		gd, err := layout.DecodeGroupDesc(gdBuf[offset:])
		if err != nil {
			return nil, xerrors.Errorf("ext2fs: open: decode group descriptor %d: %w", gid, err)
		}
		fs.groups = append(fs.groups, gd)
	}

	fs.sb.MntCount++
	fs.sb.Mtime = clock.Now()

	if err := fs.writeSuperBlock(); err != nil {
		return nil, xerrors.Errorf("ext2fs: open: %w", err)
	}
	if err := fs.cache.SyncAll(); err != nil {
		return nil, xerrors.Errorf("ext2fs: open: %w", err)
	}
	return fs, nil
}

// RootInode returns the handle for inode 2, the filesystem root.
func (fs *Filesystem) RootInode() (*Inode, error) {
	return fs.GetInode(layout.RootInode)
}

// GetInode returns a handle for the given inode number.
func (fs *Filesystem) GetInode(inodeID uint32) (*Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.getInodeLocked(inodeID)
}

// getInodeLocked is GetInode's body, for callers that already hold
// fs.mu (directory operations resolving a name to a handle mid-call).
func (fs *Filesystem) getInodeLocked(inodeID uint32) (*Inode, error) {
	if inodeID == 0 || inodeID > fs.sb.InodesCount {
		return nil, xerrors.Errorf("ext2fs: get inode %d: %w", inodeID, ErrNotExist)
	}
	blockID, offset := fs.getDiskInodePos(inodeID)
	ino := &Inode{id: inodeID, blockID: blockID, blockOffset: offset, fs: fs}
	if err := ino.loadFileTypeLocked(); err != nil {
		return nil, err
	}
	return ino, nil
}

// getDiskInodePos computes the on-disk block and byte offset of an
// inode record, per spec.md §4.2.
func (fs *Filesystem) getDiskInodePos(inodeID uint32) (blockID uint32, byteOffset int) {
	idx := inodeID - 1
	group := idx / layout.InodesPerGroup
	offsetInGroup := idx % layout.InodesPerGroup
	perBlock := uint32(layout.BlockSize / layout.InodeSize)
	blockID = fs.groups[group].InodeTable + offsetInGroup/perBlock
	byteOffset = int(offsetInGroup%perBlock) * layout.InodeSize
	return blockID, byteOffset
}

func inodeBitmapOf(gd layout.GroupDesc) uint32 { return gd.InodeBitmap }
func dataBitmapOf(gd layout.GroupDesc) uint32  { return gd.BlockBitmap }

// allocInode walks the groups in order and returns the first free
// inode number, decrementing the relevant free counters.
func (fs *Filesystem) allocInode() (uint32, error) {
	for gid := range fs.groups {
		var bit uint32
		var ok bool
		if err := fs.withBitmap(inodeBitmapOf(fs.groups[gid]), func(buf []byte) error {
			bit, ok = layout.BitmapAlloc(buf)
			return nil
		}); err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		fs.groups[gid].FreeInodesCount--
		fs.sb.FreeInodesCount--
		return uint32(gid)*layout.InodesPerGroup + bit + 1, nil
	}
	return 0, xerrors.Errorf("ext2fs: alloc inode: %w", ErrNoSpace)
}

// allocData walks the groups in order and returns the first free data
// block id, decrementing the relevant free counters.
func (fs *Filesystem) allocData() (uint32, error) {
	for gid := range fs.groups {
		var bit uint32
		var ok bool
		if err := fs.withBitmap(dataBitmapOf(fs.groups[gid]), func(buf []byte) error {
			bit, ok = layout.BitmapAlloc(buf)
			return nil
		}); err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		fs.groups[gid].FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		return uint32(gid)*layout.BlocksPerGroup + bit, nil
	}
	return 0, xerrors.Errorf("ext2fs: alloc data: %w", ErrNoSpace)
}

// deallocInode clears inode_id's bit, incrementing the relevant free
// counters.
func (fs *Filesystem) deallocInode(inodeID uint32) error {
	gid := (inodeID - 1) / layout.InodesPerGroup
	bit := (inodeID - 1) % layout.InodesPerGroup
	if err := fs.withBitmap(inodeBitmapOf(fs.groups[gid]), func(buf []byte) error {
		layout.BitmapClear(buf, bit)
		return nil
	}); err != nil {
		return err
	}
	fs.groups[gid].FreeInodesCount++
	fs.sb.FreeInodesCount++
	return nil
}

// deallocBlock zeroes the block, clears its bit, and increments the
// relevant free counters.
func (fs *Filesystem) deallocBlock(blockID uint32) error {
	h, err := fs.cache.Get(blockID)
	if err != nil {
		return err
	}
	h.Zero()
	fs.cache.Release(h)

	gid := blockID / layout.BlocksPerGroup
	bit := blockID % layout.BlocksPerGroup
	if err := fs.withBitmap(dataBitmapOf(fs.groups[gid]), func(buf []byte) error {
		layout.BitmapClear(buf, bit)
		return nil
	}); err != nil {
		return err
	}
	fs.groups[gid].FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	return nil
}

// writeSuperBlock persists the in-memory superblock to block
// FirstDataBlock at byte offset 1024 when FirstDataBlock is 0 (a boot
// sector occupies the first 1024 bytes of that block), or 0 otherwise.
func (fs *Filesystem) writeSuperBlock() error {
	h, err := fs.cache.Get(layout.FirstDataBlock)
	if err != nil {
		return err
	}
	defer fs.cache.Release(h)
	enc, err := fs.sb.Encode()
	if err != nil {
		return err
	}
	offset := 1024
	if layout.FirstDataBlock != 0 {
		offset = 0
	}
	h.WriteAt(offset, enc)
	return nil
}

// writeGroupDesc persists group gid's in-memory descriptor to disk.
func (fs *Filesystem) writeGroupDesc(gid int) error {
	blockID := uint32(layout.FirstDataBlock+1) + uint32(gid*layout.GroupDescSize)/layout.BlockSize
	offset := (gid * layout.GroupDescSize) % layout.BlockSize
	h, err := fs.cache.Get(blockID)
	if err != nil {
		return err
	}
	defer fs.cache.Release(h)
	enc, err := fs.groups[gid].Encode()
	if err != nil {
		return err
	}
	h.WriteAt(offset, enc)
	return nil
}

// writeAllGroupDesc persists every group's descriptor to disk.
func (fs *Filesystem) writeAllGroupDesc() error {
	for gid := range fs.groups {
		if err := fs.writeGroupDesc(gid); err != nil {
			return err
		}
	}
	return nil
}

// writeMeta writes the superblock and the full group descriptor table.
func (fs *Filesystem) writeMeta() error {
	if err := fs.writeSuperBlock(); err != nil {
		return err
	}
	return fs.writeAllGroupDesc()
}

// SyncAll writes every dirty cached block and the current superblock
// and group descriptor table to device.
func (fs *Filesystem) SyncAll() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeMeta(); err != nil {
		return err
	}
	return fs.cache.SyncAll()
}

// Close flushes all pending writes. It replaces the original's implicit
// Drop-based flush-on-scope-exit with an explicit call, since Go has no
// destructors.
func (fs *Filesystem) Close() error {
	return fs.SyncAll()
}

// zeroFillDevice clears every block of the device up to blockNum,
// preserving the first 1024 bytes of block 0 for a boot sector. Work is
// split across a bounded pool of goroutines via errgroup, since zeroing
// tens of thousands of independent blocks is the one part of mkfs that
// benefits from real parallelism (the cache and allocator, by contrast,
// are single-lock and not meant to be driven concurrently).
func zeroFillDevice(ctx context.Context, device blockdev.Device, blockNum uint32) error {
	const workers = 8
	g, _ := errgroup.WithContext(ctx)
	chunk := (blockNum + workers - 1) / workers
	for w := uint32(0); w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > blockNum {
			end = blockNum
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			buf := make([]byte, device.BlockSize())
			for id := start; id < end; id++ {
				if id == 0 {
					var boot [1024]byte
					if err := device.ReadBlock(0, buf); err != nil {
						return err
					}
					copy(boot[:], buf[:1024])
					for i := range buf {
						buf[i] = 0
					}
					copy(buf[:1024], boot[:])
				} else {
					for i := range buf {
						buf[i] = 0
					}
				}
				if err := device.WriteBlock(id, buf); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
