package layout

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// DiskInode is the 128-byte on-disk inode record (EXT2_GOOD_OLD_INODE_SIZE).
// It carries 12 direct block pointers plus one indirect, one
// double-indirect and one triple-indirect pointer, per spec.md §3 and
// the Open Questions resolution (12, not the original draft's 13).
type DiskInode struct {
	Mode        uint16
	Uid         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	Gid         uint16
	LinksCount  uint16
	Blocks      uint32 // 512-byte sectors, not filesystem blocks
	Flags       uint32
	Osd1        uint32
	DirectBlock [DirectBlockNum]uint32
	IndirectBlock       uint32
	DoubleIndirectBlock uint32
	TripleIndirectBlock uint32
	Generation  uint32
	FileACL     uint32
	DirACL      uint32
	Faddr       uint32
	// Osd2 mirrors the Linux-specific union of the last 12 bytes of an
	// ext2 inode: fragment metadata plus the high 16 bits of uid/gid.
	Osd2 [12]byte
}

// DiskInodeSize is the on-disk size of a DiskInode.
const DiskInodeSize = 128

func (di *DiskInode) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, di); err != nil {
		return nil, xerrors.Errorf("layout: encode disk inode: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeDiskInode(buf []byte) (DiskInode, error) {
	var di DiskInode
	if len(buf) < DiskInodeSize {
		return di, xerrors.Errorf("layout: decode disk inode: buffer too short (%d < %d)", len(buf), DiskInodeSize)
	}
	if err := binary.Read(bytes.NewReader(buf[:DiskInodeSize]), binary.LittleEndian, &di); err != nil {
		return di, xerrors.Errorf("layout: decode disk inode: %w", err)
	}
	return di, nil
}

// NewDiskInode builds a fresh disk inode of the given file type (one of
// the Mode* constants) and default permission bits.
func NewDiskInode(fileType uint16, uid, gid uint16) DiskInode {
	return DiskInode{
		Mode:       (fileType & ModeTypeMask) | DefaultPerm,
		Uid:        uid,
		Gid:        gid,
		LinksCount: 1,
	}
}

// FileCode returns the directory-entry file_type byte for this inode.
func (di *DiskInode) FileCode() uint8 { return FileTypeFromMode(di.Mode) }

// IsDir reports whether the inode is a directory.
func (di *DiskInode) IsDir() bool { return di.Mode&ModeTypeMask == ModeDir }

// IsRegular reports whether the inode is a regular file.
func (di *DiskInode) IsRegular() bool { return di.Mode&ModeTypeMask == ModeRegular }

// TotalBlocks converts a byte size to a block count, rounding up.
func TotalBlocks(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// MetaBlocksForData returns how many additional blocks of metadata
// (indirect/double-indirect/triple-indirect pointer blocks) are
// required to address blockCount data blocks, beyond the 12 direct
// pointers stored inline in the inode.
func MetaBlocksForData(blockCount uint32) uint32 {
	if blockCount <= DirectBlockNum {
		return 0
	}
	rest := blockCount - DirectBlockNum
	if rest <= PointersPerBlock {
		return 1
	}
	rest -= PointersPerBlock
	if rest <= PointersPerBlock*PointersPerBlock {
		// The full single-indirect block, one double-indirect block,
		// plus one indirect block per PointersPerBlock data blocks it
		// addresses (rounded up).
		return 1 + 1 + uint32((int(rest)+PointersPerBlock-1)/PointersPerBlock)
	}
	rest -= PointersPerBlock * PointersPerBlock
	tripleSpan := PointersPerBlock * PointersPerBlock
	doublesNeeded := uint32((int(rest) + tripleSpan - 1) / tripleSpan)
	lastDoubleBlocks := rest - (doublesNeeded-1)*uint32(tripleSpan)
	indirectsInLastDouble := uint32((int(lastDoubleBlocks) + PointersPerBlock - 1) / PointersPerBlock)
	fullDoublesIndirects := (doublesNeeded - 1) * uint32(PointersPerBlock)
	// single indirect + the full double-indirect region (its root and
	// PointersPerBlock children) + triple root + the triple tree's
	// double-indirect blocks + their indirect children.
	return 1 + 1 + PointersPerBlock + 1 + doublesNeeded + fullDoublesIndirects + indirectsInLastDouble
}

// BlocksNumNeeded returns the number of *additional* data+metadata
// blocks required to grow a file from curSize to newSize bytes,
// excluding blocks already allocated.
func BlocksNumNeeded(curSize, newSize uint32) uint32 {
	if newSize <= curSize {
		return 0
	}
	curData := TotalBlocks(curSize)
	newData := TotalBlocks(newSize)
	curTotal := curData + MetaBlocksForData(curData)
	newTotal := newData + MetaBlocksForData(newData)
	if newTotal <= curTotal {
		return 0
	}
	return newTotal - curTotal
}
