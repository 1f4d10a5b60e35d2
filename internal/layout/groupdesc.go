package layout

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// GroupDesc is a block-group descriptor: 32 bytes, one per group, found
// in the descriptor table that immediately follows the superblock.
type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	_               uint16
	_               [12]byte
}

// GroupDescSize is the on-disk size of a GroupDesc.
const GroupDescSize = 32

func (gd *GroupDesc) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, gd); err != nil {
		return nil, xerrors.Errorf("layout: encode group descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeGroupDesc(buf []byte) (GroupDesc, error) {
	var gd GroupDesc
	if len(buf) < GroupDescSize {
		return gd, xerrors.Errorf("layout: decode group descriptor: buffer too short (%d < %d)", len(buf), GroupDescSize)
	}
	if err := binary.Read(bytes.NewReader(buf[:GroupDescSize]), binary.LittleEndian, &gd); err != nil {
		return gd, xerrors.Errorf("layout: decode group descriptor: %w", err)
	}
	return gd, nil
}

// GroupDescTableBlocks returns the number of blocks needed to hold
// groupNum contiguous GroupDesc records.
func GroupDescTableBlocks(groupNum int) uint32 {
	bytesNeeded := groupNum * GroupDescSize
	return uint32((bytesNeeded + BlockSize - 1) / BlockSize)
}
