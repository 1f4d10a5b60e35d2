package layout

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// DirEntryHeader is the fixed 8-byte header preceding every directory
// entry's name. Names are stored immediately after with no terminator;
// entries are appended back-to-back as header||name, so a newly
// appended entry's rec_len is DirEntryHeaderSize+len(name) (only
// unlink's coalescing later extends it) — this implementation never packs
// multiple logical entries to fill a block's trailing slack the way
// standard ext2 does, which is why unlink works by rec_len coalescing
// (spec.md §4.3) rather than in-place removal.
type DirEntryHeader struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

// DirEntryHeaderSize (layout.go) is the on-disk size of DirEntryHeader.

func (h *DirEntryHeader) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func DecodeDirEntryHeader(buf []byte) (DirEntryHeader, error) {
	var h DirEntryHeader
	if len(buf) < DirEntryHeaderSize {
		return h, xerrors.Errorf("layout: decode dir entry header: buffer too short (%d < %d)", len(buf), DirEntryHeaderSize)
	}
	if err := binary.Read(bytes.NewReader(buf[:DirEntryHeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, xerrors.Errorf("layout: decode dir entry header: %w", err)
	}
	return h, nil
}

// NewDirEntryHeader builds the header for a new directory entry. name
// is truncated to MaxNameLen bytes here; dir.go's appendDirEntry and
// its public callers reject longer names with ErrNameTooLong, so by the
// time a name reaches here from dir.go it is already within bounds.
func NewDirEntryHeader(inode uint32, name string, fileType uint8) DirEntryHeader {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return DirEntryHeader{
		Inode:    inode,
		RecLen:   uint16(DirEntryHeaderSize + len(name)),
		NameLen:  uint8(len(name)),
		FileType: fileType,
	}
}
