package layout

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// SuperBlock is the ext2 revision-0 superblock, 1024 bytes on disk,
// magic 0xEF53 at byte offset 56. Field order and sizes follow the
// on-disk format exactly so Encode/Decode round-trip byte-for-byte.
type SuperBlock struct {
	InodesCount      uint32
	BlocksCount      uint32
	RBlocksCount     uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogFragSize      uint32
	BlocksPerGroup   uint32
	FragsPerGroup    uint32
	InodesPerGroup   uint32
	Mtime            uint32
	Wtime            uint32
	MntCount         uint16
	MaxMntCount      uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	Lastcheck        uint32
	Checkinterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResuid        uint16
	DefResgid        uint16
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureRoCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
	LastMounted      [64]byte
	AlgoBitmap       uint32
	PreallocBlocks   uint8
	PreallocDirBlock uint8
	_                [2]byte
	JournalUUID      [16]byte
	JournalInum      uint32
	JournalDev       uint32
	LastOrphan       uint32
	HashSeed         [4]uint32
	DefHashVersion   uint8
	_                [3]byte
	DefaultMountOpts uint32
	FirstMetaBg      uint32
	_                [760]byte
}

// SuperBlockSize is the on-disk size of a SuperBlock; callers use it to
// verify they are decoding from a buffer of the right size.
const SuperBlockSize = 1024

// NewSuperBlock builds the superblock for a freshly created filesystem.
// cur_time is the time source's reading at creation (spec.md §6); when a
// host has no real clock yet (pure in-memory image, e.g. in a test), 0
// is an acceptable value as no invariant depends on wall-clock time.
func NewSuperBlock(inodesCount, blocksCount, freeInodesCount, freeBlocksCount, groupNum uint32, curTime uint32, volumeName string) SuperBlock {
	sb := SuperBlock{
		InodesCount:     inodesCount,
		BlocksCount:     blocksCount,
		FreeBlocksCount: freeBlocksCount,
		FreeInodesCount: freeInodesCount,
		FirstDataBlock:  FirstDataBlock,
		LogBlockSize:    LogBlockSize,
		LogFragSize:     LogFragSize,
		BlocksPerGroup:  BlocksPerGroup,
		FragsPerGroup:   BlocksPerGroup,
		InodesPerGroup:  InodesPerGroup,
		Mtime:           curTime,
		Wtime:           curTime,
		MaxMntCount:     maxMountCount,
		Magic:           SuperBlockMagic,
		State:           validFS,
		Errors:          errorsReadOnly,
		Lastcheck:       curTime,
		Checkinterval:   checkInterval,
		CreatorOS:       creatorOSLinux,
		RevLevel:        goodOldRev,
		FirstIno:        FirstFreeInode,
		InodeSize:       InodeSize,
		BlockGroupNr:    uint16(groupNum),
	}
	n := copy(sb.VolumeName[:], volumeName)
	_ = n
	return sb
}

// Valid reports whether the superblock's magic number identifies it as
// an ext2 superblock.
func (sb *SuperBlock) Valid() bool { return sb.Magic == SuperBlockMagic }

// Encode serializes the superblock to exactly SuperBlockSize bytes.
// It writes through an in-memory writerseeker.WriterSeeker and reads
// the bytes back out of it, then checks that exactly SuperBlockSize
// bytes came out, since a superblock is always written back whole.
func (sb *SuperBlock) Encode() ([]byte, error) {
	var ws writerseeker.WriterSeeker
	if err := binary.Write(&ws, binary.LittleEndian, sb); err != nil {
		return nil, xerrors.Errorf("layout: encode superblock: %w", err)
	}
	buf, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, xerrors.Errorf("layout: encode superblock: %w", err)
	}
	if len(buf) != SuperBlockSize {
		return nil, xerrors.Errorf("layout: encode superblock: got %d bytes, want %d", len(buf), SuperBlockSize)
	}
	return buf, nil
}

// DecodeSuperBlock parses a SuperBlockSize-byte buffer into a SuperBlock.
func DecodeSuperBlock(buf []byte) (SuperBlock, error) {
	var sb SuperBlock
	if len(buf) < SuperBlockSize {
		return sb, xerrors.Errorf("layout: decode superblock: buffer too short (%d < %d)", len(buf), SuperBlockSize)
	}
	if err := binary.Read(bytes.NewReader(buf[:SuperBlockSize]), binary.LittleEndian, &sb); err != nil {
		return sb, xerrors.Errorf("layout: decode superblock: %w", err)
	}
	return sb, nil
}
