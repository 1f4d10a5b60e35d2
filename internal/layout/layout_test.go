package layout

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBitmapAllocFillsLowToHigh(t *testing.T) {
	buf := make([]byte, 16)
	for i := uint32(0); i < 128; i++ {
		bit, ok := BitmapAlloc(buf)
		if !ok {
			t.Fatalf("alloc %d: unexpectedly full", i)
		}
		if bit != i {
			t.Fatalf("alloc %d: got bit %d", i, bit)
		}
	}
	if _, ok := BitmapAlloc(buf); ok {
		t.Fatalf("expected bitmap to report full after filling every bit")
	}
}

func TestBitmapSetClearRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	BitmapSet(buf, 37)
	if !BitmapTest(buf, 37) {
		t.Fatalf("bit 37 should be set")
	}
	BitmapClear(buf, 37)
	if BitmapTest(buf, 37) {
		t.Fatalf("bit 37 should be clear")
	}
}

func TestBitmapClearDoubleFreePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	buf := make([]byte, 8)
	BitmapClear(buf, 3)
}

func TestBitmapRangeAllocAndCountFree(t *testing.T) {
	buf := make([]byte, 8)
	BitmapRangeAlloc(buf, 0, 10)
	if free := BitmapCountFree(buf, 64); free != 54 {
		t.Fatalf("got %d free bits, want 54", free)
	}
	for i := uint32(0); i < 10; i++ {
		if !BitmapTest(buf, i) {
			t.Fatalf("bit %d should be reserved", i)
		}
	}
}

func TestSuperBlockEncodeDecodeRoundTrip(t *testing.T) {
	sb := NewSuperBlock(1000, 2000, 900, 1800, 1, 12345, "test volume")
	enc, err := sb.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) != SuperBlockSize {
		t.Fatalf("got %d bytes, want %d", len(enc), SuperBlockSize)
	}
	got, err := DecodeSuperBlock(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !got.Valid() {
		t.Fatalf("decoded superblock should be valid")
	}
}

func TestSuperBlockInvalidMagic(t *testing.T) {
	var sb SuperBlock
	if sb.Valid() {
		t.Fatalf("zero-value superblock should not be valid")
	}
}

func TestGroupDescEncodeDecodeRoundTrip(t *testing.T) {
	gd := GroupDesc{
		BlockBitmap:     5,
		InodeBitmap:     6,
		InodeTable:      7,
		FreeBlocksCount: 100,
		FreeInodesCount: 200,
		UsedDirsCount:   3,
	}
	enc, err := gd.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeGroupDesc(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(gd, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupDescTableBlocks(t *testing.T) {
	cases := []struct {
		groups int
		want   uint32
	}{
		{1, 1},
		{128, 1},
		{129, 2},
	}
	for _, c := range cases {
		if got := GroupDescTableBlocks(c.groups); got != c.want {
			t.Errorf("GroupDescTableBlocks(%d) = %d, want %d", c.groups, got, c.want)
		}
	}
}

func TestDiskInodeEncodeDecodeRoundTrip(t *testing.T) {
	di := NewDiskInode(ModeRegular, 1000, 1000)
	di.Size = 4096
	di.DirectBlock[0] = 42
	enc, err := di.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) != DiskInodeSize {
		t.Fatalf("got %d bytes, want %d", len(enc), DiskInodeSize)
	}
	got, err := DecodeDiskInode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(di, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !got.IsRegular() || got.IsDir() {
		t.Fatalf("file type mismatch after round trip")
	}
}

func TestFileTypeModeMaskRoundTrip(t *testing.T) {
	types := []uint8{FileTypeRegular, FileTypeDir, FileTypeChar, FileTypeBlock, FileTypeFIFO, FileTypeSocket, FileTypeSymlink}
	for _, ft := range types {
		mode := ModeFromFileType(ft)
		if mode&ModeTypeMask != mode {
			t.Errorf("mode %#x for file type %d leaks bits outside ModeTypeMask", mode, ft)
		}
		if got := FileTypeFromMode(mode); got != ft {
			t.Errorf("FileTypeFromMode(ModeFromFileType(%d)) = %d", ft, got)
		}
	}
}

func TestDirEntryHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := NewDirEntryHeader(11, "hello.txt", FileTypeRegular)
	if h.RecLen != uint16(DirEntryHeaderSize+len("hello.txt")) {
		t.Fatalf("rec_len = %d, want %d", h.RecLen, DirEntryHeaderSize+len("hello.txt"))
	}
	enc := h.Encode()
	got, err := DecodeDirEntryHeader(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNewDirEntryHeaderTruncatesOverlongNames(t *testing.T) {
	name := make([]byte, MaxNameLen+50)
	for i := range name {
		name[i] = 'a'
	}
	h := NewDirEntryHeader(11, string(name), FileTypeRegular)
	if h.NameLen != MaxNameLen {
		t.Fatalf("name_len = %d, want %d", h.NameLen, MaxNameLen)
	}
}

func TestTotalBlocks(t *testing.T) {
	cases := []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{1, 1},
		{BlockSize, 1},
		{BlockSize + 1, 2},
	}
	for _, c := range cases {
		if got := TotalBlocks(c.size); got != c.want {
			t.Errorf("TotalBlocks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestMetaBlocksForDataWithinDirectRange(t *testing.T) {
	if got := MetaBlocksForData(DirectBlockNum); got != 0 {
		t.Fatalf("got %d, want 0 for a file fitting entirely in direct blocks", got)
	}
}

func TestMetaBlocksForDataNeedsOneIndirectBlock(t *testing.T) {
	got := MetaBlocksForData(DirectBlockNum + 1)
	if got != 1 {
		t.Fatalf("got %d, want 1 (a single indirect block)", got)
	}
}

func TestMetaBlocksForDataNeedsDoubleIndirect(t *testing.T) {
	n := uint32(DirectBlockNum + PointersPerBlock + 1)
	got := MetaBlocksForData(n)
	// the full single-indirect block + double-indirect root + one
	// indirect child covering the overflow block
	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestBlocksNumNeededMonotonic(t *testing.T) {
	prev := uint32(0)
	for size := uint32(0); size <= BlockSize*20; size += 512 {
		need := BlocksNumNeeded(0, size)
		if need < prev {
			t.Fatalf("BlocksNumNeeded(0, %d) = %d, went down from %d", size, need, prev)
		}
		prev = need
	}
}

func TestBlocksNumNeededNoGrowth(t *testing.T) {
	if got := BlocksNumNeeded(4096, 100); got != 0 {
		t.Fatalf("shrinking should need zero additional blocks, got %d", got)
	}
}
