package ext2fs

import (
	"bytes"
	"context"
	"testing"

	"golang.org/x/xerrors"

	"github.com/distr1/ext2fs/blockdev"
	"github.com/distr1/ext2fs/internal/layout"
)

const testBlocks = 2048

func mustCreate(t *testing.T) (*Filesystem, blockdev.Device) {
	t.Helper()
	dev := blockdev.NewMemDevice(layout.BlockSize, testBlocks)
	fs, err := Create(context.Background(), dev, FixedClock(1000), 64, "test volume")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return fs, dev
}

func TestCreateThenRootIsEmptyDirectory(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	if !root.IsDir() {
		t.Fatalf("root should be a directory")
	}
	names, err := root.Ls()
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	if len(names) != 2 || names[0] != "." || names[1] != ".." {
		t.Fatalf("got %v, want [. ..]", names)
	}
}

func TestCreateFileWriteReadBack(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("hello.txt", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := []byte("hello, ext2!")
	if n, err := file.WriteAt(0, data); err != nil || n != len(data) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, len(data))
	if n, err := file.ReadAt(0, got); err != nil || n != len(data) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	size, err := file.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != uint32(len(data)) {
		t.Fatalf("size = %d, want %d", size, len(data))
	}
}

func TestAppendGrowsFileAcrossBlocks(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("big.bin", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	chunk := bytes.Repeat([]byte{0xAB}, layout.BlockSize)
	for i := 0; i < 3; i++ {
		if _, err := file.Append(chunk); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	size, err := file.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != uint32(3*layout.BlockSize) {
		t.Fatalf("size = %d, want %d", size, 3*layout.BlockSize)
	}

	got := make([]byte, layout.BlockSize)
	if _, err := file.ReadAt(uint64(2*layout.BlockSize), got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Fatalf("last block mismatch")
	}
}

func TestFtruncateShrinkFreesBlocks(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("shrink.bin", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := file.Append(bytes.Repeat([]byte{1}, 4*layout.BlockSize)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	freeBefore := fs.sb.FreeBlocksCount

	if err := file.Ftruncate(layout.BlockSize); err != nil {
		t.Fatalf("Ftruncate: %v", err)
	}
	if fs.sb.FreeBlocksCount != freeBefore+3 {
		t.Fatalf("FreeBlocksCount after shrink = %d, want %d", fs.sb.FreeBlocksCount, freeBefore+3)
	}
	size, err := file.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != layout.BlockSize {
		t.Fatalf("size = %d, want %d", size, layout.BlockSize)
	}

	if err := file.Ftruncate(3 * layout.BlockSize); err != nil {
		t.Fatalf("Ftruncate grow: %v", err)
	}
	size, err = file.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 3*layout.BlockSize {
		t.Fatalf("size after growth = %d, want %d", size, 3*layout.BlockSize)
	}
}

func TestClearReleasesAllBlocks(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("clear.bin", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	freeStart := fs.sb.FreeBlocksCount
	if _, err := file.Append(bytes.Repeat([]byte{2}, 10*layout.BlockSize)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := file.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if fs.sb.FreeBlocksCount != freeStart {
		t.Fatalf("FreeBlocksCount after Clear = %d, want %d", fs.sb.FreeBlocksCount, freeStart)
	}
	size, err := file.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("size = %d, want 0", size)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	if _, err := root.Create("dup", layout.FileTypeRegular); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := root.Create("dup", layout.FileTypeRegular); !xerrors.Is(err, ErrExist) {
		t.Fatalf("got %v, want ErrExist", err)
	}
}

func TestFindMissingReturnsErrNotExist(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	if _, err := root.Find("nope"); !xerrors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func TestMkdirAndNestedFile(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	sub, err := root.Create("sub", layout.FileTypeDir)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if !sub.IsDir() {
		t.Fatalf("sub should be a directory")
	}
	names, err := sub.Ls()
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	if len(names) != 2 || names[0] != "." || names[1] != ".." {
		t.Fatalf("fresh directory should contain only . and .., got %v", names)
	}

	if _, err := sub.Create("leaf.txt", layout.FileTypeRegular); err != nil {
		t.Fatalf("Create leaf: %v", err)
	}

	found, err := root.Find("sub")
	if err != nil {
		t.Fatalf("Find sub: %v", err)
	}
	if found.ID() != sub.ID() {
		t.Fatalf("Find returned a different inode than Create")
	}
	leaf, err := found.Find("leaf.txt")
	if err != nil {
		t.Fatalf("Find leaf.txt: %v", err)
	}
	if !leaf.IsRegular() {
		t.Fatalf("leaf.txt should be a regular file")
	}
}

func TestLinkIncreasesNlinkAndSharesData(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("orig.txt", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := file.WriteAt(0, []byte("shared")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := root.Link("alias.txt", file); err != nil {
		t.Fatalf("Link: %v", err)
	}

	alias, err := root.Find("alias.txt")
	if err != nil {
		t.Fatalf("Find alias: %v", err)
	}
	if alias.ID() != file.ID() {
		t.Fatalf("alias should point at the same inode")
	}
	if err := file.readDiskInode(func(di *layout.DiskInode) error {
		if di.LinksCount != 2 {
			t.Fatalf("links count after Link = %d, want 2", di.LinksCount)
		}
		return nil
	}); err != nil {
		t.Fatalf("readDiskInode: %v", err)
	}
	got := make([]byte, len("shared"))
	if _, err := alias.ReadAt(0, got); err != nil {
		t.Fatalf("ReadAt via alias: %v", err)
	}
	if string(got) != "shared" {
		t.Fatalf("got %q", got)
	}
}

func TestLinkRejectsDirectoryTarget(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	dir, err := root.Create("adir", layout.FileTypeDir)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if err := root.Link("alias", dir); !xerrors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestSymlinkReadLinkRoundTrip(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	link, err := root.Symlink("lnk", "/some/target")
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if !link.IsSymlink() {
		t.Fatalf("lnk should be a symlink")
	}
	target, err := link.ReadLink()
	if err != nil {
		t.Fatalf("ReadLink: %v", err)
	}
	if target != "/some/target" {
		t.Fatalf("got %q", target)
	}
}

func TestUnlinkRemovesRegularFile(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	if _, err := root.Create("gone.txt", layout.FileTypeRegular); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := root.Unlink("gone.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := root.Find("gone.txt"); !xerrors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

// TestFreeCounterConsistencyAcrossAllocDealloc checks spec.md's
// Testable Property #1: free_blocks_count/free_inodes_count must move
// by the exact expected amount across an alloc/dealloc sequence, both
// at the superblock and per-group level.
func TestFreeCounterConsistencyAcrossAllocDealloc(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}

	freeInodesStart := fs.sb.FreeInodesCount
	freeBlocksStart := fs.sb.FreeBlocksCount
	groupFreeInodesStart := fs.groups[0].FreeInodesCount
	groupFreeBlocksStart := fs.groups[0].FreeBlocksCount

	file, err := root.Create("counted.bin", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if fs.sb.FreeInodesCount != freeInodesStart-1 {
		t.Fatalf("FreeInodesCount after Create = %d, want %d", fs.sb.FreeInodesCount, freeInodesStart-1)
	}
	if fs.groups[0].FreeInodesCount != groupFreeInodesStart-1 {
		t.Fatalf("group FreeInodesCount after Create = %d, want %d", fs.groups[0].FreeInodesCount, groupFreeInodesStart-1)
	}

	const numBlocks = 5
	if _, err := file.Append(bytes.Repeat([]byte{7}, numBlocks*layout.BlockSize)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if fs.sb.FreeBlocksCount != freeBlocksStart-numBlocks {
		t.Fatalf("FreeBlocksCount after Append = %d, want %d", fs.sb.FreeBlocksCount, freeBlocksStart-numBlocks)
	}
	if fs.groups[0].FreeBlocksCount != groupFreeBlocksStart-numBlocks {
		t.Fatalf("group FreeBlocksCount after Append = %d, want %d", fs.groups[0].FreeBlocksCount, groupFreeBlocksStart-numBlocks)
	}

	if err := file.Ftruncate(2 * layout.BlockSize); err != nil {
		t.Fatalf("Ftruncate: %v", err)
	}
	const keptBlocks = 2
	if fs.sb.FreeBlocksCount != freeBlocksStart-keptBlocks {
		t.Fatalf("FreeBlocksCount after Ftruncate = %d, want %d", fs.sb.FreeBlocksCount, freeBlocksStart-keptBlocks)
	}
	if fs.groups[0].FreeBlocksCount != groupFreeBlocksStart-keptBlocks {
		t.Fatalf("group FreeBlocksCount after Ftruncate = %d, want %d", fs.groups[0].FreeBlocksCount, groupFreeBlocksStart-keptBlocks)
	}

	if err := root.Unlink("counted.bin"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if fs.sb.FreeBlocksCount != freeBlocksStart {
		t.Fatalf("FreeBlocksCount after Unlink = %d, want %d (back to starting level)", fs.sb.FreeBlocksCount, freeBlocksStart)
	}
	if fs.sb.FreeInodesCount != freeInodesStart {
		t.Fatalf("FreeInodesCount after Unlink = %d, want %d (back to starting level)", fs.sb.FreeInodesCount, freeInodesStart)
	}
	if fs.groups[0].FreeBlocksCount != groupFreeBlocksStart {
		t.Fatalf("group FreeBlocksCount after Unlink = %d, want %d", fs.groups[0].FreeBlocksCount, groupFreeBlocksStart)
	}
	if fs.groups[0].FreeInodesCount != groupFreeInodesStart {
		t.Fatalf("group FreeInodesCount after Unlink = %d, want %d", fs.groups[0].FreeInodesCount, groupFreeInodesStart)
	}
}

func TestUnlinkRejectsDotAndDotDot(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	if err := root.Unlink("."); !xerrors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
	if err := root.Unlink(".."); !xerrors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestUnlinkRecursesIntoSubdirectories(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	sub, err := root.Create("tree", layout.FileTypeDir)
	if err != nil {
		t.Fatalf("Create tree: %v", err)
	}
	if _, err := sub.Create("a.txt", layout.FileTypeRegular); err != nil {
		t.Fatalf("Create a.txt: %v", err)
	}
	nested, err := sub.Create("nested", layout.FileTypeDir)
	if err != nil {
		t.Fatalf("Create nested: %v", err)
	}
	if _, err := nested.Create("b.txt", layout.FileTypeRegular); err != nil {
		t.Fatalf("Create b.txt: %v", err)
	}

	if err := root.Unlink("tree"); err != nil {
		t.Fatalf("Unlink tree: %v", err)
	}
	if _, err := root.Find("tree"); !xerrors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist after recursive unlink", err)
	}
}

func TestCloseThenOpenPreservesContents(t *testing.T) {
	dev := blockdev.NewMemDevice(layout.BlockSize, testBlocks)
	fs, err := Create(context.Background(), dev, FixedClock(1000), 64, "persist")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("durable.txt", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := file.WriteAt(0, []byte("survives a remount")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if fs.sb.MntCount != 0 {
		t.Fatalf("MntCount before any Open = %d, want 0", fs.sb.MntCount)
	}

	fs2, err := Open(dev, FixedClock(2000), 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if fs2.sb.MntCount != 1 {
		t.Fatalf("MntCount after reopen = %d, want 1", fs2.sb.MntCount)
	}
	root2, err := fs2.RootInode()
	if err != nil {
		t.Fatalf("RootInode after reopen: %v", err)
	}
	found, err := root2.Find("durable.txt")
	if err != nil {
		t.Fatalf("Find after reopen: %v", err)
	}
	got := make([]byte, len("survives a remount"))
	if _, err := found.ReadAt(0, got); err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if string(got) != "survives a remount" {
		t.Fatalf("got %q", got)
	}
}

func TestChmodChownUpdateDiskInode(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	file, err := root.Create("perm.txt", layout.FileTypeRegular)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := file.Chmod(0o600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	uid := uint16(42)
	if err := file.Chown(&uid, nil); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	if err := file.readDiskInode(func(di *layout.DiskInode) error {
		if di.Mode != layout.ModeRegular|0o600 {
			t.Fatalf("mode = %#o, want %#o", di.Mode, layout.ModeRegular|0o600)
		}
		if di.Uid != 42 || di.Gid != 0 {
			t.Fatalf("uid/gid = %d/%d, want 42/0", di.Uid, di.Gid)
		}
		return nil
	}); err != nil {
		t.Fatalf("readDiskInode: %v", err)
	}
}

func TestNameTooLongRejected(t *testing.T) {
	fs, _ := mustCreate(t)
	root, err := fs.RootInode()
	if err != nil {
		t.Fatalf("RootInode: %v", err)
	}
	name := bytes.Repeat([]byte{'x'}, layout.MaxNameLen+1)
	if _, err := root.Create(string(name), layout.FileTypeRegular); !xerrors.Is(err, ErrNameTooLong) {
		t.Fatalf("got %v, want ErrNameTooLong", err)
	}
}
