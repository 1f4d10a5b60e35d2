// Command ext2img is a thin host around the ext2fs engine: it can
// format an image, import/export a cpio archive into/out of it, list
// and cat files, and run a minimal consistency check. All of the
// engine semantics live in the ext2fs package; this file only wires a
// block device, a clock, and stdio together.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/ext2fs"
	"github.com/distr1/ext2fs/blockdev"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("ext2img: ")
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "mkfs":
		err = runMkfs(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "ls":
		err = runLs(os.Args[2:])
	case "cat":
		err = runCat(os.Args[2:])
	case "fsck":
		err = runFsck(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ext2img {mkfs|import|export|ls|cat|fsck} ...")
}

const defaultMaxCache = 64

func runMkfs(args []string) error {
	fset := flag.NewFlagSet("mkfs", flag.ExitOnError)
	label := fset.String("label", "ext2fs image", "volume label")
	maxCache := fset.Int("max_cache_entries", defaultMaxCache, "block cache capacity")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		return xerrors.Errorf("mkfs: usage: mkfs [-label NAME] [-max_cache_entries N] <image> <blocks>")
	}
	imagePath := fset.Arg(0)
	blockNum, err := strconv.ParseUint(fset.Arg(1), 10, 32)
	if err != nil {
		return xerrors.Errorf("mkfs: invalid block count %q: %w", fset.Arg(1), err)
	}

	dev, err := blockdev.CreateFile(imagePath, layoutBlockSize, uint32(blockNum))
	if err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}
	defer dev.Close()

	fs, err := ext2fs.Create(context.Background(), dev, ext2fs.SystemClock{}, *maxCache, *label)
	if err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}
	if err := fs.Close(); err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}
	fmt.Printf("created %s: %d blocks, label %q\n", imagePath, blockNum, *label)
	return nil
}

// layoutBlockSize mirrors internal/layout.BlockSize; the CLI can't
// import the internal package, so the fixed 4 KiB block size is
// restated here, matching spec.md §6's "block_size: fixed at 4096".
const layoutBlockSize = 4096

func openImage(imgPath string, maxCache int) (*blockdev.FileDevice, *ext2fs.Filesystem, error) {
	dev, err := blockdev.OpenFile(imgPath, layoutBlockSize)
	if err != nil {
		return nil, nil, err
	}
	fs, err := ext2fs.Open(dev, ext2fs.SystemClock{}, maxCache)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, fs, nil
}

// resolvePath walks p's slash-separated components from fs's root.
func resolvePath(fs *ext2fs.Filesystem, p string) (*ext2fs.Inode, error) {
	cur, err := fs.RootInode()
	if err != nil {
		return nil, err
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return cur, nil
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur, err = cur.Find(part)
		if err != nil {
			return nil, xerrors.Errorf("resolve %q: %w", p, err)
		}
	}
	return cur, nil
}

func runLs(args []string) error {
	fset := flag.NewFlagSet("ls", flag.ExitOnError)
	maxCache := fset.Int("max_cache_entries", defaultMaxCache, "block cache capacity")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() < 1 || fset.NArg() > 2 {
		return xerrors.Errorf("ls: usage: ls [-max_cache_entries N] <image> [path]")
	}
	dev, fs, err := openImage(fset.Arg(0), *maxCache)
	if err != nil {
		return xerrors.Errorf("ls: %w", err)
	}
	defer dev.Close()
	defer fs.Close()

	target := "/"
	if fset.NArg() == 2 {
		target = fset.Arg(1)
	}
	dir, err := resolvePath(fs, target)
	if err != nil {
		return xerrors.Errorf("ls: %w", err)
	}
	names, err := dir.Ls()
	if err != nil {
		return xerrors.Errorf("ls: %w", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runCat(args []string) error {
	fset := flag.NewFlagSet("cat", flag.ExitOnError)
	maxCache := fset.Int("max_cache_entries", defaultMaxCache, "block cache capacity")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		return xerrors.Errorf("cat: usage: cat [-max_cache_entries N] <image> <path>")
	}
	dev, fs, err := openImage(fset.Arg(0), *maxCache)
	if err != nil {
		return xerrors.Errorf("cat: %w", err)
	}
	defer dev.Close()
	defer fs.Close()

	file, err := resolvePath(fs, fset.Arg(1))
	if err != nil {
		return xerrors.Errorf("cat: %w", err)
	}
	if !file.IsRegular() {
		return xerrors.Errorf("cat: %s: not a regular file", fset.Arg(1))
	}
	size, err := file.Size()
	if err != nil {
		return xerrors.Errorf("cat: %w", err)
	}
	buf := make([]byte, layoutBlockSize)
	var offset uint64
	for offset < uint64(size) {
		n, err := file.ReadAt(offset, buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return xerrors.Errorf("cat: %w", err)
		}
		if n == 0 {
			break
		}
		offset += uint64(n)
	}
	return nil
}

// runImport streams a cpio archive's regular files and directories
// into the image, creating parent directories as needed.
func runImport(args []string) error {
	fset := flag.NewFlagSet("import", flag.ExitOnError)
	maxCache := fset.Int("max_cache_entries", defaultMaxCache, "block cache capacity")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		return xerrors.Errorf("import: usage: import [-max_cache_entries N] <image> <archive.cpio>")
	}
	dev, fs, err := openImage(fset.Arg(0), *maxCache)
	if err != nil {
		return xerrors.Errorf("import: %w", err)
	}
	defer dev.Close()
	defer fs.Close()

	archive, err := os.Open(fset.Arg(1))
	if err != nil {
		return xerrors.Errorf("import: %w", err)
	}
	defer archive.Close()

	r := cpio.NewReader(archive)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Errorf("import: %w", err)
		}
		name := strings.Trim(path.Clean("/"+hdr.Name), "/")
		if name == "" || name == "." {
			continue
		}
		dirPath, base := path.Split(name)
		dir, err := mkdirAll(fs, dirPath)
		if err != nil {
			return xerrors.Errorf("import %s: %w", name, err)
		}

		ft := ext2fsFileType(hdr.Mode)
		if ft == ext2fsDirType() {
			if _, err := dir.Create(base, ft); err != nil && !xerrors.Is(err, ext2fs.ErrExist) {
				return xerrors.Errorf("import %s: %w", name, err)
			}
			continue
		}

		if ft == ext2fsSymlinkType() {
			target, err := io.ReadAll(r)
			if err != nil {
				return xerrors.Errorf("import %s: %w", name, err)
			}
			if _, err := dir.Symlink(base, string(target)); err != nil {
				return xerrors.Errorf("import %s: %w", name, err)
			}
			continue
		}

		file, err := dir.Create(base, ft)
		if err != nil {
			return xerrors.Errorf("import %s: %w", name, err)
		}
		if _, err := io.Copy(inodeWriter{file}, r); err != nil {
			return xerrors.Errorf("import %s: %w", name, err)
		}
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println("import complete")
	}
	return nil
}

// mkdirAll resolves (creating as needed) every directory component of
// dirPath starting from fs's root.
func mkdirAll(fs *ext2fs.Filesystem, dirPath string) (*ext2fs.Inode, error) {
	cur, err := fs.RootInode()
	if err != nil {
		return nil, err
	}
	dirPath = strings.Trim(dirPath, "/")
	if dirPath == "" {
		return cur, nil
	}
	for _, part := range strings.Split(dirPath, "/") {
		if part == "" {
			continue
		}
		next, err := cur.Find(part)
		if xerrors.Is(err, ext2fs.ErrNotExist) {
			next, err = cur.Create(part, ext2fsDirType())
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func runExport(args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	maxCache := fset.Int("max_cache_entries", defaultMaxCache, "block cache capacity")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		return xerrors.Errorf("export: usage: export [-max_cache_entries N] <image> <archive.cpio>")
	}
	dev, fs, err := openImage(fset.Arg(0), *maxCache)
	if err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	defer dev.Close()
	defer fs.Close()

	out, err := os.Create(fset.Arg(1))
	if err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	defer out.Close()
	w := cpio.NewWriter(out)
	defer w.Close()

	root, err := fs.RootInode()
	if err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	if err := exportDir(w, root, "/"); err != nil {
		return xerrors.Errorf("export: %w", err)
	}
	return nil
}

func exportDir(w *cpio.Writer, dir *ext2fs.Inode, prefix string) error {
	names, err := dir.Ls()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		child, err := dir.Find(name)
		if err != nil {
			return err
		}
		full := path.Join(prefix, name)
		switch {
		case child.IsDir():
			if err := w.WriteHeader(&cpio.Header{Name: full, Mode: cpio.FileMode(unix.S_IFDIR | 0755)}); err != nil {
				return err
			}
			if err := exportDir(w, child, full); err != nil {
				return err
			}
		case child.IsRegular():
			size, err := child.Size()
			if err != nil {
				return err
			}
			if err := w.WriteHeader(&cpio.Header{Name: full, Mode: cpio.FileMode(unix.S_IFREG | 0644), Size: int64(size)}); err != nil {
				return err
			}
			buf := make([]byte, layoutBlockSize)
			var offset uint64
			for offset < uint64(size) {
				n, err := child.ReadAt(offset, buf)
				if n > 0 {
					if _, werr := w.Write(buf[:n]); werr != nil {
						return werr
					}
				}
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				offset += uint64(n)
			}
		case child.IsSymlink():
			target, err := child.ReadLink()
			if err != nil {
				return err
			}
			if err := w.WriteHeader(&cpio.Header{Name: full, Mode: cpio.FileMode(unix.S_IFLNK | 0777), Size: int64(len(target))}); err != nil {
				return err
			}
			if _, err := w.Write([]byte(target)); err != nil {
				return err
			}
		}
	}
	return nil
}

func runFsck(args []string) error {
	fset := flag.NewFlagSet("fsck", flag.ExitOnError)
	maxCache := fset.Int("max_cache_entries", defaultMaxCache, "block cache capacity")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return xerrors.Errorf("fsck: usage: fsck [-max_cache_entries N] <image>")
	}
	dev, fs, err := openImage(fset.Arg(0), *maxCache)
	if err != nil {
		return xerrors.Errorf("fsck: %w", err)
	}
	defer dev.Close()
	defer fs.Close()

	root, err := fs.RootInode()
	if err != nil {
		return xerrors.Errorf("fsck: %w", err)
	}
	if !root.IsDir() {
		return xerrors.Errorf("fsck: root inode is not a directory")
	}
	names, err := root.Ls()
	if err != nil {
		return xerrors.Errorf("fsck: %w", err)
	}
	fmt.Printf("superblock valid, root entries: %v\n", names)
	return nil
}

// inodeWriter adapts *ext2fs.Inode's Append to io.Writer for io.Copy;
// each Write lands at the inode's current end of file.
type inodeWriter struct{ ino *ext2fs.Inode }

func (w inodeWriter) Write(p []byte) (int, error) {
	return w.ino.Append(p)
}

// ext2fsFileType maps a cpio header's mode to this engine's file-type
// nibble. cpio's wire format (both the "newc" and the POSIX "odc"
// variant) stores the entry's raw POSIX st_mode, so masking with
// unix.S_IFMT and comparing against the unix.S_IF* family is the
// portable way to recover the type regardless of exactly how the
// go-cpio wrapper types its Mode field.
func ext2fsFileType(mode cpio.FileMode) uint8 {
	switch uint32(mode) & unix.S_IFMT {
	case unix.S_IFDIR:
		return 2 // layout.FileTypeDir
	case unix.S_IFLNK:
		return 7 // layout.FileTypeSymlink
	default:
		return 1 // layout.FileTypeRegular
	}
}

func ext2fsDirType() uint8     { return 2 }
func ext2fsSymlinkType() uint8 { return 7 }
