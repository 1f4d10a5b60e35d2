package ext2fs

import "golang.org/x/xerrors"

// Sentinel errors for the conditions spec.md §7 names. Callers compare
// against these with xerrors.Is, since every error returned by this
// package is wrapped with positional context via xerrors.Errorf's %w.
var (
	ErrNotADirectory     = xerrors.New("ext2fs: not a directory")
	ErrIsADirectory      = xerrors.New("ext2fs: is a directory")
	ErrExist             = xerrors.New("ext2fs: entry already exists")
	ErrNotExist          = xerrors.New("ext2fs: no such entry")
	ErrNoSpace           = xerrors.New("ext2fs: no space left on device")
	ErrNameTooLong       = xerrors.New("ext2fs: name too long")
	ErrInvalidSuperblock = xerrors.New("ext2fs: invalid superblock")
	ErrNotSymlink        = xerrors.New("ext2fs: not a symbolic link")
	ErrInvalidArgument   = xerrors.New("ext2fs: invalid argument")
)
