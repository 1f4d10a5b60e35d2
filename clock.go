package ext2fs

import "time"

// Clock is the time source collaborator spec.md §6 requires of the host:
// seconds since epoch, used to stamp atime/ctime/mtime and mount time.
// The engine never reads the wall clock directly so tests can supply a
// deterministic value.
type Clock interface {
	Now() uint32
}

// SystemClock reads the host's wall clock.
type SystemClock struct{}

func (SystemClock) Now() uint32 { return uint32(time.Now().Unix()) }

// FixedClock always returns the same value, useful for tests and for
// reproducible image builds.
type FixedClock uint32

func (c FixedClock) Now() uint32 { return uint32(c) }
