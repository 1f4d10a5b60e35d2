// Package cache implements the bounded, LRU-evicting, write-back block
// cache manager described in spec.md §4.1. It is the only component
// that talks to a blockdev.Device directly; everything above it
// (allocator, inode operations) only ever sees cached buffers.
//
// Eviction follows spec.md's own description of the algorithm: scan
// the LRU list from the least-recently-used end for the first entry
// with no outside reference.
package cache

import (
	"container/list"
	"log"
	"sync"

	"golang.org/x/xerrors"
)

// Device is the subset of blockdev.Device the cache manager needs. It
// is declared locally (rather than importing the blockdev package) so
// cache has no dependency on how an embedder chooses to back its
// blocks — any type satisfying this trivial interface works.
type Device interface {
	ReadBlock(id uint32, buf []byte) error
	WriteBlock(id uint32, buf []byte) error
	BlockNum() uint32
	BlockSize() uint32
}

type entry struct {
	blockID uint32
	buf     []byte
	dirty   bool
	refs    int // includes the manager's own map reference
	elem    *list.Element
	mu      sync.Mutex
}

// Handle is a shared reference to one cached block's buffer. Multiple
// handles for the same block share the same underlying bytes; each
// Handle carries its own mutex via the entry it wraps so two readers of
// different blocks never contend on the manager lock (spec.md §4.1's
// concurrency note).
type Handle struct {
	mgr *Manager
	e   *entry
}

// BlockID returns the block this handle refers to.
func (h *Handle) BlockID() uint32 { return h.e.blockID }

// ReadAt copies len(dst) bytes starting at offset within the block into
// dst.
func (h *Handle) ReadAt(offset int, dst []byte) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	copy(dst, h.e.buf[offset:])
}

// WriteAt copies src into the block starting at offset and marks the
// block dirty.
func (h *Handle) WriteAt(offset int, src []byte) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	copy(h.e.buf[offset:], src)
	h.e.dirty = true
}

// Zero clears the entire block and marks it dirty.
func (h *Handle) Zero() {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	for i := range h.e.buf {
		h.e.buf[i] = 0
	}
	h.e.dirty = true
}

// MarkDirty flags the block as needing write-back without touching its
// contents — used after a caller mutated bytes obtained via a raw
// accessor in the same package (layout helpers operate on copies, so
// this is rarely needed directly, but kept for symmetry with the
// original's explicit modified flag).
func (h *Handle) MarkDirty() {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.e.dirty = true
}

// Manager is the bounded LRU block cache described in spec.md §4.1.
type Manager struct {
	device   Device
	maxCache int

	mu      sync.Mutex
	entries map[uint32]*entry
	lru     *list.List // front = most recently used, back = least
}

// New creates a cache manager bounded to maxCache resident blocks over
// device.
func New(device Device, maxCache int) *Manager {
	return &Manager{
		device:   device,
		maxCache: maxCache,
		entries:  make(map[uint32]*entry),
		lru:      list.New(),
	}
}

// Get returns a handle to blockID's buffer, reading it from the device
// on first miss. On a full cache it evicts the first LRU-ordered entry
// with no outside reference, writing it back first if dirty. It panics
// if every resident block is pinned — spec.md §4.1 calls this a fatal
// configuration error, not a recoverable one.
func (m *Manager) Get(blockID uint32) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[blockID]; ok {
		e.refs++
		m.lru.MoveToFront(e.elem)
		return &Handle{mgr: m, e: e}, nil
	}

	if len(m.entries) < m.maxCache {
		e := &entry{blockID: blockID, buf: make([]byte, m.device.BlockSize()), refs: 2}
		if err := m.device.ReadBlock(blockID, e.buf); err != nil {
			return nil, xerrors.Errorf("cache: read block %d: %w", blockID, err)
		}
		e.elem = m.lru.PushFront(e)
		m.entries[blockID] = e
		return &Handle{mgr: m, e: e}, nil
	}

	for el := m.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refs != 1 {
			continue
		}
		if e.dirty {
			if err := m.device.WriteBlock(e.blockID, e.buf); err != nil {
				return nil, xerrors.Errorf("cache: evict write-back block %d: %w", e.blockID, err)
			}
			e.dirty = false
		}
		delete(m.entries, e.blockID)
		if err := m.device.ReadBlock(blockID, e.buf); err != nil {
			return nil, xerrors.Errorf("cache: read block %d: %w", blockID, err)
		}
		e.blockID = blockID
		e.refs = 2
		m.entries[blockID] = e
		m.lru.MoveToFront(el)
		return &Handle{mgr: m, e: e}, nil
	}

	log.Printf("cache: eviction failed, all %d resident blocks are pinned", m.maxCache)
	panic(xerrors.Errorf("cache: out of cache slots: all %d blocks pinned", m.maxCache))
}

// Pin returns a handle to blockID only if it is currently resident,
// doing no I/O. The second return value is false if the block is not
// cached.
func (m *Manager) Pin(blockID uint32) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[blockID]
	if !ok {
		return nil, false
	}
	e.refs++
	m.lru.MoveToFront(e.elem)
	return &Handle{mgr: m, e: e}, true
}

// Release drops one outside reference to h's block. When the last
// outside reference goes away (only the manager's own map reference
// remains), the entry becomes eligible for eviction and is marked as
// the most-recently-touched entry in the LRU list.
func (m *Manager) Release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.e.refs--
	if h.e.refs == 1 {
		m.lru.MoveToFront(h.e.elem)
	}
}

// WriteBack flushes blockID to the device if it is dirty and resident.
// Writing back a clean or non-resident block is a no-op, per spec.md §7.
func (m *Manager) WriteBack(blockID uint32) error {
	m.mu.Lock()
	e, ok := m.entries[blockID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	if err := m.device.WriteBlock(e.blockID, e.buf); err != nil {
		return xerrors.Errorf("cache: write back block %d: %w", blockID, err)
	}
	e.dirty = false
	return nil
}

// SyncAll writes every dirty resident block to the device and clears
// their dirty flags.
func (m *Manager) SyncAll() error {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.WriteBack(id); err != nil {
			return err
		}
	}
	return nil
}
