package pager

import (
	"errors"
	"fmt"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Page manager
// ───────────────────────────────────────────────────────────────────────────
//
// The PageManager is the central I/O layer. It translates page counts
// to device offsets, keeps a bounded write-back cache, and allocates
// and releases page counts through the bitmap pages. Pages are handed
// out by value: Get returns a copy of the page image and Modify takes
// a full replacement image, so no caller ever aliases a cache buffer.

// frame is an in-memory cached page.
type frame struct {
	count uint64
	data  []byte
	dirty bool
	prev  *frame
	next  *frame
}

// PageManager caches up to maxPages pages over a Device. Eviction is
// least-recently-used; a dirty victim is flushed before it is dropped.
type PageManager struct {
	mu       sync.Mutex
	dev      Device
	maxPages int
	frames   map[uint64]*frame
	// LRU doubly-linked list: head = most recent, tail = least recent.
	head *frame
	tail *frame
}

// NewPageManager creates a PageManager over dev with the given cache
// capacity (0 or negative selects DefaultCachePages).
func NewPageManager(dev Device, cachePages int) *PageManager {
	if cachePages <= 0 {
		cachePages = DefaultCachePages
	}
	return &PageManager{
		dev:      dev,
		maxPages: cachePages,
		frames:   make(map[uint64]*frame, cachePages),
	}
}

// ── Public page I/O ───────────────────────────────────────────────────────

// Get returns a copy of the page image at count, loading it from the
// device on a cache miss. A count that has never been written reports
// ErrPageNotFound.
func (pm *PageManager) Get(count uint64) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	f, err := pm.get(count)
	if err != nil {
		return nil, err
	}
	out := make([]byte, PageSize)
	copy(out, f.data)
	return out, nil
}

// Modify replaces the page image at count and marks the page dirty.
// It fails if count cannot be resolved.
func (pm *PageManager) Modify(count uint64, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("modify page %d: image is %d bytes, want %d", count, len(data), PageSize)
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	f, err := pm.get(count)
	if err != nil {
		return err
	}
	copy(f.data, data)
	f.dirty = true
	return nil
}

// Alloc selects the lowest free page count, marks it in its governing
// bitmap, and installs a zero-filled page stamped with the given type
// tag. It returns the new page's count.
func (pm *PageManager) Alloc(pt PageType) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	count, err := pm.findUnusedCount()
	if err != nil {
		return 0, err
	}
	if _, err := pm.allocWithCount(count, pt); err != nil {
		return 0, err
	}
	return count, nil
}

// AllocWithCount installs a zero-filled page at count without
// consulting the bitmaps. It exists to materialize bitmap pages
// themselves; callers must not use it to fabricate pages the
// allocator has not reserved.
func (pm *PageManager) AllocWithCount(count uint64, pt PageType) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, err := pm.allocWithCount(count, pt)
	return err
}

// Release forgets the cached page at count and clears its bit in the
// governing bitmap page. The device is not shrunk.
func (pm *PageManager) Release(count uint64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if f, ok := pm.frames[count]; ok {
		pm.unlink(f)
		delete(pm.frames, count)
	}
	f, err := pm.get(bitmapCountFor(count))
	if err != nil {
		return fmt.Errorf("release page %d: %w", count, err)
	}
	WrapBitmapPage(f.data).SetUnused(bitmapPos(count))
	f.dirty = true
	return nil
}

// FindPageByType scans counts from start upward, skipping bitmap
// slots, for the first existing page whose type tag matches pt. When
// the scan reaches a count that has never been written it allocates a
// page of that type there instead and returns its count.
func (pm *PageManager) FindPageByType(start uint64, pt PageType) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for count := start; ; count++ {
		if isBitmapCount(count) {
			continue
		}
		f, err := pm.get(count)
		if err == nil {
			if PageType(f.data[0]) == pt {
				return count, nil
			}
			continue
		}
		if !errors.Is(err, ErrPageNotFound) {
			return 0, err
		}
		if err := pm.reserve(count); err != nil {
			return 0, err
		}
		if _, err := pm.allocWithCount(count, pt); err != nil {
			return 0, err
		}
		return count, nil
	}
}

// SyncAll flushes every dirty cached page to the device and marks it
// clean.
func (pm *PageManager) SyncAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, f := range pm.frames {
		if !f.dirty {
			continue
		}
		if err := writePage(pm.dev, f.count, f.data); err != nil {
			return err
		}
		f.dirty = false
	}
	return nil
}

// CachedPages returns the number of pages currently resident.
func (pm *PageManager) CachedPages() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.frames)
}

// ── Allocation internals ──────────────────────────────────────────────────

// findUnusedCount walks the bitmap pages in count order and claims the
// lowest free bit, materializing new bitmap pages as the walk passes
// the end of the governed range.
func (pm *PageManager) findUnusedCount() (uint64, error) {
	for bmCount := uint64(0); ; bmCount += bitmapStride {
		f, err := pm.get(bmCount)
		if errors.Is(err, ErrPageNotFound) {
			f, err = pm.allocWithCount(bmCount, PageTypeNone)
		}
		if err != nil {
			return 0, err
		}
		bm := WrapBitmapPage(f.data)
		bm.SetUsed(0)
		pos, ok := bm.FindUnused()
		if !ok {
			continue
		}
		bm.SetUsed(pos)
		f.dirty = true
		return bmCount + pos, nil
	}
}

// reserve marks count used in its governing bitmap, materializing the
// bitmap page if it does not exist yet.
func (pm *PageManager) reserve(count uint64) error {
	// The count one bit past a bitmap's range sits in the gap before
	// the next bitmap page; the allocator never hands it out.
	if bitmapPos(count) == BitmapSpan {
		return fmt.Errorf("reserve page %d: count is ungoverned by any bitmap", count)
	}
	bmCount := bitmapCountFor(count)
	f, err := pm.get(bmCount)
	if errors.Is(err, ErrPageNotFound) {
		f, err = pm.allocWithCount(bmCount, PageTypeNone)
	}
	if err != nil {
		return err
	}
	bm := WrapBitmapPage(f.data)
	bm.SetUsed(0)
	bm.SetUsed(bitmapPos(count))
	f.dirty = true
	return nil
}

// allocWithCount installs a fresh zero-filled frame at count. A typed
// page gets its tag stamped at offset 0; bitmap pages stay untagged.
func (pm *PageManager) allocWithCount(count uint64, pt PageType) (*frame, error) {
	if old, ok := pm.frames[count]; ok {
		pm.unlink(old)
		delete(pm.frames, count)
	}
	data := make([]byte, PageSize)
	if pt != PageTypeNone {
		data[0] = byte(pt)
	}
	f := &frame{count: count, data: data, dirty: true}
	if err := pm.insert(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ── Cache internals ───────────────────────────────────────────────────────

// get returns the resident frame for count, loading from the device on
// a miss. Callers must finish mutating the returned frame before the
// next cache call: a later load may evict it.
func (pm *PageManager) get(count uint64) (*frame, error) {
	if f, ok := pm.frames[count]; ok {
		pm.moveToFront(f)
		return f, nil
	}
	data, err := readPage(pm.dev, count)
	if err != nil {
		return nil, err
	}
	f := &frame{count: count, data: data}
	if err := pm.insert(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (pm *PageManager) insert(f *frame) error {
	for len(pm.frames) >= pm.maxPages {
		if err := pm.evictOne(); err != nil {
			return err
		}
	}
	pm.frames[f.count] = f
	pm.pushFront(f)
	return nil
}

// evictOne drops the least-recently-used frame, flushing it first if
// it is dirty.
func (pm *PageManager) evictOne() error {
	victim := pm.tail
	if victim == nil {
		return nil
	}
	if victim.dirty {
		if err := writePage(pm.dev, victim.count, victim.data); err != nil {
			return err
		}
		victim.dirty = false
	}
	pm.unlink(victim)
	delete(pm.frames, victim.count)
	return nil
}

func (pm *PageManager) pushFront(f *frame) {
	f.prev = nil
	f.next = pm.head
	if pm.head != nil {
		pm.head.prev = f
	}
	pm.head = f
	if pm.tail == nil {
		pm.tail = f
	}
}

func (pm *PageManager) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		pm.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		pm.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (pm *PageManager) moveToFront(f *frame) {
	pm.unlink(f)
	pm.pushFront(f)
}
