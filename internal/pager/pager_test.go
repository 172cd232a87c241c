package pager

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// ───────────────────────────────────────────────────────────────────────────
// Helpers
// ───────────────────────────────────────────────────────────────────────────

func newTestDevice(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "test.db"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("open test device: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestManager(t *testing.T) (*PageManager, *os.File) {
	t.Helper()
	f := newTestDevice(t)
	return NewPageManager(f, 64), f
}

func newTestManagerCache(t *testing.T, cachePages int) (*PageManager, *os.File) {
	t.Helper()
	f := newTestDevice(t)
	return NewPageManager(f, cachePages), f
}

// bitmapBit reads the governing bitmap through the cache and reports
// the allocation bit for count.
func bitmapBit(t *testing.T, pm *PageManager, count uint64) bool {
	t.Helper()
	buf, err := pm.Get(bitmapCountFor(count))
	if err != nil {
		t.Fatalf("get bitmap page: %v", err)
	}
	return WrapBitmapPage(buf).Used(bitmapPos(count))
}

// ───────────────────────────────────────────────────────────────────────────
// Tests
// ───────────────────────────────────────────────────────────────────────────

func TestPageManager_AllocSequence(t *testing.T) {
	pm, _ := newTestManager(t)

	// Count 0 is the first bitmap page, so allocation starts at 1.
	for want := uint64(1); want <= 5; want++ {
		got, err := pm.Alloc(PageTypeContent)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if got != want {
			t.Fatalf("alloc #%d returned count %d", want, got)
		}
	}
}

func TestPageManager_AllocStampsTypeTag(t *testing.T) {
	pm, _ := newTestManager(t)
	count, err := pm.Alloc(PageTypeBTreeLeaf)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf, err := pm.Get(count)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if PageType(buf[0]) != PageTypeBTreeLeaf {
		t.Fatalf("type tag = %d, want %d", buf[0], PageTypeBTreeLeaf)
	}
	for _, b := range buf[1:] {
		if b != 0 {
			t.Fatal("fresh page is not zero-filled")
		}
	}
}

func TestPageManager_GetNotFound(t *testing.T) {
	pm, _ := newTestManager(t)
	if _, err := pm.Get(99); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("got %v, want ErrPageNotFound", err)
	}
}

func TestPageManager_ModifyAndSyncAll(t *testing.T) {
	pm, f := newTestManager(t)

	count, err := pm.Alloc(PageTypeContent)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	img := make([]byte, PageSize)
	img[0] = byte(PageTypeContent)
	copy(img[2:], []byte("hello pages"))
	if err := pm.Modify(count, img); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if err := pm.SyncAll(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Bypass the cache: the image and the bitmap must both be on disk.
	onDisk, err := readPage(f, count)
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if !bytes.Equal(onDisk, img) {
		t.Fatal("page on disk differs from modified image")
	}
	bmBuf, err := readPage(f, 0)
	if err != nil {
		t.Fatalf("raw bitmap read: %v", err)
	}
	bm := WrapBitmapPage(bmBuf)
	if !bm.Used(0) || !bm.Used(bitmapPos(count)) {
		t.Fatal("bitmap on disk is missing allocation bits")
	}
}

func TestPageManager_ModifyRejectsShortImage(t *testing.T) {
	pm, _ := newTestManager(t)
	count, _ := pm.Alloc(PageTypeContent)
	if err := pm.Modify(count, []byte("short")); err == nil {
		t.Fatal("expected error for short page image")
	}
}

func TestPageManager_ReleaseClearsBitAndReuses(t *testing.T) {
	pm, _ := newTestManager(t)

	var counts []uint64
	for i := 0; i < 3; i++ {
		c, err := pm.Alloc(PageTypeContent)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		counts = append(counts, c)
	}
	for _, c := range counts {
		if !bitmapBit(t, pm, c) {
			t.Fatalf("allocated page %d has a clear bitmap bit", c)
		}
	}

	if err := pm.Release(counts[1]); err != nil {
		t.Fatalf("release: %v", err)
	}
	if bitmapBit(t, pm, counts[1]) {
		t.Fatalf("released page %d still has its bitmap bit set", counts[1])
	}
	if !bitmapBit(t, pm, counts[0]) || !bitmapBit(t, pm, counts[2]) {
		t.Fatal("release disturbed a neighbouring bit")
	}

	got, err := pm.Alloc(PageTypeOverflow)
	if err != nil {
		t.Fatalf("alloc after release: %v", err)
	}
	if got != counts[1] {
		t.Fatalf("allocator returned %d, want released count %d", got, counts[1])
	}
}

func TestPageManager_EvictionFlushesDirtyPages(t *testing.T) {
	pm, f := newTestManagerCache(t, 2)

	var counts []uint64
	for i := 0; i < 4; i++ {
		c, err := pm.Alloc(PageTypeContent)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		img := make([]byte, PageSize)
		img[0] = byte(PageTypeContent)
		img[100] = byte(i + 1)
		if err := pm.Modify(c, img); err != nil {
			t.Fatalf("modify: %v", err)
		}
		counts = append(counts, c)
	}

	if got := pm.CachedPages(); got > 2 {
		t.Fatalf("cache holds %d pages, capacity is 2", got)
	}

	// Every page must be readable with its marker, whether it is still
	// resident or was flushed on eviction.
	for i, c := range counts {
		buf, err := pm.Get(c)
		if err != nil {
			t.Fatalf("get page %d: %v", c, err)
		}
		if buf[100] != byte(i+1) {
			t.Fatalf("page %d marker = %d, want %d", c, buf[100], i+1)
		}
	}

	// The earliest page was evicted, so its image must already be on
	// disk without any SyncAll.
	onDisk, err := readPage(f, counts[0])
	if err != nil {
		t.Fatalf("evicted page missing on disk: %v", err)
	}
	if onDisk[100] != 1 {
		t.Fatalf("evicted page marker on disk = %d, want 1", onDisk[100])
	}
}

func TestPageManager_FindPageByType(t *testing.T) {
	pm, _ := newTestManager(t)

	// Empty store: the scan skips the bitmap slot and allocates a
	// content page at the first unwritten count.
	count, err := pm.FindPageByType(0, PageTypeContent)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if count != 1 {
		t.Fatalf("first content page at count %d, want 1", count)
	}
	if !bitmapBit(t, pm, count) {
		t.Fatal("page allocated by scan has no bitmap bit")
	}
	buf, err := pm.Get(count)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if PageType(buf[0]) != PageTypeContent {
		t.Fatalf("type tag = %d, want content", buf[0])
	}

	// A second scan finds the existing page instead of allocating.
	again, err := pm.FindPageByType(0, PageTypeContent)
	if err != nil {
		t.Fatalf("find again: %v", err)
	}
	if again != count {
		t.Fatalf("rescan found %d, want %d", again, count)
	}

	// Starting past it allocates a new one, skipping non-matching pages.
	if _, err := pm.Alloc(PageTypeBTreeLeaf); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	next, err := pm.FindPageByType(count+1, PageTypeContent)
	if err != nil {
		t.Fatalf("find next: %v", err)
	}
	if next <= count+1 {
		// count+1 is the freshly allocated leaf page; the scan must
		// have skipped it.
		t.Fatalf("scan landed on count %d over a b-tree page", next)
	}
}

func TestPageManager_AllocWithCount(t *testing.T) {
	pm, _ := newTestManager(t)
	if err := pm.AllocWithCount(bitmapStride, PageTypeNone); err != nil {
		t.Fatalf("alloc with count: %v", err)
	}
	buf, err := pm.Get(bitmapStride)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("untagged page is not zero-filled")
		}
	}
}
