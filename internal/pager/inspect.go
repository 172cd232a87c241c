package pager

import (
	"errors"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Inspection & verification
// ───────────────────────────────────────────────────────────────────────────

// PageInfo holds inspection information about a single page.
type PageInfo struct {
	Count   uint64
	Type    PageType
	TypeStr string
	Bitmap  bool
	// Bitmap pages
	UsedBits int
	// B-tree nodes
	EntryCount int
	// Content pages
	ContentEntries int
	ContentSize    int
	// Overflow pages
	DataLen int
	Next    uint64
	HasNext bool
}

// InspectPage reads the page at count directly from the device and
// decodes what its position and type tag say it is.
func InspectPage(dev Device, count uint64) (*PageInfo, error) {
	buf, err := readPage(dev, count)
	if err != nil {
		return nil, err
	}

	if isBitmapCount(count) {
		bm := WrapBitmapPage(buf)
		return &PageInfo{
			Count:    count,
			Bitmap:   true,
			TypeStr:  "Bitmap",
			UsedBits: bm.UsedCount(),
		}, nil
	}

	info := &PageInfo{
		Count:   count,
		Type:    PageType(buf[0]),
		TypeStr: PageType(buf[0]).String(),
	}
	switch info.Type {
	case PageTypeBTreeInternal, PageTypeBTreeLeaf:
		n, err := LoadNode(count, buf)
		if err != nil {
			return nil, err
		}
		info.EntryCount = n.Len()

	case PageTypeContent:
		cp, err := LoadContentPage(buf)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", count, err)
		}
		info.ContentEntries = len(cp.Entries)
		info.ContentSize = cp.TotalSize()

	case PageTypeOverflow:
		op, err := LoadOverflowPage(buf)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", count, err)
		}
		info.DataLen = len(op.Data)
		info.Next = op.Next
		info.HasNext = op.HasNext
	}
	return info, nil
}

// VerifyFile walks every written page of the device and checks the
// structural invariants each page type carries. It returns the issues
// found (empty = healthy).
func VerifyFile(dev Device) ([]string, error) {
	var issues []string
	for count := uint64(0); ; count++ {
		buf, err := readPage(dev, count)
		if errors.Is(err, ErrPageNotFound) {
			return issues, nil
		}
		if err != nil {
			return issues, err
		}

		if isBitmapCount(count) {
			if !WrapBitmapPage(buf).Used(0) {
				issues = append(issues, fmt.Sprintf("bitmap page %d: bit 0 is clear", count))
			}
			continue
		}

		switch PageType(buf[0]) {
		case PageTypeBTreeInternal, PageTypeBTreeLeaf:
			n, err := LoadNode(count, buf)
			if err != nil {
				issues = append(issues, err.Error())
				continue
			}
			if n.Len() > MaxNodeEntries {
				issues = append(issues, fmt.Sprintf("node page %d: %d entries exceed fanout %d", count, n.Len(), MaxNodeEntries))
			}
			for i := 0; i+1 < n.Len(); i++ {
				if n.Keys[i] >= n.Keys[i+1] {
					issues = append(issues, fmt.Sprintf("node page %d: keys not strictly increasing at slot %d", count, i))
					break
				}
			}

		case PageTypeContent:
			cp, err := LoadContentPage(buf)
			if err != nil {
				issues = append(issues, fmt.Sprintf("page %d: %v", count, err))
				continue
			}
			if cp.TotalSize() > PageSize {
				issues = append(issues, fmt.Sprintf("content page %d: packed size %d exceeds page", count, cp.TotalSize()))
			}

		case PageTypeOverflow:
			if _, err := LoadOverflowPage(buf); err != nil {
				issues = append(issues, fmt.Sprintf("page %d: %v", count, err))
			}
		}
	}
}

// DumpNodeKeys returns the keys of the node persisted at count; a
// debugging aid for tests and tooling.
func DumpNodeKeys(dev Device, count uint64) ([]uint64, error) {
	buf, err := readPage(dev, count)
	if err != nil {
		return nil, err
	}
	n, err := LoadNode(count, buf)
	if err != nil {
		return nil, err
	}
	return append([]uint64(nil), n.Keys...), nil
}
