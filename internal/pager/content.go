package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Content pages
// ───────────────────────────────────────────────────────────────────────────
//
// A content page packs variable-length entries sequentially after a
// two-byte header (type tag, entry count). Entries are addressed by
// ordinal slot.
//
// Entry layout:
//   [0:2]   Length, big-endian; top bit set iff the entry overflows
//   [2:10]  Overflow head page count, big-endian — only when the top
//           bit is set; inline data then starts at 10 instead of 2
//
// An overflowed entry's inline portion is exactly PageSize−12 bytes;
// the remainder lives in its overflow chain.

const (
	// MaxInlinePayload is the largest payload stored entirely inline.
	// Anything longer spills to an overflow chain.
	MaxInlinePayload = PageSize - 5

	// OverflowInlineLen is the inline portion of an overflowed entry.
	OverflowInlineLen = PageSize - 12

	// MaxContentEntries bounds the entries per content page so slot
	// ordinals fit the 8-bit offset of a packed location.
	MaxContentEntries = 255

	contentHeaderSize = 2
)

// ContentEntry is one entry of a content page: its inline bytes and,
// when the payload overflowed, the head of the overflow chain.
type ContentEntry struct {
	Data         []byte
	Overflow     bool
	OverflowPage uint64
}

// NewContentEntry packs payload into a content entry, spilling the
// tail across freshly allocated overflow pages when it does not fit
// inline. The chain is written forward; each non-tail link holds
// exactly OverflowLinkCapacity bytes.
func NewContentEntry(pm *PageManager, payload []byte) (ContentEntry, error) {
	if len(payload) <= MaxInlinePayload {
		return ContentEntry{Data: append([]byte(nil), payload...)}, nil
	}

	entry := ContentEntry{
		Data:     append([]byte(nil), payload[:OverflowInlineLen]...),
		Overflow: true,
	}

	rest := payload[OverflowInlineLen:]
	var chunks [][]byte
	for len(rest) > OverflowTailCapacity {
		chunks = append(chunks, rest[:OverflowLinkCapacity])
		rest = rest[OverflowLinkCapacity:]
	}
	chunks = append(chunks, rest)

	counts := make([]uint64, len(chunks))
	for i := range chunks {
		c, err := pm.Alloc(PageTypeOverflow)
		if err != nil {
			return ContentEntry{}, fmt.Errorf("overflow chain: %w", err)
		}
		counts[i] = c
	}
	entry.OverflowPage = counts[0]

	for i, chunk := range chunks {
		op := &OverflowPage{Data: chunk}
		if i < len(chunks)-1 {
			op.Next = counts[i+1]
			op.HasNext = true
		}
		if err := pm.Modify(counts[i], op.Dump()); err != nil {
			return ContentEntry{}, fmt.Errorf("overflow chain: %w", err)
		}
	}
	return entry, nil
}

// EncodedSize returns the bytes the entry occupies inside a content
// page: the two-byte header, the optional overflow pointer, and the
// inline data.
func (e *ContentEntry) EncodedSize() int {
	if e.Overflow {
		return 2 + 8 + len(e.Data)
	}
	return 2 + len(e.Data)
}

// Payload reassembles the entry's full payload: the inline bytes
// followed by every chained overflow page's data in order.
func (e *ContentEntry) Payload(pm *PageManager) ([]byte, error) {
	data := append([]byte(nil), e.Data...)
	if !e.Overflow {
		return data, nil
	}
	next := e.OverflowPage
	for {
		buf, err := pm.Get(next)
		if err != nil {
			return nil, err
		}
		op, err := LoadOverflowPage(buf)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", next, err)
		}
		data = append(data, op.Data...)
		if !op.HasNext {
			return data, nil
		}
		next = op.Next
	}
}

// ContentPage is the in-memory form of a content page.
type ContentPage struct {
	Entries []ContentEntry
}

// LoadContentPage decodes a full page image into a ContentPage.
func LoadContentPage(buf []byte) (*ContentPage, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("content page: image is %d bytes, want %d", len(buf), PageSize)
	}
	cp := &ContentPage{}
	n := int(buf[1])
	ptr := contentHeaderSize
	for i := 0; i < n; i++ {
		if ptr+2 > PageSize {
			return nil, fmt.Errorf("content page: entry %d header out of bounds", i)
		}
		var e ContentEntry
		size := binary.BigEndian.Uint16(buf[ptr : ptr+2])
		ptr += 2
		if size&overflowContinueBit != 0 {
			size &^= overflowContinueBit
			if ptr+8 > PageSize {
				return nil, fmt.Errorf("content page: entry %d overflow pointer out of bounds", i)
			}
			e.Overflow = true
			e.OverflowPage = binary.BigEndian.Uint64(buf[ptr : ptr+8])
			ptr += 8
		}
		if ptr+int(size) > PageSize {
			return nil, fmt.Errorf("content page: entry %d data out of bounds", i)
		}
		e.Data = append([]byte(nil), buf[ptr:ptr+int(size)]...)
		ptr += int(size)
		cp.Entries = append(cp.Entries, e)
	}
	return cp, nil
}

// Dump encodes the page into a full page image.
func (cp *ContentPage) Dump() []byte {
	buf := make([]byte, PageSize)
	buf[0] = byte(PageTypeContent)
	buf[1] = byte(len(cp.Entries))
	ptr := contentHeaderSize
	for _, e := range cp.Entries {
		size := uint16(len(e.Data))
		if e.Overflow {
			size |= overflowContinueBit
			binary.BigEndian.PutUint16(buf[ptr:ptr+2], size)
			ptr += 2
			binary.BigEndian.PutUint64(buf[ptr:ptr+8], e.OverflowPage)
			ptr += 8
		} else {
			binary.BigEndian.PutUint16(buf[ptr:ptr+2], size)
			ptr += 2
		}
		copy(buf[ptr:], e.Data)
		ptr += len(e.Data)
	}
	return buf
}

// Push appends an entry if the packed size stays within the page and
// the slot count stays addressable; otherwise it reports ErrPageFull
// and the caller must try another page.
func (cp *ContentPage) Push(e ContentEntry) error {
	if len(cp.Entries) >= MaxContentEntries {
		return ErrPageFull
	}
	if cp.TotalSize()+e.EncodedSize() > PageSize {
		return ErrPageFull
	}
	cp.Entries = append(cp.Entries, e)
	return nil
}

// TotalSize returns the packed size of the page: the header plus every
// entry's encoded size. The overflowed parts of entries do not count.
func (cp *ContentPage) TotalSize() int {
	size := contentHeaderSize
	for i := range cp.Entries {
		size += cp.Entries[i].EncodedSize()
	}
	return size
}
