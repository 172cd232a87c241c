package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Table engine
// ───────────────────────────────────────────────────────────────────────────
//
// A table owns a B-tree mapping rowids to the head cell of each
// record. A record occupies one content cell per value; the cells form
// a singly linked list, each non-last cell's inline payload starting
// with the 8-byte packed location of the next cell.

// ValueType enumerates the typed value domain.
type ValueType uint8

const (
	ValueNumber ValueType = iota
	ValueBytes
)

// String returns a human-readable label for the value type.
func (vt ValueType) String() string {
	switch vt {
	case ValueNumber:
		return "Number"
	case ValueBytes:
		return "Bytes"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(vt))
	}
}

// Value is one typed value of a record. Storage is type-transparent:
// both variants persist their raw bytes.
type Value struct {
	Type ValueType
	Data []byte
}

// NewValue builds a Value over a copy of data.
func NewValue(t ValueType, data []byte) Value {
	return Value{Type: t, Data: append([]byte(nil), data...)}
}

// Record is an ordered list of typed values addressed by a rowid.
type Record struct {
	Rowid  uint64
	Values []Value
}

// ── Location packing ──────────────────────────────────────────────────────

// PackLocation packs a (page count, slot offset) cell address into a
// 64-bit value. Offsets are bounded to [0, 255]; a content page never
// carries more slots than that.
func PackLocation(pageCount uint64, offset uint8) uint64 {
	return pageCount<<8 | uint64(offset)
}

// UnpackLocation splits a packed location into page count and offset.
func UnpackLocation(loc uint64) (uint64, uint8) {
	return loc >> 8, uint8(loc & 0xFF)
}

// ── Table ─────────────────────────────────────────────────────────────────

// Table maps rowids to records of a fixed, declared value arity.
type Table struct {
	pm         *PageManager
	tree       *BTree
	valueTypes []ValueType
}

// CreateTable allocates a root page for a fresh rowid index and
// declares the table's ordered value types.
func CreateTable(pm *PageManager, types []ValueType) (*Table, error) {
	if len(types) == 0 {
		return nil, errors.New("pager: table needs at least one value type")
	}
	tree, err := CreateBTree(pm)
	if err != nil {
		return nil, err
	}
	return &Table{pm: pm, tree: tree, valueTypes: append([]ValueType(nil), types...)}, nil
}

// OpenTable reattaches to a table persisted earlier, reloading the
// index root from its known page count.
func OpenTable(pm *PageManager, rootCount uint64, types []ValueType) (*Table, error) {
	if len(types) == 0 {
		return nil, errors.New("pager: table needs at least one value type")
	}
	tree, err := OpenBTree(pm, rootCount)
	if err != nil {
		return nil, err
	}
	return &Table{pm: pm, tree: tree, valueTypes: append([]ValueType(nil), types...)}, nil
}

// RootCount returns the page count of the table's index root. An
// embedder keeps it to reopen the table later.
func (t *Table) RootCount() uint64 { return t.tree.RootCount() }

// ValueTypes returns the declared value types.
func (t *Table) ValueTypes() []ValueType {
	return append([]ValueType(nil), t.valueTypes...)
}

// Tree returns the rowid index.
func (t *Table) Tree() *BTree { return t.tree }

// Insert places the record's values into content cells, links them,
// and registers the head cell under a freshly assigned rowid.
func (t *Table) Insert(rec Record) (uint64, error) {
	if len(rec.Values) != len(t.valueTypes) {
		return 0, fmt.Errorf("record has %d values, table declares %d: %w",
			len(rec.Values), len(t.valueTypes), ErrArityMismatch)
	}

	rowid, err := t.tree.FindUnused()
	if err != nil {
		return 0, err
	}

	pageCount, err := t.pm.FindPageByType(0, PageTypeContent)
	if err != nil {
		return 0, err
	}

	var prevLoc uint64
	for i, val := range rec.Values {
		payload := val.Data
		if i != len(rec.Values)-1 {
			// Reserve the forward link ahead of the user bytes before
			// the entry is packed, so an overflowed cell's inline
			// prefix keeps its exact length.
			payload = append(make([]byte, 8), payload...)
		}
		entry, err := NewContentEntry(t.pm, payload)
		if err != nil {
			return 0, err
		}

		// Find a content page with room for the cell.
		cp, err := t.loadContentPage(pageCount)
		if err != nil {
			return 0, err
		}
		for {
			pushErr := cp.Push(entry)
			if pushErr == nil {
				break
			}
			if !errors.Is(pushErr, ErrPageFull) {
				return 0, pushErr
			}
			pageCount, err = t.pm.FindPageByType(pageCount+1, PageTypeContent)
			if err != nil {
				return 0, err
			}
			cp, err = t.loadContentPage(pageCount)
			if err != nil {
				return 0, err
			}
		}
		if err := t.pm.Modify(pageCount, cp.Dump()); err != nil {
			return 0, err
		}

		loc := PackLocation(pageCount, uint8(len(cp.Entries)-1))
		if i == 0 {
			if err := t.tree.Insert(rowid, loc); err != nil {
				return 0, err
			}
		} else if err := t.linkCell(prevLoc, loc); err != nil {
			return 0, err
		}
		prevLoc = loc
	}
	return rowid, nil
}

// linkCell rewrites the first 8 inline bytes of the cell at prevLoc to
// point at loc.
func (t *Table) linkCell(prevLoc, loc uint64) error {
	prevPage, prevOff := UnpackLocation(prevLoc)
	cp, err := t.loadContentPage(prevPage)
	if err != nil {
		return err
	}
	if int(prevOff) >= len(cp.Entries) {
		return fmt.Errorf("content page %d: slot %d out of range", prevPage, prevOff)
	}
	binary.BigEndian.PutUint64(cp.Entries[prevOff].Data[:8], loc)
	return t.pm.Modify(prevPage, cp.Dump())
}

// Query reads the record stored under rowid. Querying an absent rowid
// is a precondition violation reported as ErrRowNotFound.
func (t *Table) Query(rowid uint64) (Record, error) {
	loc, ok, err := t.tree.Find(rowid)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("rowid %d: %w", rowid, ErrRowNotFound)
	}

	rec := Record{Rowid: rowid}
	pageCount, offset := UnpackLocation(loc)
	for i, vt := range t.valueTypes {
		cp, err := t.loadContentPage(pageCount)
		if err != nil {
			return Record{}, err
		}
		if int(offset) >= len(cp.Entries) {
			return Record{}, fmt.Errorf("content page %d: slot %d out of range", pageCount, offset)
		}
		data, err := cp.Entries[offset].Payload(t.pm)
		if err != nil {
			return Record{}, err
		}

		if i != len(t.valueTypes)-1 {
			if len(data) < 8 {
				return Record{}, fmt.Errorf("content page %d slot %d: cell too short for link", pageCount, offset)
			}
			rec.Values = append(rec.Values, Value{Type: vt, Data: data[8:]})
			pageCount, offset = UnpackLocation(binary.BigEndian.Uint64(data[:8]))
		} else {
			rec.Values = append(rec.Values, Value{Type: vt, Data: data})
		}
	}
	return rec, nil
}

func (t *Table) loadContentPage(count uint64) (*ContentPage, error) {
	buf, err := t.pm.Get(count)
	if err != nil {
		return nil, err
	}
	cp, err := LoadContentPage(buf)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", count, err)
	}
	return cp, nil
}
