// Package pagestore provides a single-file embedded row store for Go
// applications: a paged device with bitmap allocation and a bounded
// write-back cache, a B-tree rowid index, and content/overflow pages
// holding variable-length record values.
//
// # Basic Usage
//
// Open a store, create a table, and round-trip a record:
//
//	db, _ := pagestore.Open(pagestore.Config{Path: "data.db"})
//	defer db.Close()
//
//	tbl, _ := db.CreateTable(pagestore.Bytes, pagestore.Bytes)
//	rowid, _ := tbl.Insert(pagestore.Record{Values: []pagestore.Value{
//	    pagestore.NewValue(pagestore.Bytes, []byte("test")),
//	    pagestore.NewValue(pagestore.Bytes, []byte("test1")),
//	}})
//
//	rec, _ := tbl.Query(rowid)
//
// # Persistence
//
// Durability is explicit: call Sync (or Close) to flush dirty pages.
// To reopen a table later, keep its root page count:
//
//	root := tbl.RootCount()
//	db.Sync()
//	// ... later, over the same file ...
//	tbl, _ = db.OpenTable(root, pagestore.Bytes, pagestore.Bytes)
//
// The store is single-threaded and non-reentrant; embedders wanting
// concurrency serialize access themselves.
package pagestore

import (
	"fmt"
	"os"

	"github.com/SimonWaldherr/pagestore/internal/pager"
)

// ============================================================================
// Core Types - Re-exported from internal packages for public API
// ============================================================================

// Device is the seekable backing store pages are read from and written
// to. *os.File satisfies it; tests may supply an in-memory device.
type Device = pager.Device

// ValueType enumerates the typed value domain of a record.
type ValueType = pager.ValueType

// Value is one typed value of a record.
type Value = pager.Value

// Record is an ordered list of typed values addressed by a rowid.
type Record = pager.Record

// Table maps rowids to records of a fixed, declared value arity.
// Obtained from CreateTable or OpenTable.
type Table = pager.Table

// Value type variants.
const (
	Number = pager.ValueNumber
	Bytes  = pager.ValueBytes
)

// PageSize is the fixed page size of the storage format.
const PageSize = pager.PageSize

// DefaultCachePages is the cache capacity used when Config leaves
// CachePages zero.
const DefaultCachePages = pager.DefaultCachePages

// Error kinds surfaced across the API boundary.
var (
	ErrRowNotFound   = pager.ErrRowNotFound
	ErrArityMismatch = pager.ErrArityMismatch
	ErrDuplicateKey  = pager.ErrDuplicateKey
)

// NewValue builds a Value over a copy of data.
func NewValue(t ValueType, data []byte) Value { return pager.NewValue(t, data) }

// ============================================================================
// DB
// ============================================================================

// Config configures a store.
type Config struct {
	// Path is the database file, opened read-write and created if
	// missing. Ignored when Device is set.
	Path string

	// Device optionally supplies the backing store directly.
	Device Device

	// CachePages bounds the page cache (0 = DefaultCachePages). Set it
	// to at least a few times the expected index depth plus a small
	// working set.
	CachePages int
}

// DB is an open store: one backing device and one page cache shared by
// every table created over it.
type DB struct {
	pm   *pager.PageManager
	file *os.File
}

// Open opens or creates a store over the configured file or device.
func Open(cfg Config) (*DB, error) {
	dev := cfg.Device
	var file *os.File
	if dev == nil {
		if cfg.Path == "" {
			return nil, fmt.Errorf("pagestore: config needs a Path or a Device")
		}
		f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open database file: %w", err)
		}
		file = f
		dev = f
	}
	return &DB{pm: pager.NewPageManager(dev, cfg.CachePages), file: file}, nil
}

// CreateTable allocates a fresh table with the given ordered value
// types. Keep the table's RootCount to reopen it across runs.
func (db *DB) CreateTable(types ...ValueType) (*Table, error) {
	return pager.CreateTable(db.pm, types)
}

// OpenTable reattaches to a table created earlier, identified by its
// index root page count. The declared value types must match the ones
// the table was created with.
func (db *DB) OpenTable(rootCount uint64, types ...ValueType) (*Table, error) {
	return pager.OpenTable(db.pm, rootCount, types)
}

// Sync flushes every dirty cached page to the backing store.
func (db *DB) Sync() error { return db.pm.SyncAll() }

// Close flushes dirty pages and, when the store owns its file, syncs
// and closes it.
func (db *DB) Close() error {
	if err := db.pm.SyncAll(); err != nil {
		if db.file != nil {
			db.file.Close()
		}
		return err
	}
	if db.file == nil {
		return nil
	}
	if err := db.file.Sync(); err != nil {
		db.file.Close()
		return err
	}
	return db.file.Close()
}
