// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package database

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

// PebbleDB is a Database backed by cockroachdb/pebble, the embedded LSM
// engine gossamer itself ships as a chaindb backend.
type PebbleDB struct {
	db   *pebble.DB
	path string
}

// NewPebbleDB opens (creating if necessary) a pebble-backed Database at path.
func NewPebbleDB(path string) (*PebbleDB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleDB{db: db, path: path}, nil
}

func (p *PebbleDB) Path() string { return p.path }

func (p *PebbleDB) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleDB) Has(key []byte) (bool, error) {
	v, err := p.Get(key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (p *PebbleDB) Put(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

func (p *PebbleDB) Del(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

func (p *PebbleDB) Flush() error {
	return p.db.Flush()
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

func (p *PebbleDB) NewBatch() Batch {
	return &pebbleBatch{batch: p.db.NewBatch(), db: p.db}
}

func (p *PebbleDB) NewIterator() Iterator {
	it, _ := p.db.NewIter(nil)
	it.First()
	return &pebbleIterator{it: it}
}

func (p *PebbleDB) NewPrefixIterator(prefix []byte) Iterator {
	upper := append(append([]byte{}, prefix...))
	upper = incrementBytes(upper)
	it, _ := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	it.First()
	return &pebbleIterator{it: it}
}

// Table is a TableDatabase scoped to a key prefix over a shared PebbleDB, giving us
// the "column family" addressing the spec calls for without needing
// pebble's own (heavier) column-family support.
type Table struct {
	db     *PebbleDB
	prefix []byte
}

// NewTable returns a Table namespaced by prefix over db.
func NewTable(db *PebbleDB, prefix string) *Table {
	return &Table{db: db, prefix: []byte(prefix)}
}

func (t *Table) key(k []byte) []byte {
	return append(append([]byte{}, t.prefix...), k...)
}

func (t *Table) Path() string { return t.db.Path() }

func (t *Table) Get(key []byte) ([]byte, error) { return t.db.Get(t.key(key)) }

func (t *Table) Has(key []byte) (bool, error) { return t.db.Has(t.key(key)) }

func (t *Table) Put(key, value []byte) error { return t.db.Put(t.key(key), value) }

func (t *Table) Del(key []byte) error { return t.db.Del(t.key(key)) }

func (t *Table) Flush() error { return t.db.Flush() }

func (t *Table) Close() error { return nil }

func (t *Table) NewBatch() Batch {
	return &prefixedBatch{inner: t.db.NewBatch(), prefix: t.prefix}
}

// NewBatchOn namespaces b (typically shared with other Tables over the same
// underlying PebbleDB) under this Table's prefix, so several Tables can
// commit a single cross-column transaction.
func (t *Table) NewBatchOn(b Batch) Batch {
	return &prefixedBatch{inner: b, prefix: t.prefix}
}

func (t *Table) NewIterator() Iterator {
	return t.db.NewPrefixIterator(t.prefix)
}

type pebbleBatch struct {
	batch *pebble.Batch
	db    *pebble.DB
}

func (b *pebbleBatch) Put(key, value []byte) error { return b.batch.Set(key, value, nil) }
func (b *pebbleBatch) Del(key []byte) error        { return b.batch.Delete(key, nil) }
func (b *pebbleBatch) Flush() error                { return b.batch.Commit(pebble.Sync) }
func (b *pebbleBatch) ValueSize() int              { return len(b.batch.Repr()) }
func (b *pebbleBatch) Reset()                      { b.batch.Reset() }

// prefixedBatch namespaces every key written through it. Table.NewBatchOn
// wraps one shared PebbleDB batch this way for several Tables, so they
// commit a single cross-column transaction (the availability store and the
// dispute backend's pruning do this).
type prefixedBatch struct {
	inner  Batch
	prefix []byte
}

func (b *prefixedBatch) Put(key, value []byte) error {
	return b.inner.Put(append(append([]byte{}, b.prefix...), key...), value)
}
func (b *prefixedBatch) Del(key []byte) error {
	return b.inner.Del(append(append([]byte{}, b.prefix...), key...))
}
func (b *prefixedBatch) Flush() error   { return b.inner.Flush() }
func (b *prefixedBatch) ValueSize() int { return b.inner.ValueSize() }
func (b *prefixedBatch) Reset()         { b.inner.Reset() }

type pebbleIterator struct {
	it    *pebble.Iterator
	first bool
}

func (p *pebbleIterator) Valid() bool { return p.it.Valid() }
func (p *pebbleIterator) Next() bool {
	if !p.first {
		p.first = true
		return p.it.Valid()
	}
	return p.it.Next()
}
func (p *pebbleIterator) Key() []byte   { return p.it.Key() }
func (p *pebbleIterator) Value() []byte { return p.it.Value() }
func (p *pebbleIterator) Release()      { _ = p.it.Close() }

func incrementBytes(b []byte) []byte {
	out := append([]byte{}, b...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	return bytes.Repeat([]byte{0xff}, len(out)+1)
}
