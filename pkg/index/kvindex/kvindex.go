// ABOUTME: Tag index backed by the embedded B+Tree KV store
// ABOUTME: Unique name records, attribute value index and a recency-ordered scan

package kvindex

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nainya/tagstore/pkg/index"
	"github.com/nainya/tagstore/pkg/storage"
	"github.com/nainya/tagstore/pkg/tag"
)

// Key prefixes
const (
	PREFIX_TAG        = uint32(1000) // (name) -> header
	PREFIX_TAG_ATTR   = uint32(1100) // (name, key) -> value
	PREFIX_TAG_COMP   = uint32(1200) // (name, position) -> component
	PREFIX_ATTR_VALUE = uint32(1300) // (key, value, name) -> empty
	PREFIX_RECENCY    = uint32(1400) // (inverted lastUpdated, name) -> empty
)

// Index stores tags in a single KV file. Writers are serialized by the KV
// write lock, which makes check-then-write sequences atomic.
type Index struct {
	kv *storage.KV
}

var _ index.Index = (*Index)(nil)

// Open opens or creates the index file at path
func Open(path string) (*Index, error) {
	kv := &storage.KV{Path: path}
	if err := kv.Open(); err != nil {
		return nil, fmt.Errorf("open kv %s: %w", path, err)
	}
	return &Index{kv: kv}, nil
}

// View runs fn in a read transaction
func (ix *Index) View(ctx context.Context, fn func(r index.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.kv.View(func(tx *storage.Tx) error {
		return fn(&txn{tx: tx})
	})
}

// Update runs fn in a write transaction
func (ix *Index) Update(ctx context.Context, fn func(w index.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.kv.Update(func(tx *storage.Tx) error {
		return fn(&txn{tx: tx})
	})
}

// Count returns the number of stored tags
func (ix *Index) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := ix.kv.View(func(tx *storage.Tx) error {
		return tx.ScanPrefix(storage.EncodeKey(PREFIX_TAG, nil), func(_, _ []byte) bool {
			n++
			return true
		})
	})
	return n, err
}

// Ping fails once the index is closed
func (ix *Index) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.kv.View(func(*storage.Tx) error { return nil })
}

// Size reports the bytes flushed to the backing file
func (ix *Index) Size() int64 {
	return ix.kv.Size()
}

// Close closes the backing file
func (ix *Index) Close() error {
	return ix.kv.Close()
}

// txn adapts a storage transaction to index.Writer
type txn struct {
	tx *storage.Tx
}

func str(s string) storage.Value {
	return storage.NewStringValue(s)
}

func tagKey(name string) []byte {
	return storage.EncodeKey(PREFIX_TAG, []storage.Value{str(name)})
}

func attrKey(name, key string) []byte {
	return storage.EncodeKey(PREFIX_TAG_ATTR, []storage.Value{str(name), str(key)})
}

func compKey(name string, pos int) []byte {
	return storage.EncodeKey(PREFIX_TAG_COMP, []storage.Value{str(name), storage.NewUint64Value(uint64(pos))})
}

func attrValueKey(key, value, name string) []byte {
	return storage.EncodeKey(PREFIX_ATTR_VALUE, []storage.Value{str(key), str(value), str(name)})
}

// recencyKey sorts newer updates first by inverting the order-preserving
// encoding of the timestamp.
func recencyKey(lastUpdated int64, name string) []byte {
	inverted := ^(uint64(lastUpdated) + (1 << 63))
	return storage.EncodeKey(PREFIX_RECENCY, []storage.Value{storage.NewUint64Value(inverted), str(name)})
}

func (t *txn) FindByName(name string) (*tag.Tag, bool, error) {
	raw, ok := t.tx.Get(tagKey(name))
	if !ok {
		return nil, false, nil
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode tag %q: %w", name, err)
	}

	out := &tag.Tag{
		Name:         name,
		Attributes:   map[string]string{},
		Components:   make([]tag.Component, 0, h.Components),
		FirstCreated: fromNanos(h.FirstCreated),
		LastUpdated:  fromNanos(h.LastUpdated),
	}

	var scanErr error
	err = t.tx.ScanPrefix(storage.EncodeKey(PREFIX_TAG_ATTR, []storage.Value{str(name)}), func(key, val []byte) bool {
		vals, derr := storage.ExtractValues(key)
		if derr != nil || len(vals) != 2 {
			scanErr = fmt.Errorf("decode attribute key of %q: %v", name, derr)
			return false
		}
		out.Attributes[vals[1].String()] = string(val)
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if scanErr != nil {
		return nil, false, scanErr
	}

	for i := 0; i < int(h.Components); i++ {
		raw, ok := t.tx.Get(compKey(name, i))
		if !ok {
			return nil, false, fmt.Errorf("tag %q: component %d missing", name, i)
		}
		c, err := decodeComponent(raw)
		if err != nil {
			return nil, false, fmt.Errorf("decode component %d of %q: %w", i, name, err)
		}
		out.Components = append(out.Components, c)
	}
	return out, true, nil
}

func (t *txn) Search(attrs map[string]string) ([]*tag.Tag, error) {
	if len(attrs) == 0 {
		return t.scanRecent()
	}

	// Drive the scan from one predicate and check the rest per candidate
	keys := slices.Sorted(maps.Keys(attrs))
	first := keys[0]
	prefix := storage.EncodeKey(PREFIX_ATTR_VALUE, []storage.Value{str(first), str(attrs[first])})

	var names []string
	var scanErr error
	err := t.tx.ScanPrefix(prefix, func(key, _ []byte) bool {
		vals, err := storage.ExtractValues(key)
		if err != nil || len(vals) != 3 {
			scanErr = fmt.Errorf("decode attribute index key: %v", err)
			return false
		}
		names = append(names, vals[2].String())
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}

	out := make([]*tag.Tag, 0, len(names))
	for _, name := range names {
		if !t.hasAttributes(name, keys[1:], attrs) {
			continue
		}
		found, ok, err := t.FindByName(name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, found)
		}
	}

	slices.SortFunc(out, func(a, b *tag.Tag) int {
		if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (t *txn) hasAttributes(name string, keys []string, attrs map[string]string) bool {
	for _, k := range keys {
		v, ok := t.tx.Get(attrKey(name, k))
		if !ok || string(v) != attrs[k] {
			return false
		}
	}
	return true
}

func (t *txn) scanRecent() ([]*tag.Tag, error) {
	var names []string
	var scanErr error
	err := t.tx.ScanPrefix(storage.EncodeKey(PREFIX_RECENCY, nil), func(key, _ []byte) bool {
		vals, err := storage.ExtractValues(key)
		if err != nil || len(vals) != 2 {
			scanErr = fmt.Errorf("decode recency key: %v", err)
			return false
		}
		names = append(names, vals[1].String())
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}

	out := make([]*tag.Tag, 0, len(names))
	for _, name := range names {
		found, ok, err := t.FindByName(name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, found)
		}
	}
	return out, nil
}

func (t *txn) Add(tg *tag.Tag) error {
	if t.tx.Has(tagKey(tg.Name)) {
		return fmt.Errorf("add %q: %w", tg.Name, index.ErrDuplicateName)
	}
	return t.write(tg)
}

func (t *txn) Edit(tg *tag.Tag) error {
	found, err := t.purge(tg.Name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("edit %q: %w", tg.Name, tag.ErrNotFound)
	}
	return t.write(tg)
}

func (t *txn) Delete(name string) (bool, error) {
	return t.purge(name)
}

func (t *txn) write(tg *tag.Tag) error {
	h, err := encodeHeader(tg)
	if err != nil {
		return fmt.Errorf("encode tag %q: %w", tg.Name, err)
	}
	if err := t.tx.Set(tagKey(tg.Name), h); err != nil {
		return fmt.Errorf("write tag %q: %w", tg.Name, err)
	}
	if err := t.tx.Set(recencyKey(tg.LastUpdated.UnixNano(), tg.Name), nil); err != nil {
		return fmt.Errorf("write recency of %q: %w", tg.Name, err)
	}

	for k, v := range tg.Attributes {
		if err := t.tx.Set(attrKey(tg.Name, k), []byte(v)); err != nil {
			return fmt.Errorf("write attribute %q of %q: %w", k, tg.Name, err)
		}
		if err := t.tx.Set(attrValueKey(k, v, tg.Name), nil); err != nil {
			return fmt.Errorf("index attribute %q of %q: %w", k, tg.Name, err)
		}
	}

	for i, c := range tg.Components {
		raw, err := encodeComponent(c)
		if err != nil {
			return fmt.Errorf("encode component %d of %q: %w", i, tg.Name, err)
		}
		if err := t.tx.Set(compKey(tg.Name, i), raw); err != nil {
			return fmt.Errorf("write component %d of %q: %w", i, tg.Name, err)
		}
	}
	return nil
}

// purge removes the record and every derived key for name
func (t *txn) purge(name string) (bool, error) {
	raw, ok := t.tx.Get(tagKey(name))
	if !ok {
		return false, nil
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return false, fmt.Errorf("decode tag %q: %w", name, err)
	}

	// Collect first; the tree must not change under a running scan
	var stale [][]byte
	var scanErr error
	err = t.tx.ScanPrefix(storage.EncodeKey(PREFIX_TAG_ATTR, []storage.Value{str(name)}), func(key, val []byte) bool {
		vals, derr := storage.ExtractValues(key)
		if derr != nil || len(vals) != 2 {
			scanErr = fmt.Errorf("decode attribute key of %q: %v", name, derr)
			return false
		}
		stale = append(stale, slices.Clone(key), attrValueKey(vals[1].String(), string(val), name))
		return true
	})
	if err != nil {
		return false, err
	}
	if scanErr != nil {
		return false, scanErr
	}

	for i := 0; i < int(h.Components); i++ {
		stale = append(stale, compKey(name, i))
	}
	stale = append(stale, recencyKey(h.LastUpdated, name), tagKey(name))

	for _, key := range stale {
		if _, err := t.tx.Del(key); err != nil {
			return false, fmt.Errorf("delete %q: %w", name, err)
		}
	}
	return true, nil
}
