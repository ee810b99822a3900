// ABOUTME: Tests for page recycling
// ABOUTME: In-memory list mechanics plus reuse and persistence through the KV file

package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPages backs a freeList with a slice of pages; page 0 is reserved
type memPages struct {
	pages [][]byte
}

func newMemList() (*freeList, *memPages) {
	m := &memPages{pages: [][]byte{nil}}
	fl := &freeList{
		read: func(ptr uint64) []byte { return m.pages[ptr] },
		append: func(page []byte) uint64 {
			m.pages = append(m.pages, page)
			return uint64(len(m.pages) - 1)
		},
		write: func(ptr uint64, page []byte) { m.pages[ptr] = page },
	}
	return fl, m
}

func TestFreeListPushPop(t *testing.T) {
	fl, _ := newMemList()
	assert.Zero(t, fl.pop(), "empty list")

	for ptr := uint64(100); ptr < 105; ptr++ {
		fl.push(ptr)
	}
	assert.Equal(t, 5, fl.len())
	assert.Zero(t, fl.pop(), "nothing committed yet")

	fl.freeze()
	for want := uint64(100); want < 105; want++ {
		assert.Equal(t, want, fl.pop())
	}
	assert.Zero(t, fl.pop())
	assert.Zero(t, fl.len())
}

func TestFreeListSpansNodes(t *testing.T) {
	fl, m := newMemList()
	n := freeNodeCap + 10
	for i := 0; i < n; i++ {
		fl.push(uint64(1000 + i))
	}
	require.Len(t, m.pages, 3, "reserved page plus two list nodes")
	assert.Equal(t, uint64(2), freeNode(m.pages[1]).next())

	fl.freeze()
	for i := 0; i < freeNodeCap; i++ {
		require.Equal(t, uint64(1000+i), fl.pop())
	}
	assert.Equal(t, uint64(2), fl.headPage, "head moves to the next node")
	// the exhausted node went back on the list
	assert.Equal(t, 11, fl.len())
}

func TestFreeListFence(t *testing.T) {
	fl, _ := newMemList()
	fl.push(7)
	fl.freeze()

	fl.push(8) // freed by the running write
	assert.Equal(t, uint64(7), fl.pop())
	assert.Zero(t, fl.pop(), "fenced page")

	fl.freeze()
	assert.Equal(t, uint64(8), fl.pop())
}

func TestFreeListRefillsDrainedNode(t *testing.T) {
	fl, m := newMemList()
	for i := 0; i < freeNodeCap; i++ {
		fl.push(uint64(1000 + i))
	}
	fl.freeze()
	for i := 0; i < freeNodeCap; i++ {
		require.Equal(t, uint64(1000+i), fl.pop())
	}
	require.Zero(t, fl.len())

	fl.push(42)
	require.Len(t, m.pages, 3)
	assert.Equal(t, uint64(2), fl.headPage)
	assert.Equal(t, 2, fl.len(), "the drained node is recycled too")

	fl.freeze()
	assert.Equal(t, uint64(42), fl.pop())
	assert.Equal(t, uint64(1), fl.pop())
}

func TestFreeListEncoding(t *testing.T) {
	fl, _ := newMemList()
	for ptr := uint64(1); ptr <= 3; ptr++ {
		fl.push(ptr + 10)
	}
	fl.freeze()

	var restored freeList
	restored.decode(fl.encode())
	assert.Equal(t, fl.headPage, restored.headPage)
	assert.Equal(t, fl.headSeq, restored.headSeq)
	assert.Equal(t, fl.tailPage, restored.tailPage)
	assert.Equal(t, fl.tailSeq, restored.tailSeq)
	assert.Equal(t, fl.fence, restored.fence)
}

func tagRecord(i int) (key, val []byte) {
	return []byte(fmt.Sprintf("tag/release-%03d", i)), []byte(fmt.Sprintf(`{"team":"t%03d"}`, i))
}

func TestFreeListSpaceReuse(t *testing.T) {
	db := &KV{Path: filepath.Join(t.TempDir(), "reuse.db")}
	require.NoError(t, db.Open())
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Set(tagRecord(i)))
	}
	for i := 0; i < 100; i += 2 {
		key, _ := tagRecord(i)
		_, err := db.Del(key)
		require.NoError(t, err)
	}
	require.NotZero(t, db.free.len(), "deletes free pages")
	pages := db.page.flushed

	for i := 100; i < 150; i++ {
		require.NoError(t, db.Set(tagRecord(i)))
	}
	assert.Less(t, db.page.flushed, pages+50, "freed pages are reused")

	for i := 1; i < 150; i++ {
		key, want := tagRecord(i)
		got, ok := db.Get(key)
		if i < 100 && i%2 == 0 {
			assert.False(t, ok, "%s was deleted", key)
			continue
		}
		require.True(t, ok, "%s missing", key)
		assert.Equal(t, want, got)
	}
}

func TestFreeListPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	db := &KV{Path: path}
	require.NoError(t, db.Open())
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Set(tagRecord(i)))
	}
	for i := 0; i < 25; i++ {
		key, _ := tagRecord(i)
		_, err := db.Del(key)
		require.NoError(t, err)
	}
	before := db.free.len()
	require.NoError(t, db.Close())

	db = &KV{Path: path}
	require.NoError(t, db.Open())
	defer db.Close()
	assert.Equal(t, before, db.free.len())
	assert.NotZero(t, db.free.len())

	for i := 50; i < 75; i++ {
		require.NoError(t, db.Set(tagRecord(i)))
	}
	for i := 25; i < 75; i++ {
		key, want := tagRecord(i)
		got, ok := db.Get(key)
		require.True(t, ok, "%s missing", key)
		assert.Equal(t, want, got)
	}
}
