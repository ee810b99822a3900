// Package indextest holds the behavioural test suite every index engine must pass.
package indextest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/tagstore/pkg/index"
	"github.com/nainya/tagstore/pkg/tag"
)

// Factory returns a fresh, empty index. The suite closes it.
type Factory func(t *testing.T) index.Index

var base = time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)

// Sample builds a tag updated offset after a fixed base time
func Sample(name string, offset time.Duration, attrs map[string]string) *tag.Tag {
	return &tag.Tag{
		Name:       name,
		Attributes: attrs,
		Components: []tag.Component{
			{Repository: "maven-releases", Group: tag.Group("com.acme"), Name: "core", Version: "1.2.0"},
			{Repository: "raw", Group: tag.Group(""), Name: "notes", Version: ""},
			{Repository: "npm", Name: "ui", Version: "4.0.1"},
		},
		FirstCreated: base,
		LastUpdated:  base.Add(offset),
	}
}

// Run executes the suite against engines produced by newIndex
func Run(t *testing.T, newIndex Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, open(t, newIndex)) })
	t.Run("DuplicateName", func(t *testing.T) { testDuplicateName(t, open(t, newIndex)) })
	t.Run("EditReplaces", func(t *testing.T) { testEditReplaces(t, open(t, newIndex)) })
	t.Run("EditMissing", func(t *testing.T) { testEditMissing(t, open(t, newIndex)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t, newIndex)) })
	t.Run("SearchOrder", func(t *testing.T) { testSearchOrder(t, open(t, newIndex)) })
	t.Run("SearchAttributes", func(t *testing.T) { testSearchAttributes(t, open(t, newIndex)) })
	t.Run("SearchQuotedValues", func(t *testing.T) { testSearchQuotedValues(t, open(t, newIndex)) })
	t.Run("UpdateRollback", func(t *testing.T) { testUpdateRollback(t, open(t, newIndex)) })
	t.Run("PanicReleases", func(t *testing.T) { testPanicReleases(t, open(t, newIndex)) })
	t.Run("CanceledContext", func(t *testing.T) { testCanceledContext(t, open(t, newIndex)) })
	t.Run("ConcurrentAdd", func(t *testing.T) { testConcurrentAdd(t, open(t, newIndex)) })
	t.Run("EditDeleteRace", func(t *testing.T) { testEditDeleteRace(t, open(t, newIndex)) })
}

func open(t *testing.T, newIndex Factory) index.Index {
	t.Helper()
	ix := newIndex(t)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func add(t *testing.T, ix index.Index, tags ...*tag.Tag) {
	t.Helper()
	err := ix.Update(context.Background(), func(w index.Writer) error {
		for _, tg := range tags {
			if err := w.Add(tg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func find(t *testing.T, ix index.Index, name string) (*tag.Tag, bool) {
	t.Helper()
	var got *tag.Tag
	var ok bool
	err := ix.View(context.Background(), func(r index.Reader) error {
		var err error
		got, ok, err = r.FindByName(name)
		return err
	})
	require.NoError(t, err)
	return got, ok
}

func search(t *testing.T, ix index.Index, attrs map[string]string) []string {
	t.Helper()
	var names []string
	err := ix.View(context.Background(), func(r index.Reader) error {
		tags, err := r.Search(attrs)
		for _, tg := range tags {
			names = append(names, tg.Name)
		}
		return err
	})
	require.NoError(t, err)
	return names
}

func testRoundTrip(t *testing.T, ix index.Index) {
	want := Sample("release-1", time.Minute, map[string]string{"env": "prod", "url": "http://a:b/c"})
	add(t, ix, want)

	got, ok := find(t, ix, "release-1")
	require.True(t, ok)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Attributes, got.Attributes)
	assert.Equal(t, want.Components, got.Components)
	assert.Nil(t, got.Components[2].Group, "absent group must stay absent")
	require.NotNil(t, got.Components[1].Group)
	assert.Equal(t, "", *got.Components[1].Group)
	assert.True(t, want.FirstCreated.Equal(got.FirstCreated))
	assert.True(t, want.LastUpdated.Equal(got.LastUpdated))

	empty := &tag.Tag{Name: "empty", Attributes: map[string]string{}, Components: []tag.Component{}, FirstCreated: base, LastUpdated: base}
	add(t, ix, empty)
	got, ok = find(t, ix, "empty")
	require.True(t, ok)
	assert.NotNil(t, got.Attributes)
	assert.NotNil(t, got.Components)
	assert.Empty(t, got.Components)

	_, ok = find(t, ix, "missing")
	assert.False(t, ok)

	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, ix.Ping(context.Background()))
}

func testDuplicateName(t *testing.T, ix index.Index) {
	add(t, ix, Sample("dup", 0, map[string]string{"a": "1"}))

	err := ix.Update(context.Background(), func(w index.Writer) error {
		return w.Add(Sample("dup", time.Second, map[string]string{"a": "2"}))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrDuplicateName)

	got, _ := find(t, ix, "dup")
	assert.Equal(t, "1", got.Attributes["a"])
}

func testEditReplaces(t *testing.T, ix index.Index) {
	add(t, ix, Sample("t", 0, map[string]string{"a": "1", "b": "2"}))

	edited := Sample("t", time.Hour, map[string]string{"b": "3", "c": "4"})
	edited.Components = edited.Components[:1]
	err := ix.Update(context.Background(), func(w index.Writer) error { return w.Edit(edited) })
	require.NoError(t, err)

	got, ok := find(t, ix, "t")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"b": "3", "c": "4"}, got.Attributes)
	assert.Len(t, got.Components, 1)
	assert.True(t, edited.LastUpdated.Equal(got.LastUpdated))

	// Old index entries are gone
	assert.Empty(t, search(t, ix, map[string]string{"a": "1"}))
	assert.Empty(t, search(t, ix, map[string]string{"b": "2"}))
	assert.Equal(t, []string{"t"}, search(t, ix, map[string]string{"b": "3"}))
	assert.Equal(t, []string{"t"}, search(t, ix, nil))
}

func testEditMissing(t *testing.T, ix index.Index) {
	err := ix.Update(context.Background(), func(w index.Writer) error {
		return w.Edit(Sample("ghost", 0, map[string]string{}))
	})
	assert.ErrorIs(t, err, tag.ErrNotFound)
}

func testDelete(t *testing.T, ix index.Index) {
	add(t, ix, Sample("a", 0, map[string]string{"k": "v"}), Sample("b", time.Second, map[string]string{"k": "v"}))

	var deleted bool
	err := ix.Update(context.Background(), func(w index.Writer) error {
		var err error
		deleted, err = w.Delete("a")
		return err
	})
	require.NoError(t, err)
	assert.True(t, deleted)

	err = ix.Update(context.Background(), func(w index.Writer) error {
		var err error
		deleted, err = w.Delete("a")
		return err
	})
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.Equal(t, []string{"b"}, search(t, ix, map[string]string{"k": "v"}))
	assert.Equal(t, []string{"b"}, search(t, ix, nil))

	// The name is free again
	add(t, ix, Sample("a", 2*time.Second, map[string]string{}))
	assert.Equal(t, []string{"a", "b"}, search(t, ix, nil))
}

func testSearchOrder(t *testing.T, ix index.Index) {
	add(t, ix,
		Sample("t1", 1*time.Second, map[string]string{}),
		Sample("t3", 3*time.Second, map[string]string{}),
		Sample("t2", 2*time.Second, map[string]string{}),
		Sample("tie-b", 2*time.Nanosecond, map[string]string{}),
		Sample("tie-a", 2*time.Nanosecond, map[string]string{}),
	)
	assert.Equal(t, []string{"t3", "t2", "t1", "tie-a", "tie-b"}, search(t, ix, map[string]string{}))
}

func testSearchAttributes(t *testing.T, ix index.Index) {
	add(t, ix,
		Sample("a", 1*time.Second, map[string]string{"env": "prod", "team": "core"}),
		Sample("b", 2*time.Second, map[string]string{"env": "prod", "team": "web"}),
		Sample("c", 3*time.Second, map[string]string{"env": "dev", "team": "core"}),
		Sample("d", 4*time.Second, map[string]string{"env": "prod"}),
	)

	assert.Equal(t, []string{"d", "b", "a"}, search(t, ix, map[string]string{"env": "prod"}))
	assert.Equal(t, []string{"a"}, search(t, ix, map[string]string{"env": "prod", "team": "core"}))
	assert.Equal(t, []string{"c", "a"}, search(t, ix, map[string]string{"team": "core"}))
	assert.Empty(t, search(t, ix, map[string]string{"env": "prod", "team": "none"}))
	assert.Empty(t, search(t, ix, map[string]string{"missing": "x"}))
	assert.Empty(t, search(t, ix, map[string]string{"env": "pro"}))
}

func testSearchQuotedValues(t *testing.T, ix index.Index) {
	tricky := []string{`it's`, `"quoted"`, `a' OR '1'='1`, `back\slash`, "ünïcode", "colon:in:value"}
	for i, v := range tricky {
		add(t, ix, Sample(fmt.Sprintf("t%d", i), time.Duration(i)*time.Second, map[string]string{"v": v}))
	}
	for i, v := range tricky {
		assert.Equal(t, []string{fmt.Sprintf("t%d", i)}, search(t, ix, map[string]string{"v": v}), v)
	}
}

func testUpdateRollback(t *testing.T, ix index.Index) {
	boom := errors.New("boom")
	err := ix.Update(context.Background(), func(w index.Writer) error {
		if err := w.Add(Sample("rolled-back", 0, map[string]string{"a": "1"})); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok := find(t, ix, "rolled-back")
	assert.False(t, ok)
	assert.Empty(t, search(t, ix, map[string]string{"a": "1"}))
}

func testPanicReleases(t *testing.T, ix index.Index) {
	func() {
		defer func() { _ = recover() }()
		_ = ix.Update(context.Background(), func(w index.Writer) error {
			_ = w.Add(Sample("panicked", 0, map[string]string{}))
			panic("handler bug")
		})
	}()

	// The transaction was released: later writers proceed
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := ix.Update(context.Background(), func(w index.Writer) error {
			return w.Add(Sample("after", 0, map[string]string{}))
		})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transaction handle leaked after panic")
	}

	_, ok := find(t, ix, "panicked")
	assert.False(t, ok)
}

func testCanceledContext(t *testing.T, ix index.Index) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := ix.View(ctx, func(index.Reader) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func testConcurrentAdd(t *testing.T, ix index.Index) {
	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, duplicates := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := ix.Update(context.Background(), func(w index.Writer) error {
				return w.Add(Sample("contended", time.Duration(i), map[string]string{"worker": fmt.Sprint(i)}))
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, index.ErrDuplicateName):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, duplicates)
	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// testEditDeleteRace runs editors and deleters against one tag. Exactly one
// delete wins, editors that lose see ErrNotFound, and nothing is left behind.
func testEditDeleteRace(t *testing.T, ix index.Index) {
	add(t, ix, Sample("contended", 0, map[string]string{"k": "v0"}))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	deleted, edited, missing := 0, 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				var ok bool
				err := ix.Update(context.Background(), func(w index.Writer) error {
					var err error
					ok, err = w.Delete("contended")
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					t.Errorf("delete: %v", err)
				} else if ok {
					deleted++
				}
				return
			}

			err := ix.Update(context.Background(), func(w index.Writer) error {
				return w.Edit(Sample("contended", time.Duration(i), map[string]string{"k": fmt.Sprint("v", i)}))
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				edited++
			case errors.Is(err, tag.ErrNotFound):
				missing++
			default:
				t.Errorf("edit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, deleted)
	assert.Equal(t, workers/2, edited+missing)

	_, ok := find(t, ix, "contended")
	assert.False(t, ok)
	assert.Empty(t, search(t, ix, nil))
	for i := 0; i < workers; i++ {
		assert.Empty(t, search(t, ix, map[string]string{"k": fmt.Sprint("v", i)}))
	}
	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
