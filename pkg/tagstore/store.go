// ABOUTME: Transactional tag store facade over a persistence index
// ABOUTME: Owns timestamp discipline, existence conflicts and criteria filtering

package tagstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/tagstore/pkg/criteria"
	"github.com/nainya/tagstore/pkg/index"
	"github.com/nainya/tagstore/pkg/tag"
)

// Operation names reported to the Observer
const (
	OpGet         = "get"
	OpSearch      = "search"
	OpAddOrUpdate = "add_or_update"
	OpDelete      = "delete"
	OpClone       = "clone"
)

// Store runs every tag operation in a transaction scoped to the call
type Store struct {
	ix          index.Index
	now         func() time.Time
	log         zerolog.Logger
	obs         Observer
	lookup      tag.ComponentLookup
	maxAttempts int
}

// New creates a store over ix. The store does not own ix; closing it is
// left to the caller.
func New(ix index.Index, opts ...Option) *Store {
	s := &Store{
		ix:          ix,
		now:         time.Now,
		log:         zerolog.Nop(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Index returns the underlying persistence engine
func (s *Store) Index() index.Index {
	return s.ix
}

// GetByName returns the live tag with the given name
func (s *Store) GetByName(ctx context.Context, name string) (_ *tag.Tag, err error) {
	defer s.observe(OpGet, time.Now(), &err)

	var out *tag.Tag
	err = s.ix.View(ctx, func(r index.Reader) error {
		t, ok, err := r.FindByName(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("get %q: %w", name, tag.ErrNotFound)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("tag", name).Msg("Tag fetched")
	return out, nil
}

// Search returns the tags carrying every attribute pair whose components
// satisfy every criterion, most recently updated first
func (s *Store) Search(ctx context.Context, attrs map[string]string, cs []*criteria.Criterion) (_ []*tag.Tag, err error) {
	defer s.observe(OpSearch, time.Now(), &err)

	var candidates []*tag.Tag
	err = s.ix.View(ctx, func(r index.Reader) error {
		var err error
		candidates, err = r.Search(attrs)
		return err
	})
	if err != nil {
		return nil, err
	}

	matchers := criteria.Matchers(cs)
	out := make([]*tag.Tag, 0, len(candidates))
	for _, t := range candidates {
		if t.Matches(matchers) {
			out = append(out, t)
		}
	}

	s.log.Debug().
		Int("attributes", len(attrs)).
		Int("criteria", len(cs)).
		Int("candidates", len(candidates)).
		Int("results", len(out)).
		Msg("Tags searched")
	if s.obs != nil {
		s.obs.ObserveSearch(len(out))
	}
	return out, nil
}

// Query parses "key:value" attribute filters and criterion expressions,
// then searches
func (s *Store) Query(ctx context.Context, attributeFilters, expressions []string) ([]*tag.Tag, error) {
	attrs, err := tag.ParseAttributeFilters(attributeFilters)
	if err != nil {
		return nil, err
	}
	cs, err := criteria.ParseAll(expressions)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, attrs, cs)
}

// AddOrUpdate creates the tag or replaces its attributes and components.
// A create that loses a race against a concurrent creator is retried as an
// update.
func (s *Store) AddOrUpdate(ctx context.Context, def *tag.Definition) (_ *tag.Tag, err error) {
	defer s.observe(OpAddOrUpdate, time.Now(), &err)

	if def == nil {
		return nil, &tag.ValidationError{Violations: []tag.Violation{{Field: "tag", Message: "Tag can't be null."}}}
	}
	if err := tag.Validate(ctx, def, s.lookup); err != nil {
		return nil, err
	}
	def = def.Normalize()

	for attempt := 1; ; attempt++ {
		out, created, err := s.upsert(ctx, def)
		if err == nil {
			op := "update"
			if created {
				op = "create"
				s.refreshCount(ctx)
			}
			s.log.Info().Str("tag", def.Name).Str("operation", op).Int("attempt", attempt).Msg("Tag stored")
			return out, nil
		}
		if !errors.Is(err, index.ErrDuplicateName) || attempt >= s.maxAttempts {
			return nil, err
		}
		s.log.Debug().Str("tag", def.Name).Int("attempt", attempt).Msg("Create raced, retrying as update")
	}
}

func (s *Store) upsert(ctx context.Context, def *tag.Definition) (out *tag.Tag, created bool, err error) {
	err = s.ix.Update(ctx, func(w index.Writer) error {
		existing, ok, err := w.FindByName(def.Name)
		if err != nil {
			return err
		}

		now := s.timestamp()
		if !ok {
			t := &tag.Tag{
				Name:         def.Name,
				Attributes:   def.Attributes,
				Components:   def.Components,
				FirstCreated: now,
				LastUpdated:  now,
			}
			if err := w.Add(t); err != nil {
				return err
			}
			out, created = t, true
			return nil
		}

		existing.Attributes = def.Attributes
		existing.Components = def.Components
		existing.LastUpdated = later(now, existing.FirstCreated)
		if err := w.Edit(existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out.Clone(), created, nil
}

// Delete removes the tag with the given name
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	defer s.observe(OpDelete, time.Now(), &err)

	err = s.ix.Update(ctx, func(w index.Writer) error {
		ok, err := w.Delete(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("delete %q: %w", name, tag.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("tag", name).Str("operation", "delete").Msg("Tag deleted")
	s.refreshCount(ctx)
	return nil
}

// CloneExisting stores a deep copy of sourceName under newName with
// appending overlaid on the copied attributes. The clone gets fresh
// timestamps.
func (s *Store) CloneExisting(ctx context.Context, sourceName, newName string, appending map[string]string) (_ *tag.Tag, err error) {
	defer s.observe(OpClone, time.Now(), &err)

	if err := tag.ValidateClone(sourceName, newName, appending); err != nil {
		return nil, err
	}

	var out *tag.Tag
	err = s.ix.Update(ctx, func(w index.Writer) error {
		src, ok, err := w.FindByName(sourceName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("clone source %q: %w", sourceName, tag.ErrNotFound)
		}

		_, taken, err := w.FindByName(newName)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("clone target %q: %w", newName, tag.ErrAlreadyExists)
		}

		clone := src.Clone()
		clone.Name = newName
		maps.Copy(clone.Attributes, appending)
		now := s.timestamp()
		clone.FirstCreated, clone.LastUpdated = now, now

		if err := w.Add(clone); err != nil {
			if errors.Is(err, index.ErrDuplicateName) {
				return fmt.Errorf("clone target %q: %w", newName, tag.ErrAlreadyExists)
			}
			return err
		}
		out = clone
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("tag", newName).Str("source", sourceName).Str("operation", "clone").Msg("Tag cloned")
	s.refreshCount(ctx)
	return out.Clone(), nil
}

// Count returns the number of live tags
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.ix.Count(ctx)
}

// timestamp is the clock reading in UTC without a monotonic component, so it
// compares equal to what the engines read back
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Round(0)
}

func later(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func (s *Store) observe(op string, start time.Time, err *error) {
	if s.obs != nil {
		s.obs.ObserveOperation(op, *err, time.Since(start))
	}
}

func (s *Store) refreshCount(ctx context.Context) {
	if s.obs == nil {
		return
	}
	n, err := s.ix.Count(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to count tags")
		return
	}
	s.obs.SetTagCount(n)
}
