// ABOUTME: Persistence contract for tag records shared by the storage engines
// ABOUTME: Scoped read and write transactions over a unique-name, attribute-indexed store

// Package index defines how tag records are persisted and searched.
//
// Engines keep a unique index on the tag name and an equality index on every
// attribute key/value pair. Search results are ordered by LastUpdated
// descending, ties broken by name ascending.
package index

import (
	"context"
	"errors"

	"github.com/nainya/tagstore/pkg/tag"
)

// ErrDuplicateName is returned by Writer.Add when a live tag already has the name
var ErrDuplicateName = errors.New("index: duplicate tag name")

// Reader is the read side of a transaction
type Reader interface {
	// FindByName returns the live tag with the given name. ok is false when
	// there is none.
	FindByName(name string) (t *tag.Tag, ok bool, err error)

	// Search returns the tags carrying every given attribute pair. An empty
	// map returns every tag.
	Search(attrs map[string]string) ([]*tag.Tag, error)
}

// Writer is the read-write side of a transaction
type Writer interface {
	Reader

	// Add persists a new tag, failing with ErrDuplicateName when the name is taken
	Add(t *tag.Tag) error

	// Edit replaces the stored record with the same name
	Edit(t *tag.Tag) error

	// Delete removes the tag, reporting whether it existed
	Delete(name string) (bool, error)
}

// Index is a tag persistence engine. View and Update run fn in a
// transaction scoped to the call; the transaction is released on every exit
// path. Update commits only when fn returns nil.
type Index interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(w Writer) error) error

	// Count returns the number of live tags
	Count(ctx context.Context) (int, error)

	// Ping checks that the engine is usable
	Ping(ctx context.Context) error

	Close() error
}
