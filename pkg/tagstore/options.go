package tagstore

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/tagstore/pkg/tag"
)

// DefaultMaxAttempts bounds how often AddOrUpdate retries after losing a
// create race
const DefaultMaxAttempts = 3

// Observer receives operation measurements. internal/metrics implements it.
type Observer interface {
	ObserveOperation(operation string, err error, duration time.Duration)
	ObserveSearch(results int)
	SetTagCount(n int)
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for mutations and lookups
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithObserver reports operation outcomes to obs
func WithObserver(obs Observer) Option {
	return func(s *Store) { s.obs = obs }
}

// WithComponentLookup confirms every component of a definition exists
// before it is stored
func WithComponentLookup(lookup tag.ComponentLookup) Option {
	return func(s *Store) { s.lookup = lookup }
}

// WithMaxAttempts sets the create race retry bound. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}
