// ABOUTME: Tag record model: attributes, associated components and timestamps
// ABOUTME: Deep copy for cloning and criteria matching over the component list

package tag

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Component references an artifact by repository, optional group, name
// and optional version. A nil Group is distinct from an empty one; an
// absent Version is stored as "".
type Component struct {
	Repository string  `json:"repository"`
	Group      *string `json:"group"`
	Name       string  `json:"name"`
	Version    string  `json:"version,omitempty"`
}

// Equal compares all four fields; nil groups equal only nil groups
func (c Component) Equal(o Component) bool {
	return c.Repository == o.Repository &&
		GroupEqual(c.Group, o.Group) &&
		c.Name == o.Name &&
		c.Version == o.Version
}

func (c Component) String() string {
	group := "<none>"
	if c.Group != nil {
		group = *c.Group
	}
	return fmt.Sprintf("%s:%s:%s@%s", c.Repository, group, c.Name, c.Version)
}

// GroupEqual compares optional groups: absent equals only absent
func GroupEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Group returns a pointer to a copy of g for building components
func Group(g string) *string {
	return &g
}

// Definition is the caller supplied content of a tag
type Definition struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
	Components []Component       `json:"components"`
}

// Tag is a persisted tag record
type Tag struct {
	Name         string            `json:"name"`
	Attributes   map[string]string `json:"attributes"`
	Components   []Component       `json:"components"`
	FirstCreated time.Time         `json:"firstCreated"`
	LastUpdated  time.Time         `json:"lastUpdated"`
}

// Matcher decides whether a single component satisfies a criterion
type Matcher interface {
	Matches(c Component) bool
}

// Matches reports whether every matcher accepts at least one component.
// An empty matcher set matches any tag.
func (t *Tag) Matches(matchers []Matcher) bool {
	for _, m := range matchers {
		if !slices.ContainsFunc(t.Components, m.Matches) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the tag
func (t *Tag) Clone() *Tag {
	out := *t
	out.Attributes = maps.Clone(t.Attributes)
	if out.Attributes == nil {
		out.Attributes = map[string]string{}
	}
	out.Components = make([]Component, len(t.Components))
	for i, c := range t.Components {
		out.Components[i] = c.clone()
	}
	return &out
}

// Definition returns the caller-visible content of the tag
func (t *Tag) Definition() *Definition {
	c := t.Clone()
	return &Definition{Name: c.Name, Attributes: c.Attributes, Components: c.Components}
}

// Normalize returns a copy of the definition with nil collections replaced
// by empty ones and groups copied so later mutation by the caller is not
// observed.
func (d *Definition) Normalize() *Definition {
	out := &Definition{Name: d.Name, Attributes: maps.Clone(d.Attributes)}
	if out.Attributes == nil {
		out.Attributes = map[string]string{}
	}
	out.Components = make([]Component, len(d.Components))
	for i, c := range d.Components {
		out.Components[i] = c.clone()
	}
	return out
}

func (c Component) clone() Component {
	if c.Group != nil {
		c.Group = Group(*c.Group)
	}
	return c
}
