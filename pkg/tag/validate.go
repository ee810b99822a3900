// ABOUTME: Structural validation of tag definitions and clone requests
// ABOUTME: Collects every violation, optionally confirming components exist externally

package tag

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Limits keep every derived storage key and value inside a single page
const (
	MaxNameLength           = 128
	MaxAttributeKeyLength   = 128
	MaxAttributeValueLength = 200
	MaxComponentFieldLength = 256
)

// ComponentLookup confirms that a referenced artifact exists in an external
// repository. An error means the lookup itself failed.
type ComponentLookup interface {
	ComponentExists(ctx context.Context, repository string, group *string, name, version string) (bool, error)
}

// Validate checks a definition and returns a *ValidationError listing every
// violation. When lookup is non-nil each structurally valid component is
// confirmed to exist; lookup failures are returned as-is.
func Validate(ctx context.Context, def *Definition, lookup ComponentLookup) error {
	var v violations

	switch {
	case strings.TrimSpace(def.Name) == "":
		v.add("name", "Tag name can't be blank/empty.")
	case len(def.Name) > MaxNameLength:
		v.add("name", fmt.Sprintf("Tag name can't be longer than %d bytes.", MaxNameLength))
	}

	if def.Attributes == nil {
		v.add("attributes", "Tag attributes can't be null.")
	}
	v.attributes("attributes", def.Attributes)

	if def.Components == nil {
		v.add("components", "Tag components can't be null.")
	}
	for i, c := range def.Components {
		field := fmt.Sprintf("components[%d]", i)
		before := len(v)
		if strings.TrimSpace(c.Repository) == "" {
			v.add(field+".repository", "Repository can't be blank.")
		}
		if strings.TrimSpace(c.Name) == "" {
			v.add(field+".name", "Components name can't be blank.")
		}
		v.length(field+".repository", c.Repository)
		if c.Group != nil {
			v.length(field+".group", *c.Group)
		}
		v.length(field+".name", c.Name)
		v.length(field+".version", c.Version)

		if lookup == nil || len(v) > before {
			continue
		}
		exists, err := lookup.ComponentExists(ctx, c.Repository, c.Group, c.Name, c.Version)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", c, err)
		}
		if !exists {
			v.add(field, "Associated component does not exists")
		}
	}

	return v.err()
}

// ValidateClone checks a clone request. Appending attributes may be empty
// but not nil.
func ValidateClone(sourceName, newName string, appending map[string]string) error {
	var v violations
	if strings.TrimSpace(sourceName) == "" {
		v.add("sourceName", "Source tag name can't be blank/empty.")
	}
	switch {
	case strings.TrimSpace(newName) == "":
		v.add("name", "Tag name can't be blank/empty.")
	case len(newName) > MaxNameLength:
		v.add("name", fmt.Sprintf("Tag name can't be longer than %d bytes.", MaxNameLength))
	}
	if appending == nil {
		v.add("appendingAttributes", "Appending attributes can't be null.")
	}
	v.attributes("appendingAttributes", appending)
	return v.err()
}

type violations []Violation

func (v *violations) add(field, msg string) {
	*v = append(*v, Violation{Field: field, Message: msg})
}

func (v *violations) attributes(field string, attrs map[string]string) {
	for _, key := range slices.Sorted(maps.Keys(attrs)) {
		switch {
		case key == "":
			v.add(field, "Attribute key can't be empty.")
		case len(key) > MaxAttributeKeyLength:
			v.add(field+"["+key+"]", fmt.Sprintf("Attribute key can't be longer than %d bytes.", MaxAttributeKeyLength))
		}
		if len(attrs[key]) > MaxAttributeValueLength {
			v.add(field+"["+key+"]", fmt.Sprintf("Attribute value can't be longer than %d bytes.", MaxAttributeValueLength))
		}
	}
}

func (v *violations) length(field, s string) {
	if len(s) > MaxComponentFieldLength {
		v.add(field, fmt.Sprintf("Can't be longer than %d bytes.", MaxComponentFieldLength))
	}
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Violations: v}
}
