package tag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type matchFunc func(Component) bool

func (f matchFunc) Matches(c Component) bool { return f(c) }

func nameIs(name string) Matcher {
	return matchFunc(func(c Component) bool { return c.Name == name })
}

func versionIs(name, version string) Matcher {
	return matchFunc(func(c Component) bool { return c.Name == name && c.Version == version })
}

func sampleTag() *Tag {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &Tag{
		Name:       "release-1",
		Attributes: map[string]string{"env": "prod", "build": "42"},
		Components: []Component{
			{Repository: "maven-releases", Group: Group("com.acme"), Name: "core", Version: "1.2.0"},
			{Repository: "maven-releases", Group: Group("com.acme"), Name: "core", Version: "1.3.0"},
			{Repository: "npm", Name: "ui", Version: "4.0.1"},
		},
		FirstCreated: now,
		LastUpdated:  now,
	}
}

func TestTagMatches(t *testing.T) {
	tg := sampleTag()

	tests := []struct {
		name     string
		matchers []Matcher
		want     bool
	}{
		{name: "empty set matches", matchers: nil, want: true},
		{name: "single match", matchers: []Matcher{nameIs("ui")}, want: true},
		{name: "no component matches", matchers: []Matcher{nameIs("missing")}, want: false},
		{name: "one of several versions", matchers: []Matcher{versionIs("core", "1.3.0")}, want: true},
		{name: "every criterion must match", matchers: []Matcher{nameIs("ui"), nameIs("missing")}, want: false},
		{name: "criteria may match the same component", matchers: []Matcher{nameIs("core"), versionIs("core", "1.2.0")}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tg.Matches(tt.matchers))
		})
	}

	empty := &Tag{Name: "empty", Attributes: map[string]string{}, Components: []Component{}}
	assert.True(t, empty.Matches(nil))
	assert.False(t, empty.Matches([]Matcher{nameIs("ui")}))
}

func TestTagCloneIsDeep(t *testing.T) {
	orig := sampleTag()
	cp := orig.Clone()

	require.Equal(t, orig, cp)

	cp.Attributes["env"] = "dev"
	cp.Components[0].Version = "9.9.9"
	*cp.Components[0].Group = "org.other"

	assert.Equal(t, "prod", orig.Attributes["env"])
	assert.Equal(t, "1.2.0", orig.Components[0].Version)
	assert.Equal(t, "com.acme", *orig.Components[0].Group)
}

func TestCloneNilCollections(t *testing.T) {
	cp := (&Tag{Name: "x"}).Clone()
	assert.NotNil(t, cp.Attributes)
	assert.NotNil(t, cp.Components)
}

func TestComponentEqual(t *testing.T) {
	base := Component{Repository: "r", Name: "n", Version: "1"}

	withEmpty := base
	withEmpty.Group = Group("")

	withGroup := base
	withGroup.Group = Group("g")

	assert.True(t, base.Equal(base))
	assert.False(t, base.Equal(withEmpty), "absent group must not equal empty group")
	assert.True(t, withEmpty.Equal(Component{Repository: "r", Group: Group(""), Name: "n", Version: "1"}))
	assert.False(t, withGroup.Equal(withEmpty))

	otherVersion := base
	otherVersion.Version = "2"
	assert.False(t, base.Equal(otherVersion))
}

func TestDefinitionNormalize(t *testing.T) {
	def := &Definition{Name: "x"}
	norm := def.Normalize()
	assert.NotNil(t, norm.Attributes)
	assert.NotNil(t, norm.Components)

	g := "g"
	def = &Definition{
		Name:       "x",
		Attributes: map[string]string{"a": "1"},
		Components: []Component{{Repository: "r", Group: &g, Name: "n"}},
	}
	norm = def.Normalize()
	g = "changed"
	def.Attributes["a"] = "2"
	assert.Equal(t, "g", *norm.Components[0].Group)
	assert.Equal(t, "1", norm.Attributes["a"])
}

func TestParseAttributeFilters(t *testing.T) {
	attrs, err := ParseAttributeFilters([]string{"env:prod", " build : 42 ", "url:http://host:8080/x", "empty:"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"env":   "prod",
		"build": "42",
		"url":   "http://host:8080/x",
		"empty": "",
	}, attrs)

	attrs, err = ParseAttributeFilters(nil)
	require.NoError(t, err)
	assert.Empty(t, attrs)

	// only an empty key is rejected; a blank one trims to ""
	attrs, err = ParseAttributeFilters([]string{" :v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"": "v"}, attrs)

	for _, bad := range []string{"nocolon", ":value", ""} {
		_, err := ParseAttributeFilters([]string{"ok:1", bad})
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, ErrInvalidExpression)

		var exprErr *ExpressionError
		require.True(t, errors.As(err, &exprErr))
		assert.Equal(t, bad, exprErr.Input)
		assert.Contains(t, err.Error(), "attribute key value pair")
	}
}

type fakeLookup struct {
	known map[string]bool
	err   error
	calls int
}

func (f *fakeLookup) ComponentExists(_ context.Context, repository string, _ *string, name, version string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.known[repository+"/"+name+"/"+version], nil
}

func TestValidateCollectsAllViolations(t *testing.T) {
	def := &Definition{
		Name:       "  ",
		Attributes: nil,
		Components: []Component{
			{Repository: "", Name: ""},
			{Repository: "r", Name: "n", Version: strings.Repeat("v", MaxComponentFieldLength+1)},
		},
	}

	err := Validate(context.Background(), def, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	fields := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, v.Field)
	}
	assert.Equal(t, []string{
		"name",
		"attributes",
		"components[0].repository",
		"components[0].name",
		"components[1].version",
	}, fields)
}

func TestValidateLimits(t *testing.T) {
	def := &Definition{
		Name: strings.Repeat("n", MaxNameLength+1),
		Attributes: map[string]string{
			strings.Repeat("k", MaxAttributeKeyLength+1): "v",
			"ok": strings.Repeat("v", MaxAttributeValueLength+1),
			"":   "empty key",
		},
		Components: []Component{},
	}

	err := Validate(context.Background(), def, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 4)

	def = &Definition{
		Name:       strings.Repeat("n", MaxNameLength),
		Attributes: map[string]string{strings.Repeat("k", MaxAttributeKeyLength): strings.Repeat("v", MaxAttributeValueLength)},
		Components: []Component{},
	}
	assert.NoError(t, Validate(context.Background(), def, nil))
}

func TestValidateWithLookup(t *testing.T) {
	lookup := &fakeLookup{known: map[string]bool{"r/n/1": true}}
	def := &Definition{
		Name:       "t",
		Attributes: map[string]string{},
		Components: []Component{
			{Repository: "r", Name: "n", Version: "1"},
			{Repository: "r", Name: "n", Version: "2"},
			{Repository: "", Name: "n"},
		},
	}

	err := Validate(context.Background(), def, lookup)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []Violation{
		{Field: "components[1]", Message: "Associated component does not exists"},
		{Field: "components[2].repository", Message: "Repository can't be blank."},
	}, verr.Violations)

	// Structurally invalid components are not looked up
	assert.Equal(t, 2, lookup.calls)

	boom := errors.New("connection refused")
	err = Validate(context.Background(), def, &fakeLookup{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrValidationFailed)
}

func TestValidateClone(t *testing.T) {
	assert.NoError(t, ValidateClone("src", "dst", map[string]string{}))

	err := ValidateClone(" ", "", nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 3)
}
