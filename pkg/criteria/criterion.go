// ABOUTME: Component search criteria of the form repository:group:name [op version]
// ABOUTME: Parses the textual expression and matches it against tag components

package criteria

import (
	"regexp"
	"strings"

	"github.com/nainya/tagstore/pkg/tag"
)

var criterionPattern = regexp.MustCompile(
	`^(?P<repository>\S+):(?P<group>\S+)?:(?P<name>\S+)` +
		`(?P<versionexp>(\s+)(?P<operator>=|>=|=<|<|>)(\s+)(?P<version>\S+))?$`)

var (
	groupRepository = criterionPattern.SubexpIndex("repository")
	groupGroup      = criterionPattern.SubexpIndex("group")
	groupName       = criterionPattern.SubexpIndex("name")
	groupVersionExp = criterionPattern.SubexpIndex("versionexp")
	groupOperator   = criterionPattern.SubexpIndex("operator")
	groupVersion    = criterionPattern.SubexpIndex("version")
)

// Criterion selects components by identity and, optionally, by version.
// Group is nil when the expression has nothing between the two colons;
// such a criterion only matches components without a group.
type Criterion struct {
	Repository string
	Group      *string
	Name       string
	Operator   Operator
	Version    Version
}

// Parse builds a criterion from an expression such as "maven:com.acme:core >= 1.2".
// Malformed expressions yield an error wrapping tag.ErrInvalidExpression.
func Parse(expression string) (*Criterion, error) {
	m := criterionPattern.FindStringSubmatchIndex(expression)
	if m == nil {
		return nil, invalid(expression)
	}
	sub := func(i int) (string, bool) {
		if m[2*i] < 0 {
			return "", false
		}
		return expression[m[2*i]:m[2*i+1]], true
	}

	c := &Criterion{}
	c.Repository, _ = sub(groupRepository)
	c.Name, _ = sub(groupName)
	if g, ok := sub(groupGroup); ok {
		c.Group = tag.Group(g)
	}
	if _, ok := sub(groupVersionExp); ok {
		token, _ := sub(groupOperator)
		op, err := ParseOperator(token)
		if err != nil {
			return nil, invalid(expression)
		}
		value, _ := sub(groupVersion)
		c.Operator = op
		c.Version = ParseVersion(value)
	}
	return c, nil
}

// ParseAll parses every expression, failing on the first malformed one
func ParseAll(expressions []string) ([]*Criterion, error) {
	out := make([]*Criterion, 0, len(expressions))
	for _, e := range expressions {
		c, err := Parse(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Matchers adapts criteria for tag.Tag.Matches
func Matchers(cs []*Criterion) []tag.Matcher {
	out := make([]tag.Matcher, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}

// Matches reports whether the component has the criterion's repository,
// group and name and, when an operator is set, a version satisfying it.
func (c *Criterion) Matches(comp tag.Component) bool {
	return c.Repository == comp.Repository &&
		tag.GroupEqual(c.Group, comp.Group) &&
		c.Name == comp.Name &&
		(c.Operator == None || ParseVersion(comp.Version).Compare(c.Operator, c.Version))
}

// String renders the criterion back into expression form
func (c *Criterion) String() string {
	var b strings.Builder
	b.WriteString(c.Repository)
	b.WriteByte(':')
	if c.Group != nil {
		b.WriteString(*c.Group)
	}
	b.WriteByte(':')
	b.WriteString(c.Name)
	if c.Operator != None {
		b.WriteByte(' ')
		b.WriteString(c.Operator.String())
		b.WriteByte(' ')
		b.WriteString(c.Version.String())
	}
	return b.String()
}

func invalid(expression string) error {
	return &tag.ExpressionError{Kind: "component criterion", Input: expression}
}
