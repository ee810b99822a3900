// ABOUTME: Component versions made of integers separated by '.' or '_'
// ABOUTME: Literal string equality and positional numeric ordering

package criteria

import (
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^(\d+)([._]\d+)*$`)

// Version is a raw version string together with its numeric key. The key
// is nil when the string is not a plain numeric version or a component
// overflows uint64; such versions only support equality.
type Version struct {
	value string
	key   []uint64
}

// ParseVersion derives the numeric key of value
func ParseVersion(value string) Version {
	v := Version{value: value}
	if !versionPattern.MatchString(value) {
		return v
	}
	parts := strings.FieldsFunc(value, func(r rune) bool { return r == '.' || r == '_' })
	key := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return v
		}
		key[i] = n
	}
	v.key = key
	return v
}

func (v Version) String() string {
	return v.value
}

// Numeric reports whether the version has a numeric key
func (v Version) Numeric() bool {
	return v.key != nil
}

// Compare evaluates "v op other". EQ compares the raw strings, so "1.0"
// does not equal "1.00". Ordering operators are false unless both sides
// are numeric.
func (v Version) Compare(op Operator, other Version) bool {
	if op != EQ && (!v.Numeric() || !other.Numeric()) {
		return false
	}
	switch op {
	case EQ:
		return v.value == other.value
	case GT:
		return v.compareKey(other) > 0
	case LT:
		return v.compareKey(other) < 0
	case GTE:
		return v.compareKey(other) >= 0
	case LTE:
		return v.compareKey(other) <= 0
	default:
		return false
	}
}

// compareKey orders keys position by position; a strict prefix sorts first
func (v Version) compareKey(other Version) int {
	n := min(len(v.key), len(other.key))
	for i := 0; i < n; i++ {
		switch {
		case v.key[i] < other.key[i]:
			return -1
		case v.key[i] > other.key[i]:
			return 1
		}
	}
	switch {
	case len(v.key) < len(other.key):
		return -1
	case len(v.key) > len(other.key):
		return 1
	}
	return 0
}
