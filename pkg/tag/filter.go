// ABOUTME: Decoding of key:value attribute filters
// ABOUTME: The first colon splits key from value; values may contain colons

package tag

import "strings"

// ParseAttributeFilters decodes filter items of the form key:value into an
// attribute map. Items without a colon or with an empty key are rejected
// with ErrInvalidExpression. Keys and values are trimmed; a later item
// overrides an earlier one with the same key.
func ParseAttributeFilters(items []string) (map[string]string, error) {
	attrs := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, ":")
		if !ok || key == "" {
			return nil, &ExpressionError{Kind: "attribute key value pair", Input: item}
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return attrs, nil
}
