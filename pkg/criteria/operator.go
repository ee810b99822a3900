package criteria

import "fmt"

// Operator is a version comparison operator
type Operator uint8

const (
	// None means the criterion carries no version clause
	None Operator = iota
	EQ
	GT
	LT
	GTE
	LTE
)

var operatorTokens = map[string]Operator{
	"=":  EQ,
	">":  GT,
	"<":  LT,
	">=": GTE,
	"=<": LTE,
}

// ParseOperator maps an expression token to its operator. Note that
// less-or-equal is spelled "=<".
func ParseOperator(token string) (Operator, error) {
	op, ok := operatorTokens[token]
	if !ok {
		return None, fmt.Errorf("invalid operator: %q", token)
	}
	return op, nil
}

// String returns the expression token of the operator
func (op Operator) String() string {
	switch op {
	case EQ:
		return "="
	case GT:
		return ">"
	case LT:
		return "<"
	case GTE:
		return ">="
	case LTE:
		return "=<"
	default:
		return ""
	}
}
