package structural

// Operator is a comparison operator for filtering.
type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "lte"
	// OpPrefix matches string values starting with Value.
	OpPrefix Operator = "prefix"
	// OpIn matches any of Values.
	OpIn Operator = "in"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual, OpPrefix, OpIn:
		return true
	default:
		return false
	}
}

// Filter is a single field condition. Value holds the operand of every operator
// except OpIn, which uses Values.
type Filter struct {
	Field    string
	Operator Operator
	Value    any
	Values   []any
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Operator: OpEqual, Value: value}
}

// In is shorthand for a membership filter.
func In(field string, values ...any) Filter {
	return Filter{Field: field, Operator: OpIn, Values: values}
}
