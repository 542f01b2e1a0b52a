// Package logic contains the pure filter evaluation used to decide whether a
// playback event is forwarded downstream.
// This package has NO external dependencies (no network, MQTT, OS, or time).
package logic

// ValueType selects how both sides of a comparison are coerced before the
// operator is applied.
type ValueType string

const (
	TypeString  ValueType = "str"
	TypeNumber  ValueType = "num"
	TypeBool    ValueType = "bool"
	TypeDefault ValueType = "default"
)

// Operator is a comparison applied as `filter.Value <op> sessionValue`.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
)

// Valid reports whether op is one of the known operators.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// FilterSpec is a single predicate loaded from configuration.
type FilterSpec struct {
	// Key is a dot-separated path into the session record, e.g. "Player.state".
	Key string `mapstructure:"key" json:"key"`
	// Value is the literal compared against the resolved session value.
	Value any `mapstructure:"value" json:"value"`
	// ValueType is one of str, num, bool; anything else means no coercion.
	ValueType ValueType `mapstructure:"value_type" json:"valueType"`
	Operator  Operator  `mapstructure:"operator" json:"operator"`
	// Idx orders evaluation.
	Idx int `mapstructure:"idx" json:"idx"`
}

// Result records the outcome of one filter during evaluation.
type Result struct {
	Filter  FilterSpec
	Session any // resolved session value after coercion
	Literal any // filter value after coercion
	Matched bool
}
