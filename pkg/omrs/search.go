package omrs

// PropertyComparisonOperator is the operator of a PropertyCondition.
type PropertyComparisonOperator string

const (
	OperatorEQ      PropertyComparisonOperator = "EQ"
	OperatorNEQ     PropertyComparisonOperator = "NEQ"
	OperatorLT      PropertyComparisonOperator = "LT"
	OperatorLTE     PropertyComparisonOperator = "LTE"
	OperatorGT      PropertyComparisonOperator = "GT"
	OperatorGTE     PropertyComparisonOperator = "GTE"
	OperatorLike    PropertyComparisonOperator = "LIKE"
	OperatorIn      PropertyComparisonOperator = "IN"
	OperatorIsNull  PropertyComparisonOperator = "IS_NULL"
	OperatorNotNull PropertyComparisonOperator = "NOT_NULL"
)

// PropertyCondition is one leaf or nested branch of a SearchProperties tree.
// A condition with Nested set ignores its own property fields.
type PropertyCondition struct {
	Property string                     `json:"property,omitempty"`
	Operator PropertyComparisonOperator `json:"operator,omitempty"`
	Value    *PropertyValue             `json:"value,omitempty"`
	Nested   *SearchProperties          `json:"nestedConditions,omitempty"`
}

// SearchProperties combines property conditions.
type SearchProperties struct {
	Conditions    []PropertyCondition `json:"conditions"`
	MatchCriteria MatchCriteria       `json:"matchCriteria,omitempty"`
}

// ClassificationCondition matches a classification by name and optionally
// by its properties.
type ClassificationCondition struct {
	Name            string            `json:"name"`
	MatchProperties *SearchProperties `json:"matchProperties,omitempty"`
}

// SearchClassifications combines classification conditions.
type SearchClassifications struct {
	Conditions    []ClassificationCondition `json:"conditions"`
	MatchCriteria MatchCriteria             `json:"matchCriteria,omitempty"`
}
