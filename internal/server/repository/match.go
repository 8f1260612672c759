package repository

import (
	"regexp"

	"github.com/systemshift/omrs/pkg/omrs"
)

type propertyMatcher = func(*omrs.InstanceProperties) bool

func matchAny(*omrs.InstanceProperties) bool { return true }

// combine joins the results of several matchers under criteria. ALL is the
// default.
func combine[T any](matchers []func(T) bool, criteria omrs.MatchCriteria) (func(T) bool, error) {
	switch criteria {
	case "", omrs.MatchAll, omrs.MatchAny, omrs.MatchNone:
	default:
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-063", "unknown match criteria %s", criteria)
	}
	if len(matchers) == 0 {
		return func(T) bool { return true }, nil
	}
	return func(in T) bool {
		for _, m := range matchers {
			ok := m(in)
			switch {
			case criteria == omrs.MatchAny && ok:
				return true
			case criteria == omrs.MatchNone && ok:
				return false
			case (criteria == "" || criteria == omrs.MatchAll) && !ok:
				return false
			}
		}
		return criteria != omrs.MatchAny
	}, nil
}

func compileRegexp(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-061",
			"search criteria %q is not a valid regular expression", pattern).WithCause(err)
	}
	return re, nil
}

// compileSearchProperties builds a matcher for a condition tree. A nil
// tree matches everything.
func compileSearchProperties(sp *omrs.SearchProperties) (propertyMatcher, error) {
	if sp == nil {
		return matchAny, nil
	}
	matchers := make([]propertyMatcher, 0, len(sp.Conditions))
	for _, c := range sp.Conditions {
		m, err := compileCondition(c)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return combine(matchers, sp.MatchCriteria)
}

func compileCondition(c omrs.PropertyCondition) (propertyMatcher, error) {
	if c.Nested != nil {
		return compileSearchProperties(c.Nested)
	}
	if c.Property == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-064", "property condition names no property")
	}
	name := c.Property
	switch c.Operator {
	case omrs.OperatorIsNull:
		return func(p *omrs.InstanceProperties) bool { return isNull(p, name) }, nil
	case omrs.OperatorNotNull:
		return func(p *omrs.InstanceProperties) bool { return !isNull(p, name) }, nil
	}
	if c.Value == nil {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-064",
			"condition %s on %s needs a value", c.Operator, name)
	}
	want := *c.Value

	var test func(omrs.PropertyValue) bool
	switch c.Operator {
	case omrs.OperatorEQ, "":
		test = func(v omrs.PropertyValue) bool { return sameValue(v, want) }
	case omrs.OperatorNEQ:
		test = func(v omrs.PropertyValue) bool { return !sameValue(v, want) }
	case omrs.OperatorLT:
		test = func(v omrs.PropertyValue) bool { return omrs.CompareValues(v, want) < 0 }
	case omrs.OperatorLTE:
		test = func(v omrs.PropertyValue) bool { return omrs.CompareValues(v, want) <= 0 }
	case omrs.OperatorGT:
		test = func(v omrs.PropertyValue) bool { return omrs.CompareValues(v, want) > 0 }
	case omrs.OperatorGTE:
		test = func(v omrs.PropertyValue) bool { return omrs.CompareValues(v, want) >= 0 }
	case omrs.OperatorLike:
		re, err := compileRegexp(want.String())
		if err != nil {
			return nil, err
		}
		test = func(v omrs.PropertyValue) bool { return re.MatchString(v.String()) }
	case omrs.OperatorIn:
		if want.Category != omrs.PropertyArray {
			return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-064",
				"condition IN on %s needs an array value", name)
		}
		test = func(v omrs.PropertyValue) bool {
			for _, e := range want.Elements {
				if sameValue(v, e) {
					return true
				}
			}
			return false
		}
	default:
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-064",
			"unknown comparison operator %s", c.Operator)
	}
	return func(p *omrs.InstanceProperties) bool {
		v, ok := p.Get(name)
		return ok && test(v)
	}, nil
}

func isNull(p *omrs.InstanceProperties, name string) bool {
	v, ok := p.Get(name)
	return !ok || v.Category == omrs.PropertyPrimitive && v.Primitive == nil
}

// sameValue compares primitives by value so that an int matches an equal
// long, and everything else structurally.
func sameValue(a, b omrs.PropertyValue) bool {
	if a.Category == omrs.PropertyPrimitive && b.Category == omrs.PropertyPrimitive {
		return omrs.CompareValues(a, b) == 0
	}
	if a.Category == omrs.PropertyEnum && b.Category == omrs.PropertyEnum {
		return a.Ordinal == b.Ordinal || a.SymbolicName != "" && a.SymbolicName == b.SymbolicName
	}
	return a.Equal(b)
}

// compileSearchClassifications builds a matcher over the classifications
// of an entity.
func compileSearchClassifications(sc *omrs.SearchClassifications) (func([]omrs.Classification) bool, error) {
	if sc == nil {
		return func([]omrs.Classification) bool { return true }, nil
	}
	matchers := make([]func([]omrs.Classification) bool, 0, len(sc.Conditions))
	for _, c := range sc.Conditions {
		if c.Name == "" {
			return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-064", "classification condition names no classification")
		}
		props, err := compileSearchProperties(c.MatchProperties)
		if err != nil {
			return nil, err
		}
		name := c.Name
		matchers = append(matchers, func(all []omrs.Classification) bool {
			for _, cls := range all {
				if cls.Name == name && props(cls.Properties) {
					return true
				}
			}
			return false
		})
	}
	return combine(matchers, sc.MatchCriteria)
}

// compileExactMatch matches instances whose properties equal every supplied
// value, combined by criteria. Nested values are compared structurally.
func compileExactMatch(want *omrs.InstanceProperties, criteria omrs.MatchCriteria) (propertyMatcher, error) {
	matchers := make([]propertyMatcher, 0, want.Len())
	for _, name := range want.Names() {
		v, _ := want.Get(name)
		matchers = append(matchers, func(p *omrs.InstanceProperties) bool {
			got, ok := p.Get(name)
			return ok && sameValue(got, v)
		})
	}
	return combine(matchers, criteria)
}

// compileValueMatch matches instances with any primitive or enum value,
// at any depth, matching the regular expression.
func compileValueMatch(criteria string) (propertyMatcher, error) {
	if criteria == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no search criteria supplied")
	}
	re, err := compileRegexp(criteria)
	if err != nil {
		return nil, err
	}
	return func(p *omrs.InstanceProperties) bool {
		for _, name := range p.Names() {
			v, _ := p.Get(name)
			if valueMatches(re, v) {
				return true
			}
		}
		return false
	}, nil
}

func valueMatches(re *regexp.Regexp, v omrs.PropertyValue) bool {
	switch v.Category {
	case omrs.PropertyArray:
		for _, e := range v.Elements {
			if valueMatches(re, e) {
				return true
			}
		}
		return false
	case omrs.PropertyStruct, omrs.PropertyMap:
		for _, name := range v.Fields.Names() {
			f, _ := v.Fields.Get(name)
			if valueMatches(re, f) {
				return true
			}
		}
		return false
	}
	return re.MatchString(v.String())
}
