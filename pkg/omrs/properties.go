package omrs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// PropertyCategory is the discriminant of a PropertyValue.
type PropertyCategory string

const (
	PropertyPrimitive PropertyCategory = "PRIMITIVE"
	PropertyEnum      PropertyCategory = "ENUM"
	PropertyStruct    PropertyCategory = "STRUCT"
	PropertyArray     PropertyCategory = "ARRAY"
	PropertyMap       PropertyCategory = "MAP"
)

// PropertyValue is a typed instance property value. Exactly the fields of
// its Category are meaningful.
type PropertyValue struct {
	Category PropertyCategory `json:"instancePropertyCategory"`
	TypeName string           `json:"typeName,omitempty"`

	PrimitiveKind PrimitiveKind `json:"primitiveDefCategory,omitempty"`
	Primitive     any           `json:"primitiveValue,omitempty"`

	Ordinal      int    `json:"ordinal,omitempty"`
	SymbolicName string `json:"symbolicName,omitempty"`

	// Fields holds struct attributes and map entries.
	Fields *InstanceProperties `json:"attributes,omitempty"`
	// Elements holds array values in order.
	Elements []PropertyValue `json:"arrayValues,omitempty"`
}

// String returns a string primitive value.
func String(v string) PropertyValue {
	return PropertyValue{Category: PropertyPrimitive, PrimitiveKind: PrimitiveString, Primitive: v}
}

// Int returns an int primitive value.
func Int(v int) PropertyValue {
	return PropertyValue{Category: PropertyPrimitive, PrimitiveKind: PrimitiveInt, Primitive: int64(v)}
}

// Long returns a long primitive value.
func Long(v int64) PropertyValue {
	return PropertyValue{Category: PropertyPrimitive, PrimitiveKind: PrimitiveLong, Primitive: v}
}

// Double returns a double primitive value.
func Double(v float64) PropertyValue {
	return PropertyValue{Category: PropertyPrimitive, PrimitiveKind: PrimitiveDouble, Primitive: v}
}

// Bool returns a boolean primitive value.
func Bool(v bool) PropertyValue {
	return PropertyValue{Category: PropertyPrimitive, PrimitiveKind: PrimitiveBoolean, Primitive: v}
}

// Date returns a date primitive value.
func Date(v time.Time) PropertyValue {
	return PropertyValue{Category: PropertyPrimitive, PrimitiveKind: PrimitiveDate, Primitive: v.UTC()}
}

// Enum returns an enum value.
func Enum(typeName string, ordinal int, symbolic string) PropertyValue {
	return PropertyValue{Category: PropertyEnum, TypeName: typeName, Ordinal: ordinal, SymbolicName: symbolic}
}

// Struct returns a struct value.
func Struct(typeName string, fields *InstanceProperties) PropertyValue {
	return PropertyValue{Category: PropertyStruct, TypeName: typeName, Fields: fields}
}

// Map returns a map value.
func Map(typeName string, entries *InstanceProperties) PropertyValue {
	return PropertyValue{Category: PropertyMap, TypeName: typeName, Fields: entries}
}

// Array returns an array value.
func Array(typeName string, elements ...PropertyValue) PropertyValue {
	return PropertyValue{Category: PropertyArray, TypeName: typeName, Elements: elements}
}

// UnmarshalJSON restores the Go type of primitive values, which JSON
// otherwise flattens to float64 and string.
func (v *PropertyValue) UnmarshalJSON(data []byte) error {
	type plain PropertyValue
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = PropertyValue(p)
	if v.Category != PropertyPrimitive || v.Primitive == nil {
		return nil
	}
	norm, err := NormalizePrimitive(v.PrimitiveKind, v.Primitive)
	if err != nil {
		return err
	}
	v.Primitive = norm
	return nil
}

// NormalizePrimitive converts raw into the canonical Go representation of
// kind: bool, int64, float64, string or time.Time.
func NormalizePrimitive(kind PrimitiveKind, raw any) (any, error) {
	switch kind {
	case PrimitiveBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case PrimitiveInt, PrimitiveLong:
		switch n := raw.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case json.Number:
			return n.Int64()
		}
	case PrimitiveFloat, PrimitiveDouble:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case PrimitiveString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case PrimitiveDate:
		switch t := raw.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("parsing date value: %w", err)
			}
			return parsed.UTC(), nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a valid %s", raw, raw, kind)
}

// String renders the value for regex matching and logging.
func (v PropertyValue) String() string {
	switch v.Category {
	case PropertyPrimitive:
		switch p := v.Primitive.(type) {
		case string:
			return p
		case time.Time:
			return p.Format(time.RFC3339Nano)
		case nil:
			return ""
		default:
			return fmt.Sprint(p)
		}
	case PropertyEnum:
		return v.SymbolicName
	case PropertyArray:
		parts := make([]string, len(v.Elements))
		for i, e := range v.Elements {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		parts := make([]string, 0, v.Fields.Len())
		for _, name := range v.Fields.Names() {
			f, _ := v.Fields.Get(name)
			parts = append(parts, name+"="+f.String())
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
}

// Equal reports whether two values are structurally identical.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if v.Category != o.Category || v.TypeName != o.TypeName {
		return false
	}
	switch v.Category {
	case PropertyPrimitive:
		if v.PrimitiveKind != o.PrimitiveKind {
			return false
		}
		if a, ok := v.Primitive.(time.Time); ok {
			b, ok := o.Primitive.(time.Time)
			return ok && a.Equal(b)
		}
		return v.Primitive == o.Primitive
	case PropertyEnum:
		return v.Ordinal == o.Ordinal && v.SymbolicName == o.SymbolicName
	case PropertyArray:
		if len(v.Elements) != len(o.Elements) {
			return false
		}
		for i := range v.Elements {
			if !v.Elements[i].Equal(o.Elements[i]) {
				return false
			}
		}
		return true
	default:
		return v.Fields.Equal(o.Fields)
	}
}

// CompareValues orders two values: numerically when both are numeric,
// chronologically for dates and lexically otherwise.
func CompareValues(a, b PropertyValue) int {
	if fa, ok := numeric(a); ok {
		if fb, ok := numeric(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := a.Primitive.(time.Time); ok {
		if tb, ok := b.Primitive.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(a.String(), b.String())
}

func numeric(v PropertyValue) (float64, bool) {
	switch n := v.Primitive.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	if v.Category == PropertyEnum {
		return float64(v.Ordinal), true
	}
	return 0, false
}

// InstanceProperties is an ordered mapping from property name to value.
// The zero value and nil are both empty.
type InstanceProperties struct {
	names  []string
	values map[string]PropertyValue
}

// NewProperties returns an empty property set.
func NewProperties() *InstanceProperties {
	return &InstanceProperties{values: make(map[string]PropertyValue)}
}

// Set adds or replaces a property, keeping first-insertion order.
func (p *InstanceProperties) Set(name string, v PropertyValue) *InstanceProperties {
	if p.values == nil {
		p.values = make(map[string]PropertyValue)
	}
	if _, ok := p.values[name]; !ok {
		p.names = append(p.names, name)
	}
	p.values[name] = v
	return p
}

// Get returns the named property.
func (p *InstanceProperties) Get(name string) (PropertyValue, bool) {
	if p == nil {
		return PropertyValue{}, false
	}
	v, ok := p.values[name]
	return v, ok
}

// Delete removes the named property.
func (p *InstanceProperties) Delete(name string) {
	if p == nil {
		return
	}
	if _, ok := p.values[name]; !ok {
		return
	}
	delete(p.values, name)
	for i, n := range p.names {
		if n == name {
			p.names = append(p.names[:i:i], p.names[i+1:]...)
			break
		}
	}
}

// Names returns the property names in order.
func (p *InstanceProperties) Names() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.names...)
}

// Len returns the number of properties.
func (p *InstanceProperties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.names)
}

// Clone returns a deep copy.
func (p *InstanceProperties) Clone() *InstanceProperties {
	if p == nil {
		return nil
	}
	out := NewProperties()
	for _, name := range p.names {
		out.Set(name, cloneValue(p.values[name]))
	}
	return out
}

func cloneValue(v PropertyValue) PropertyValue {
	v.Fields = v.Fields.Clone()
	if v.Elements != nil {
		elems := make([]PropertyValue, len(v.Elements))
		for i, e := range v.Elements {
			elems[i] = cloneValue(e)
		}
		v.Elements = elems
	}
	return v
}

// Merge returns a copy of p with every property of updates applied.
func (p *InstanceProperties) Merge(updates *InstanceProperties) *InstanceProperties {
	out := p.Clone()
	if out == nil {
		out = NewProperties()
	}
	for _, name := range updates.Names() {
		v, _ := updates.Get(name)
		out.Set(name, cloneValue(v))
	}
	return out
}

// Equal compares two property sets ignoring order. Nil equals empty.
func (p *InstanceProperties) Equal(o *InstanceProperties) bool {
	if p.Len() != o.Len() {
		return false
	}
	for _, name := range p.Names() {
		a, _ := p.Get(name)
		b, ok := o.Get(name)
		if !ok || !a.Equal(b) {
			return false
		}
	}
	return true
}

type namedValue struct {
	Name  string        `json:"name"`
	Value PropertyValue `json:"value"`
}

// MarshalJSON encodes the properties as an ordered list of name/value pairs.
func (p *InstanceProperties) MarshalJSON() ([]byte, error) {
	pairs := make([]namedValue, 0, p.Len())
	for _, name := range p.Names() {
		v, _ := p.Get(name)
		pairs = append(pairs, namedValue{Name: name, Value: v})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes the list form produced by MarshalJSON.
func (p *InstanceProperties) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var pairs []namedValue
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*p = InstanceProperties{values: make(map[string]PropertyValue, len(pairs))}
	for _, pair := range pairs {
		p.Set(pair.Name, pair.Value)
	}
	return nil
}

// SortedNames returns the property names in lexical order.
func (p *InstanceProperties) SortedNames() []string {
	names := p.Names()
	sort.Strings(names)
	return names
}
