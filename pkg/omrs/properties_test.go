package omrs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancePropertiesKeepOrder(t *testing.T) {
	props := NewProperties().
		Set("zeta", String("z")).
		Set("alpha", Int(1)).
		Set("mid", Bool(true))
	props.Set("zeta", String("again"))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, props.Names())
	v, ok := props.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, "again", v.String())

	props.Delete("alpha")
	assert.Equal(t, []string{"zeta", "mid"}, props.Names())
	assert.Equal(t, 2, props.Len())
}

func TestNilPropertiesAreEmpty(t *testing.T) {
	var props *InstanceProperties

	assert.Equal(t, 0, props.Len())
	assert.Nil(t, props.Names())
	assert.True(t, props.Equal(NewProperties()))
	_, ok := props.Get("x")
	assert.False(t, ok)
}

func TestPropertiesJSONRestoresPrimitiveTypes(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	props := NewProperties().
		Set("name", String("Alpha")).
		Set("count", Long(42)).
		Set("ratio", Double(0.5)).
		Set("active", Bool(true)).
		Set("created", Date(when)).
		Set("level", Enum("Criticality", 2, "HIGH")).
		Set("tags", Array("array<string>", String("a"), String("b"))).
		Set("address", Struct("Address", NewProperties().Set("city", String("Oslo"))))

	data, err := json.Marshal(props)
	require.NoError(t, err)

	var decoded InstanceProperties
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.True(t, props.Equal(&decoded))
	assert.Equal(t, props.Names(), decoded.Names())

	count, _ := decoded.Get("count")
	assert.Equal(t, int64(42), count.Primitive)
	created, _ := decoded.Get("created")
	assert.Equal(t, when, created.Primitive)
}

func TestMergeDoesNotAlias(t *testing.T) {
	base := NewProperties().Set("name", String("Alpha")).Set("size", Int(1))
	merged := base.Merge(NewProperties().Set("name", String("Beta")))

	name, _ := merged.Get("name")
	assert.Equal(t, "Beta", name.String())
	size, _ := merged.Get("size")
	assert.Equal(t, int64(1), size.Primitive)

	original, _ := base.Get("name")
	assert.Equal(t, "Alpha", original.String())
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, -1, CompareValues(Int(2), Double(10)))
	assert.Equal(t, 1, CompareValues(String("b"), String("a")))
	assert.Equal(t, 0, CompareValues(Long(3), Int(3)))

	early := Date(time.Unix(100, 0))
	late := Date(time.Unix(200, 0))
	assert.Equal(t, -1, CompareValues(early, late))
}

func TestNormalizePrimitiveRejectsMismatch(t *testing.T) {
	_, err := NormalizePrimitive(PrimitiveInt, "seven")
	assert.Error(t, err)

	_, err = NormalizePrimitive(PrimitiveInt, 1.5)
	assert.Error(t, err)

	v, err := NormalizePrimitive(PrimitiveLong, float64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}
