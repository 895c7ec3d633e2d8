package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf_DecodedJSON(t *testing.T) {
	var raw interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b":[1,"two",{"c":true}]},"n":null}`), &raw))
	v := ValueOf(raw)

	assert.Equal(t, KindObject, v.Kind())
	n, ok := v.Lookup("a.b.0").Number()
	assert.True(t, ok)
	assert.Equal(t, float64(1), n)
	b, ok := v.Lookup("a.b.2.c").Bool()
	assert.True(t, ok)
	assert.True(t, b)
	assert.Equal(t, KindNull, v.Lookup("n").Kind())
	assert.True(t, v.Lookup("a.b.9").IsAbsent())
	assert.True(t, v.Lookup("a.b.x").IsAbsent())
	assert.True(t, v.Lookup("a.b.0.deeper").IsAbsent())
}

func TestValueOf_GoValues(t *testing.T) {
	assert.True(t, ValueOf(int64(3)).Equal(ValueOf(3.0)))
	assert.True(t, ValueOf([]string{"a", "b"}).Equal(ValueOf([]interface{}{"a", "b"})))
	assert.True(t, ValueOf(map[string]int{"x": 1}).Equal(ValueOf(map[string]interface{}{"x": 1.0})))

	type item struct {
		Name string `json:"name"`
	}
	s, ok := ValueOf(item{Name: "n"}).Lookup("name").Str()
	assert.True(t, ok)
	assert.Equal(t, "n", s)

	var nilPtr *item
	assert.Equal(t, KindNull, ValueOf(nilPtr).Kind())
}

func TestValue_EqualAndInterface(t *testing.T) {
	assert.False(t, Absent().Equal(Absent()))
	assert.False(t, ValueOf("1").Equal(ValueOf(1)))
	assert.True(t, ValueOf(nil).Equal(ValueOf(nil)))
	assert.False(t, ValueOf([]interface{}{1, 2}).Equal(ValueOf([]interface{}{2, 1})))

	in := map[string]interface{}{"a": []interface{}{1.0, "x", true, nil}}
	assert.Equal(t, in, ValueOf(in).Interface())
	assert.Nil(t, Absent().Interface())
}
