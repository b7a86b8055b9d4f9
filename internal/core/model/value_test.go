package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value Value
		json  string
	}{
		{"null", Null(), `null`},
		{"string", String("hello"), `"hello"`},
		{"number", Number(3.5), `3.5`},
		{"bool", Bool(true), `true`},
		{"empty list", List(), `[]`},
		{"list", List(Number(1), String("a"), Null()), `[1,"a",null]`},
		{"map sorted keys", Map(Fields{"b": Bool(false), "a": List(Number(2))}), `{"a":[2],"b":false}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.json, string(data))

			var decoded Value
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.True(t, tc.value.Equal(decoded), "%s != %s", tc.value.Text(), decoded.Text())
		})
	}
}

func TestFieldsDecodeFromJSON(t *testing.T) {
	var f Fields
	require.NoError(t, json.Unmarshal([]byte(`{"user":{"name":"alice","tags":["a","b"]},"age":30}`), &f))

	user, ok := f["user"].AsMap()
	require.True(t, ok)
	name, _ := user["name"].AsString()
	assert.Equal(t, "alice", name)
	tags, ok := user["tags"].AsList()
	require.True(t, ok)
	assert.Len(t, tags, 2)
	age, ok := f["age"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(30), age)

	var bad Value
	assert.Error(t, json.Unmarshal([]byte(`{"a":`), &bad))
}

func TestFromInterface(t *testing.T) {
	v, err := FromInterface(map[interface{}]interface{}{
		"name":  "svc",
		1:       int64(7),
		"flags": []interface{}{true, uint32(2), float32(0.5)},
		"inner": map[string]interface{}{"n": json.Number("12.5")},
		"none":  nil,
	})
	require.NoError(t, err)
	assert.Equal(t, KindMap, v.Kind())

	m, _ := v.AsMap()
	assert.True(t, m["name"].Equal(String("svc")))
	assert.True(t, m["1"].Equal(Number(7)), "非字符串键按文本转换")
	assert.True(t, m["flags"].Equal(List(Bool(true), Number(2), Number(0.5))))
	assert.True(t, m["inner"].Equal(Map(Fields{"n": Number(12.5)})))
	assert.True(t, m["none"].IsNull())

	same, err := FromInterface(String("x"))
	require.NoError(t, err)
	assert.True(t, same.Equal(String("x")))

	_, err = FromInterface(struct{}{})
	assert.Error(t, err)

	_, err = FromInterface([]interface{}{1, make(chan int)})
	assert.Error(t, err, "嵌套的不支持类型同样报错")

	_, err = FromInterface(json.Number("abc"))
	assert.Error(t, err)
}

func TestFieldsFromMap(t *testing.T) {
	f, err := FieldsFromMap(map[string]interface{}{"a": 1, "b": "two"})
	require.NoError(t, err)
	assert.True(t, f["a"].Equal(Number(1)))
	assert.True(t, f["b"].Equal(String("two")))
	assert.Equal(t, map[string]interface{}{"a": float64(1), "b": "two"}, f.Interface())

	_, err = FieldsFromMap(map[string]interface{}{"bad": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Null().Equal(Value{}))
	assert.False(t, Number(1).Equal(String("1")), "不同类型不相等")
	assert.False(t, Number(1).Equal(Number(2)))
	assert.False(t, List(Number(1)).Equal(List(Number(1), Number(2))))
	assert.False(t, Map(Fields{"a": Null()}).Equal(Map(Fields{"b": Null()})))
	assert.True(t, Map(nil).Equal(Map(Fields{})))
}

func TestValueCloneIsIndependent(t *testing.T) {
	orig := Map(Fields{
		"list":  List(String("a")),
		"inner": Map(Fields{"x": Number(1)}),
	})
	clone := orig.Clone()
	require.True(t, orig.Equal(clone))

	cm, _ := clone.AsMap()
	inner, _ := cm["inner"].AsMap()
	inner["x"] = Number(99)
	items, _ := cm["list"].AsList()
	items[0] = String("changed")
	cm["extra"] = Bool(true)

	om, _ := orig.AsMap()
	assert.Len(t, om, 2)
	origInner, _ := om["inner"].AsMap()
	assert.True(t, origInner["x"].Equal(Number(1)))
	origItems, _ := om["list"].AsList()
	assert.True(t, origItems[0].Equal(String("a")))

	assert.Nil(t, Fields(nil).Clone())
}

func TestValueText(t *testing.T) {
	assert.Equal(t, "abc", String("abc").Text())
	assert.Equal(t, "42", Number(42).Text())
	assert.Equal(t, "0.25", Number(0.25).Text())
	assert.Equal(t, "false", Bool(false).Text())
	assert.Equal(t, `["a",1]`, List(String("a"), Number(1)).Text())
	assert.Equal(t, "", Null().Text())
	assert.Equal(t, "map", KindMap.String())
	assert.Equal(t, "null", Null().Kind().String())
}
