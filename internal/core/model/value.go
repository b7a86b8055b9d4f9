package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ValueKind 表示Value承载的数据类型
type ValueKind int

const (
	// KindNull 空值
	KindNull ValueKind = iota
	// KindString 字符串
	KindString
	// KindNumber 数值（统一使用float64）
	KindNumber
	// KindBool 布尔值
	KindBool
	// KindList 列表
	KindList
	// KindMap 嵌套键值表
	KindMap
)

// String 返回类型名称
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value 是无模式数据的标签联合体，用于上下文数据、请求负载和策略参数
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []Value
	m    Fields
}

// Fields 是字符串到Value的键值表
type Fields map[string]Value

// Null 返回空值
func Null() Value { return Value{} }

// String 构造字符串值
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number 构造数值
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool 构造布尔值
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List 构造列表值
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map 构造嵌套表值
func Map(f Fields) Value {
	if f == nil {
		f = Fields{}
	}
	return Value{kind: KindMap, m: f}
}

// Kind 返回值类型
func (v Value) Kind() ValueKind { return v.kind }

// IsNull 判断是否为空值
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString 以字符串读取
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber 以数值读取
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool 以布尔值读取
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsList 以列表读取
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// AsMap 以嵌套表读取
func (v Value) AsMap() (Fields, bool) { return v.m, v.kind == KindMap }

// Text 返回值的文本形式，供contains/regex/字符串转换使用
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList, KindMap:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

// Equal 判断两个值是否严格相等
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone 深拷贝
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return List(items...)
	case KindMap:
		return Map(v.m.Clone())
	default:
		return v
	}
}

// Clone 深拷贝键值表
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v.Clone()
	}
	return out
}

// Interface 转换为Go原生类型
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		return v.m.Interface()
	default:
		return nil
	}
}

// Interface 转换为map[string]interface{}
func (f Fields) Interface() map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = v.Interface()
	}
	return out
}

// FromInterface 将Go原生类型（JSON/YAML解码结果）转换为Value
func FromInterface(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("无效的数值: %w", err)
		}
		return Number(n), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Null(), err
			}
			items = append(items, v)
		}
		return List(items...), nil
	case map[string]interface{}:
		f, err := FieldsFromMap(t)
		if err != nil {
			return Null(), err
		}
		return Map(f), nil
	case map[interface{}]interface{}:
		converted := make(map[string]interface{}, len(t))
		for k, item := range t {
			converted[fmt.Sprint(k)] = item
		}
		return FromInterface(converted)
	default:
		return Null(), fmt.Errorf("不支持的值类型: %T", x)
	}
}

// FieldsFromMap 将map[string]interface{}转换为Fields
func FieldsFromMap(m map[string]interface{}) (Fields, error) {
	out := make(Fields, len(m))
	for k, item := range m {
		v, err := FromInterface(item)
		if err != nil {
			return nil, fmt.Errorf("字段 %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalJSON 实现json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		// 按键排序输出，保证尺寸估算稳定
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			item, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(item)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 实现json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
