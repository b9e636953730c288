package expr

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// object exposes a Go map to expressions with both attribute access
// (event.payload.lag) and index access (event.payload['lag']). Missing
// attributes read as None; missing index keys raise a KeyError. Fields
// holding values with no Starlark form are left out and read as None.
type object struct {
	keys   []string
	fields map[string]starlark.Value
}

var (
	_ starlark.HasAttrs = (*object)(nil)
	_ starlark.Mapping  = (*object)(nil)
	_ starlark.Sequence = (*object)(nil)
)

func newObject(m map[string]interface{}) (*object, error) {
	o := &object{
		keys:   make([]string, 0, len(m)),
		fields: make(map[string]starlark.Value, len(m)),
	}
	for k, v := range m {
		sv, err := toStarlarkValue(v)
		if err != nil {
			continue
		}
		o.keys = append(o.keys, k)
		o.fields[k] = sv
	}
	sort.Strings(o.keys)
	return o, nil
}

func (o *object) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(starlark.String(k).String())
		b.WriteString(": ")
		b.WriteString(o.fields[k].String())
	}
	b.WriteByte('}')
	return b.String()
}

func (o *object) Type() string         { return "object" }
func (o *object) Freeze()              {}
func (o *object) Truth() starlark.Bool { return len(o.keys) > 0 }
func (o *object) Len() int             { return len(o.keys) }

func (o *object) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: object")
}

func (o *object) Attr(name string) (starlark.Value, error) {
	if v, ok := o.fields[name]; ok {
		return v, nil
	}
	if name == "get" {
		return starlark.NewBuiltin("get", o.get), nil
	}
	return starlark.None, nil
}

func (o *object) AttrNames() []string { return o.keys }

func (o *object) Get(k starlark.Value) (starlark.Value, bool, error) {
	s, ok := k.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("object key must be a string, got %s", k.Type())
	}
	v, found := o.fields[string(s)]
	return v, found, nil
}

func (o *object) Iterate() starlark.Iterator {
	return &keyIterator{keys: o.keys}
}

// get implements obj.get(key, default=None).
func (o *object) get(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var dflt starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key, &dflt); err != nil {
		return nil, err
	}
	if v, ok := o.fields[key]; ok {
		return v, nil
	}
	return dflt, nil
}

type keyIterator struct {
	keys []string
	i    int
}

func (it *keyIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.keys) {
		return false
	}
	*p = starlark.String(it.keys[it.i])
	it.i++
	return true
}

func (it *keyIterator) Done() {}

// toStarlarkValue converts a Go value to a frozen Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.Tuple(items), nil
	case []byte:
		return starlark.String(val), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			items[i] = toStarlarkItem(item)
		}
		return starlark.Tuple(items), nil
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return newObject(m)
	case map[string]interface{}:
		return newObject(val)
	case fmt.Stringer:
		return starlark.String(val.String()), nil
	default:
		return reflectStarlarkValue(reflect.ValueOf(v))
	}
}

// toStarlarkItem converts a sequence element; elements with no Starlark
// form become None so the rest of the sequence stays usable.
func toStarlarkItem(v interface{}) starlark.Value {
	sv, err := toStarlarkValue(v)
	if err != nil {
		return starlark.None
	}
	return sv
}

// reflectStarlarkValue converts the remaining scalar kinds, slices, arrays,
// string-keyed maps and pointers to them.
func reflectStarlarkValue(rv reflect.Value) (starlark.Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return starlark.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return starlark.MakeInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return starlark.MakeUint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return starlark.Float(rv.Float()), nil
	case reflect.String:
		return starlark.String(rv.String()), nil
	case reflect.Slice, reflect.Array:
		items := make([]starlark.Value, rv.Len())
		for i := range items {
			items[i] = toStarlarkItem(rv.Index(i).Interface())
		}
		return starlark.Tuple(items), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type: %s", rv.Type().Key())
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return newObject(m)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return starlark.None, nil
		}
		return toStarlarkValue(rv.Elem().Interface())
	default:
		return nil, fmt.Errorf("unsupported type: %s", rv.Type())
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.List:
		return fromIterable(val, val.Len())
	case *object:
		out := make(map[string]interface{}, len(val.keys))
		for _, k := range val.keys {
			goVal, err := fromStarlarkValue(val.fields[k])
			if err != nil {
				return nil, err
			}
			out[k] = goVal
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			goVal, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = goVal
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			goVal, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			out[name] = goVal
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]interface{}, error) {
	out := make([]interface{}, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		goVal, err := fromStarlarkValue(x)
		if err != nil {
			return nil, err
		}
		out = append(out, goVal)
	}
	return out, nil
}
