package starlark

import (
	"fmt"

	"go.starlark.net/starlark"
)

// toValue converts a host function result into a Starlark value. The
// supported shapes mirror what host functions return: scalars, string
// maps and slices, nested arbitrarily.
func toValue(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case []string:
		list := make([]starlark.Value, len(x))
		for i, s := range x {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(x))
		for i, item := range x {
			v, err := toValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return starlark.NewList(list), nil
	case map[string]string:
		d := starlark.NewDict(len(x))
		for k, s := range x {
			_ = d.SetKey(starlark.String(k), starlark.String(s))
		}
		return d, nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for k, item := range x {
			v, err := toValue(item)
			if err != nil {
				return nil, err
			}
			_ = d.SetKey(starlark.String(k), v)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to starlark", v)
	}
}

// fromValue converts a Starlark value into the plain Go shape host
// functions accept.
func fromValue(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s does not fit in int64", x)
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.IterableMapping:
		items := x.Items()
		m := make(map[string]any, len(items))
		for _, kv := range items {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0].Type())
			}
			val, err := fromValue(kv[1])
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
		return m, nil
	case starlark.Iterable:
		var list []any
		iter := x.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			val, err := fromValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, val)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("cannot convert %s to go", v.Type())
	}
}

// argsToMap flattens a builtin call into the map host functions take.
// Calls use keyword arguments, or a single dict as the only positional.
func argsToMap(name string, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	if len(args) == 1 && len(kwargs) == 0 {
		if m, ok := args[0].(starlark.IterableMapping); ok {
			v, err := fromValue(m)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return v.(map[string]any), nil
		}
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: call with keyword arguments or a single dict", name)
	}

	m := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		val, err := fromValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: argument %s: %w", name, key, err)
		}
		m[key] = val
	}
	return m, nil
}
