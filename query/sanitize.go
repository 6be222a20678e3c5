package query

import (
	"reflect"
	"unicode/utf8"

	"github.com/fgrzl/graphstore"
)

// MaxStringParameter is the longest string, in characters, accepted as a
// parameter value.
const MaxStringParameter = 1_000_000

// SanitizeParameters returns a copy of params after checking every value is
// nil, a string within MaxStringParameter, a number, a bool, or a slice or
// array of those. Errors name the parameter, never its value.
func SanitizeParameters(params map[string]any) (map[string]any, error) {
	clean := make(map[string]any, len(params))
	for name, v := range params {
		if err := checkParameter(name, v, true); err != nil {
			return nil, err
		}
		clean[name] = v
	}
	return clean, nil
}

func checkParameter(name string, v any, allowList bool) error {
	if v == nil {
		return nil
	}
	switch s := v.(type) {
	case string:
		if utf8.RuneCountInString(s) > MaxStringParameter {
			return graphstore.QueryBuildError("sanitize", "parameter %q exceeds %d characters", name, MaxStringParameter)
		}
		return nil
	case bool:
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.String:
		return checkParameter(name, rv.String(), allowList)
	case reflect.Slice, reflect.Array:
		if !allowList {
			return graphstore.QueryBuildError("sanitize", "parameter %q nests arrays", name)
		}
		for i := 0; i < rv.Len(); i++ {
			if err := checkParameter(name, rv.Index(i).Interface(), false); err != nil {
				return err
			}
		}
		return nil
	}
	return graphstore.QueryBuildError("sanitize", "parameter %q has unsupported type %T", name, v)
}
