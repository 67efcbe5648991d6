package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

func checkYAMLTags(t reflect.Type, pkgPath string, seen map[reflect.Type]struct{}) error {
	if _, ok := seen[t]; ok {
		return nil
	}
	seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return checkYAMLTags(t.Elem(), pkgPath, seen)
	case reflect.Struct:
		if t.PkgPath() != pkgPath {
			// types owned by other modules follow their own conventions
			return nil
		}

		var errs error
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}
			if slices.Contains(parts, "inline") {
				errs = multierr.Append(errs, checkYAMLTags(field.Type, pkgPath, seen))
				continue
			}

			if parts[0] == "" {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s missing yaml key", t.Name(), field.Name))
			} else if parts[0] != strings.ToLower(parts[0]) || strings.Contains(parts[0], "-") {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s yaml key %q is not snake_case", t.Name(), field.Name, parts[0]))
			}

			if field.Type.Kind() != reflect.Bool && field.Tag.Get("config") != "allowempty" && !slices.Contains(parts, "omitempty") {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s missing omitempty tag", t.Name(), field.Name))
			}

			errs = multierr.Append(errs, checkYAMLTags(field.Type, pkgPath, seen))
		}
		return errs
	default:
		return nil
	}
}

// CheckYAMLTags verifies that every field of the structs declared alongside
// config carries a snake_case yaml key with omitempty.
func CheckYAMLTags(config any) error {
	t := reflect.TypeOf(config)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return checkYAMLTags(t, t.PkgPath(), map[reflect.Type]struct{}{})
}
