// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package log

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/iancoleman/strcase"
)

// Value renders an arbitrary struct as a snake_cased slog group for debug
// logging. This is expensive; callers should gate it on Enabled.
func Value(name string, val any) slog.Attr {
	attrs := reflectAttrs(realValue(reflect.ValueOf(val)))
	cpy := make([]any, len(attrs))
	for i, a := range attrs {
		cpy[i] = a
	}
	return slog.Group(name, cpy...)
}

func reflectAttrs(val reflect.Value) []slog.Attr {
	if val.Kind() != reflect.Struct {
		return []slog.Attr{slog.Any("value", val.Interface())}
	}

	typ := val.Type()
	var attrs []slog.Attr
	for i := range typ.NumField() {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}

		attrs = append(attrs, reflectAttr(
			strcase.ToSnake(f.Name),
			realValue(val.Field(i)),
		)...)
	}
	return attrs
}

func reflectAttr(name string, val reflect.Value) []slog.Attr {
	// Ignore zero values to keep the log cleaner.
	if missingValue(val) {
		return nil
	}

	switch v := val.Interface().(type) {
	case time.Time:
		return []slog.Attr{slog.Time(name, v)}
	case []byte:
		return []slog.Attr{slog.String(name, string(v))}
	case map[string]any:
		attrs := make([]any, 0, len(v))
		for key, value := range v {
			attrs = append(attrs, slog.Any(key, value))
		}
		return []slog.Attr{slog.Group(name, attrs...)}
	}

	if val.Kind() == reflect.Struct {
		as := reflectAttrs(val)
		if len(as) == 0 {
			return nil
		}

		cpy := make([]any, len(as))
		for i, a := range as {
			cpy[i] = a
		}
		return []slog.Attr{slog.Group(name, cpy...)}
	}

	return []slog.Attr{slog.Any(name, val.Interface())}
}

func realValue(val reflect.Value) reflect.Value {
	for val.Kind() == reflect.Pointer {
		val = val.Elem()
	}
	return val
}

func missingValue(val reflect.Value) bool {
	return val.Kind() == reflect.Invalid || val.IsZero()
}
