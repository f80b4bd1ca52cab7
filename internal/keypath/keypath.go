// Package keypath extracts and coerces a dedup/join key from a JSON payload
// addressed by a JSON-pointer-style path (e.g. "/id", "/user/id").
//
// Extraction is grounded on the field-lookup performed by the schema mapper in
// the reference system, generalized from a flat one-level lookup to an
// arbitrary-depth pointer and backed by gjson instead of a hand-rolled token
// scanner.
package keypath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Type names the coercion target for an extracted key: string, a
// signed or unsigned integer width, floating-point, or boolean.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeInt8   Type = "int8"
	TypeInt16  Type = "int16"
	TypeInt32  Type = "int32"
	TypeInt64  Type = "int64"
	TypeUint   Type = "uint"
	TypeUint8  Type = "uint8"
	TypeUint16 Type = "uint16"
	TypeUint32 Type = "uint32"
	TypeUint64 Type = "uint64"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
)

// ErrKeyNotFound is returned when the pointer path has no match in the payload.
var ErrKeyNotFound = errors.New("key path not found in payload")

// ErrTypeMismatch is returned when the matched value cannot be coerced to the
// configured Type. This is a fatal, poison-message condition for the record
// it came from: callers must ack-and-drop, not retry.
var ErrTypeMismatch = errors.New("key type mismatch")

// toGJSONPath converts a JSON-pointer-style path ("/a/b/0") into gjson's
// dot-separated path syntax ("a.b.0"). An empty or "/" path is invalid.
func toGJSONPath(pointer string) (string, error) {
	p := strings.TrimPrefix(pointer, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty key path", ErrKeyNotFound)
	}
	return strings.ReplaceAll(p, "/", "."), nil
}

// Extract reads the value at pointer from the JSON payload and coerces it to
// typ. The returned value is one of string, int64, uint64, float64 or bool —
// always the widest representation for its family, so that callers can use it
// directly as a map key.
func Extract(payload []byte, pointer string, typ Type) (any, error) {
	path, err := toGJSONPath(pointer)
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(payload, path)
	if !result.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, pointer)
	}

	return coerce(result, typ)
}

func coerce(v gjson.Result, typ Type) (any, error) {
	switch typ {
	case TypeString:
		if v.Type != gjson.String && v.Type != gjson.Number && v.Type != gjson.True && v.Type != gjson.False {
			return nil, fmt.Errorf("%w: expected string, got %s", ErrTypeMismatch, v.Type)
		}
		return v.String(), nil

	case TypeBool:
		if v.Type != gjson.True && v.Type != gjson.False {
			return nil, fmt.Errorf("%w: expected bool, got %s", ErrTypeMismatch, v.Type)
		}
		return v.Bool(), nil

	case TypeInt, TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: expected integer, got %s", ErrTypeMismatch, v.Type)
		}
		if err := fitsSignedWidth(n, typ); err != nil {
			return nil, err
		}
		return n, nil

	case TypeUint, TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		n, ok := asUint(v)
		if !ok {
			return nil, fmt.Errorf("%w: expected unsigned integer, got %s", ErrTypeMismatch, v.Type)
		}
		if err := fitsUnsignedWidth(n, typ); err != nil {
			return nil, err
		}
		return n, nil

	case TypeFloat:
		if v.Type != gjson.Number {
			return nil, fmt.Errorf("%w: expected float, got %s", ErrTypeMismatch, v.Type)
		}
		return v.Float(), nil

	default:
		return nil, fmt.Errorf("%w: unsupported key type %q", ErrTypeMismatch, typ)
	}
}

func asInt(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asUint(v gjson.Result) (uint64, bool) {
	switch v.Type {
	case gjson.Number:
		if v.Num < 0 {
			return 0, false
		}
		return v.Uint(), true
	case gjson.String:
		n, err := strconv.ParseUint(v.Str, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func fitsSignedWidth(n int64, typ Type) error {
	var lo, hi int64
	switch typ {
	case TypeInt8:
		lo, hi = -1<<7, 1<<7-1
	case TypeInt16:
		lo, hi = -1<<15, 1<<15-1
	case TypeInt32:
		lo, hi = -1<<31, 1<<31-1
	default:
		return nil
	}
	if n < lo || n > hi {
		return fmt.Errorf("%w: %d out of range for %s", ErrTypeMismatch, n, typ)
	}
	return nil
}

func fitsUnsignedWidth(n uint64, typ Type) error {
	var hi uint64
	switch typ {
	case TypeUint8:
		hi = 1<<8 - 1
	case TypeUint16:
		hi = 1<<16 - 1
	case TypeUint32:
		hi = 1<<32 - 1
	default:
		return nil
	}
	if n > hi {
		return fmt.Errorf("%w: %d out of range for %s", ErrTypeMismatch, n, typ)
	}
	return nil
}
