// Package schema implements the column-projection mapper the sink uses to turn
// a record's opaque JSON payload into an ordered ClickHouse column-value
// tuple: a pure function that projects a record's JSON into an ordered
// column-value vector.
package schema

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// FieldType is the payload-side type a column's source field is decoded as.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldInt      FieldType = "int"
	FieldFloat    FieldType = "float"
	FieldBool     FieldType = "bool"
	FieldBytes    FieldType = "bytes"
	FieldUUID     FieldType = "uuid"
	FieldArray    FieldType = "array"
	FieldDateTime FieldType = "datetime"
)

// ColumnMapping binds one ClickHouse column to a field of the input payload.
type ColumnMapping struct {
	ColumnName string
	FieldPath  string // JSON pointer, e.g. "/user/id"
	FieldType  FieldType
}

// Mapper is a pure JSON-to-column-tuple projector. A Mapper is immutable after
// construction and safe for concurrent use, though in practice only one
// sink's single-owner loop ever calls it per pipeline.
type Mapper struct {
	columns        []ColumnMapping
	orderedColumns []string
	converters     map[FieldType]func(gjson.Result) (any, error)
}

// NewMapper validates cfg and precomputes the column order.
func NewMapper(columns []ColumnMapping) (*Mapper, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("schema: no columns defined in mapping")
	}

	m := &Mapper{
		columns:        columns,
		orderedColumns: make([]string, len(columns)),
	}
	for i, c := range columns {
		if c.ColumnName == "" {
			return nil, fmt.Errorf("schema: column %d has no name", i)
		}
		if c.FieldPath == "" {
			return nil, fmt.Errorf("schema: column %q has no source field path", c.ColumnName)
		}
		m.orderedColumns[i] = c.ColumnName
	}
	m.initConverters()

	return m, nil
}

func (m *Mapper) initConverters() {
	m.converters = map[FieldType]func(gjson.Result) (any, error){
		FieldString: func(v gjson.Result) (any, error) {
			return v.String(), nil
		},
		FieldInt: func(v gjson.Result) (any, error) {
			if v.Type != gjson.Number && v.Type != gjson.String {
				return nil, fmt.Errorf("cannot convert %s to int", v.Type)
			}
			if v.Type == gjson.String {
				n, err := strconv.ParseInt(v.Str, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("cannot convert %q to int: %w", v.Str, err)
				}
				return n, nil
			}
			return v.Int(), nil
		},
		FieldFloat: func(v gjson.Result) (any, error) {
			if v.Type != gjson.Number && v.Type != gjson.String {
				return nil, fmt.Errorf("cannot convert %s to float", v.Type)
			}
			if v.Type == gjson.String {
				f, err := strconv.ParseFloat(v.Str, 64)
				if err != nil {
					return nil, fmt.Errorf("cannot convert %q to float: %w", v.Str, err)
				}
				return f, nil
			}
			return v.Float(), nil
		},
		FieldBool: func(v gjson.Result) (any, error) {
			switch v.Type {
			case gjson.True, gjson.False:
				return v.Bool(), nil
			case gjson.String:
				b, err := strconv.ParseBool(v.Str)
				if err != nil {
					return nil, fmt.Errorf("cannot convert %q to bool: %w", v.Str, err)
				}
				return b, nil
			default:
				return nil, fmt.Errorf("cannot convert %s to bool", v.Type)
			}
		},
		FieldBytes: func(v gjson.Result) (any, error) {
			decoded, err := base64.StdEncoding.DecodeString(v.String())
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to bytes: %w", v.String(), err)
			}
			return decoded, nil
		},
		FieldUUID: func(v gjson.Result) (any, error) {
			u, err := uuid.Parse(v.String())
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to uuid: %w", v.String(), err)
			}
			return u, nil
		},
		FieldArray: func(v gjson.Result) (any, error) {
			if !v.IsArray() {
				return nil, fmt.Errorf("cannot convert %s to array", v.Type)
			}
			arr := v.Array()
			out := make([]any, len(arr))
			for i, e := range arr {
				out[i] = e.Value()
			}
			return out, nil
		},
		FieldDateTime: func(v gjson.Result) (any, error) {
			switch v.Type {
			case gjson.String:
				return parseDateTime(v.Str)
			case gjson.Number:
				sec, dec := math.Modf(v.Num)
				return time.Unix(int64(sec), int64(dec*1e9)), nil
			default:
				return nil, fmt.Errorf("cannot convert %s to datetime", v.Type)
			}
		},
	}
}

var dateTimeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999",
	"2006-01-02",
}

func parseDateTime(value string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse datetime from %q", value)
}

// GetOrderedColumns returns the column names in the fixed order the sink's
// INSERT statement was prepared with.
func (m *Mapper) GetOrderedColumns() []string {
	return m.orderedColumns
}

// PrepareValues projects payload into a value tuple ordered per
// GetOrderedColumns. A missing field produces a nil in that slot; a field
// present but unconvertible to its configured type is a fatal mapping error.
func (m *Mapper) PrepareValues(payload []byte) ([]any, error) {
	values := make([]any, len(m.columns))

	for i, col := range m.columns {
		path := toGJSONPath(col.FieldPath)
		result := gjson.GetBytes(payload, path)
		if !result.Exists() {
			continue
		}

		converter, ok := m.converters[col.FieldType]
		if !ok {
			return nil, fmt.Errorf("schema: unsupported field type %q for column %q", col.FieldType, col.ColumnName)
		}

		v, err := converter(result)
		if err != nil {
			return nil, fmt.Errorf("schema: convert field %q for column %q: %w", col.FieldPath, col.ColumnName, err)
		}
		values[i] = v
	}

	return values, nil
}

func toGJSONPath(pointer string) string {
	p := pointer
	if len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, '.')
		} else {
			out = append(out, p[i])
		}
	}
	return string(out)
}
