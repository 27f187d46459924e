// Package message defines the payloads exchanged between clients, the HTTP
// API and the replicated state machine.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat32
	KindFloat64
	KindText
	KindTimestamp
	KindBlob
)

var kindNames = map[ValueKind]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindInt:       "int",
	KindFloat32:   "f32",
	KindFloat64:   "f64",
	KindText:      "string",
	KindTimestamp: "timestamp",
	KindBlob:      "blob",
}

func (k ValueKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func parseKind(s string) (ValueKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown value kind %q", s)
}

// Value is a SQL parameter or column value.
type Value struct {
	Kind ValueKind `msgpack:"k"`
	Bool bool      `msgpack:"b,omitempty"`
	Int  int64     `msgpack:"i,omitempty"`
	F32  float32   `msgpack:"f32,omitempty"`
	F64  float64   `msgpack:"f64,omitempty"`
	Text string    `msgpack:"s,omitempty"`
	Time time.Time `msgpack:"t,omitempty"`
	Blob []byte    `msgpack:"x,omitempty"`
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value           { return Value{Kind: KindInt, Int: i} }
func Float32(f float32) Value     { return Value{Kind: KindFloat32, F32: f} }
func Float64(f float64) Value     { return Value{Kind: KindFloat64, F64: f} }
func Text(s string) Value         { return Value{Kind: KindText, Text: s} }
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t} }
func Blob(b []byte) Value         { return Value{Kind: KindBlob, Blob: b} }

// Any returns the value as a database/sql argument.
func (v Value) Any() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat32:
		return v.F32
	case KindFloat64:
		return v.F64
	case KindText:
		return v.Text
	case KindTimestamp:
		return v.Time
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// FromAny converts a value scanned from the database driver.
func FromAny(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int64:
		return Int(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case float32:
		return Float32(t), nil
	case float64:
		return Float64(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Blob(append([]byte(nil), t...)), nil
	case time.Time:
		return Timestamp(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported column value of type %T", x)
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.Blob)
	default:
		return fmt.Sprint(v.Any())
	}
}

type jsonValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	switch v.Kind {
	case KindNull:
	case KindTimestamp:
		raw, err = json.Marshal(v.Time.Format(time.RFC3339Nano))
	default:
		raw, err = json.Marshal(v.Any())
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonValue{Kind: v.Kind.String(), Value: raw})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	kind, err := parseKind(jv.Kind)
	if err != nil {
		return err
	}

	out := Value{Kind: kind}
	switch kind {
	case KindNull:
	case KindBool:
		err = json.Unmarshal(jv.Value, &out.Bool)
	case KindInt:
		err = json.Unmarshal(jv.Value, &out.Int)
	case KindFloat32:
		err = json.Unmarshal(jv.Value, &out.F32)
	case KindFloat64:
		err = json.Unmarshal(jv.Value, &out.F64)
	case KindText:
		err = json.Unmarshal(jv.Value, &out.Text)
	case KindBlob:
		err = json.Unmarshal(jv.Value, &out.Blob)
	case KindTimestamp:
		var s string
		if err = json.Unmarshal(jv.Value, &s); err == nil {
			out.Time, err = time.Parse(time.RFC3339Nano, s)
		}
	}
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", kind, err)
	}
	*v = out
	return nil
}

// Row is a result row.
type Row []Value
