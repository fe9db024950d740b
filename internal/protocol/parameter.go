package protocol

import (
	"fmt"
	"math"

	"github.com/blukai/rmpnet/internal/packet"
)

// ParameterVersion identifies the tag enumeration below. Both ends of a
// connection must agree on it; ordinals are append-only.
const ParameterVersion = 1

// ParameterType is the tag byte in front of every encoded rpc argument.
type ParameterType uint8

const (
	ParamNone ParameterType = iota
	ParamBool
	ParamInt32
	ParamFloat32
	ParamString
	ParamByteArray
	ParamVector2
	ParamVector3
	ParamQuaternion
	ParamVector2Int
	ParamVector3Int

	// NOTE(blukai): everything below was added after the base set above,
	// never insert in the middle.
	ParamUint8
	ParamInt16
	ParamUint16
	ParamUint32
	ParamInt64
	ParamUint64
	ParamFloat64

	paramMax
)

var parameterTypeNames = [paramMax]string{
	ParamNone:       "None",
	ParamBool:       "Bool",
	ParamInt32:      "Int32",
	ParamFloat32:    "Float32",
	ParamString:     "String",
	ParamByteArray:  "ByteArray",
	ParamVector2:    "Vector2",
	ParamVector3:    "Vector3",
	ParamQuaternion: "Quaternion",
	ParamVector2Int: "Vector2Int",
	ParamVector3Int: "Vector3Int",
	ParamUint8:      "Uint8",
	ParamInt16:      "Int16",
	ParamUint16:     "Uint16",
	ParamUint32:     "Uint32",
	ParamInt64:      "Int64",
	ParamUint64:     "Uint64",
	ParamFloat64:    "Float64",
}

func (t ParameterType) String() string {
	if t < paramMax {
		return parameterTypeNames[t]
	}
	return fmt.Sprintf("ParameterType(%d)", uint8(t))
}

// UnknownParameterTypeError is returned when decoding meets a tag outside
// the enumeration.
type UnknownParameterTypeError struct {
	Tag    uint8
	Offset int
}

func (e *UnknownParameterTypeError) Error() string {
	return fmt.Sprintf("unknown parameter type %d at offset %d", e.Tag, e.Offset)
}

// UnsupportedTypeError is returned when encoding a value whose Go type has
// no tag.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported parameter type %T", e.Value)
}

// TypeOf maps a Go value to its tag. Plain int is accepted for convenience
// and travels as Int32 (it decodes as int32 on the other end).
func TypeOf(v any) (ParameterType, error) {
	switch v := v.(type) {
	case nil:
		return ParamNone, nil
	case bool:
		return ParamBool, nil
	case int32:
		return ParamInt32, nil
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return ParamNone, fmt.Errorf("int %d does not fit into int32: %w", v, &UnsupportedTypeError{Value: v})
		}
		return ParamInt32, nil
	case float32:
		return ParamFloat32, nil
	case string:
		return ParamString, nil
	case []byte:
		return ParamByteArray, nil
	case packet.Vector2:
		return ParamVector2, nil
	case packet.Vector3:
		return ParamVector3, nil
	case packet.Quaternion:
		return ParamQuaternion, nil
	case packet.Vector2Int:
		return ParamVector2Int, nil
	case packet.Vector3Int:
		return ParamVector3Int, nil
	case uint8:
		return ParamUint8, nil
	case int16:
		return ParamInt16, nil
	case uint16:
		return ParamUint16, nil
	case uint32:
		return ParamUint32, nil
	case int64:
		return ParamInt64, nil
	case uint64:
		return ParamUint64, nil
	case float64:
		return ParamFloat64, nil
	default:
		return ParamNone, &UnsupportedTypeError{Value: v}
	}
}

// WriteParameter writes the tag of v followed by its value. Nothing is
// written when the type is unsupported.
func WriteParameter(w *packet.Writer, v any) error {
	tag, err := TypeOf(v)
	if err != nil {
		return err
	}

	w.WriteUint8(uint8(tag))
	switch v := v.(type) {
	case nil:
	case bool:
		w.WriteBool(v)
	case int32:
		w.WriteInt32(v)
	case int:
		w.WriteInt32(int32(v))
	case float32:
		w.WriteFloat32(v)
	case string:
		w.WriteString(v)
	case []byte:
		w.WriteBytes(v)
	case packet.Vector2:
		w.WriteVector2(v)
	case packet.Vector3:
		w.WriteVector3(v)
	case packet.Quaternion:
		w.WriteQuaternion(v)
	case packet.Vector2Int:
		w.WriteVector2Int(v)
	case packet.Vector3Int:
		w.WriteVector3Int(v)
	case uint8:
		w.WriteUint8(v)
	case int16:
		w.WriteInt16(v)
	case uint16:
		w.WriteUint16(v)
	case uint32:
		w.WriteUint32(v)
	case int64:
		w.WriteInt64(v)
	case uint64:
		w.WriteUint64(v)
	case float64:
		w.WriteFloat64(v)
	}
	return nil
}

// ReadParameter reads one tagged value. ParamNone decodes to a nil
// interface.
func ReadParameter(r *packet.Reader) (any, error) {
	offset := r.Pos()
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	switch ParameterType(tag) {
	case ParamNone:
		return nil, nil
	case ParamBool:
		return r.ReadBool()
	case ParamInt32:
		return r.ReadInt32()
	case ParamFloat32:
		return r.ReadFloat32()
	case ParamString:
		return r.ReadString()
	case ParamByteArray:
		return r.ReadBytes()
	case ParamVector2:
		return r.ReadVector2()
	case ParamVector3:
		return r.ReadVector3()
	case ParamQuaternion:
		return r.ReadQuaternion()
	case ParamVector2Int:
		return r.ReadVector2Int()
	case ParamVector3Int:
		return r.ReadVector3Int()
	case ParamUint8:
		return r.ReadUint8()
	case ParamInt16:
		return r.ReadInt16()
	case ParamUint16:
		return r.ReadUint16()
	case ParamUint32:
		return r.ReadUint32()
	case ParamInt64:
		return r.ReadInt64()
	case ParamUint64:
		return r.ReadUint64()
	case ParamFloat64:
		return r.ReadFloat64()
	default:
		return nil, &UnknownParameterTypeError{Tag: tag, Offset: offset}
	}
}

// WriteArgs writes the argument count (int32) followed by every argument in
// order. On error the writer holds a partial list and must be discarded.
func WriteArgs(w *packet.Writer, args []any) error {
	if len(args) > math.MaxInt32 {
		return fmt.Errorf("too many arguments: %d", len(args))
	}
	w.WriteInt32(int32(len(args)))
	for i, arg := range args {
		if err := WriteParameter(w, arg); err != nil {
			return fmt.Errorf("could not write argument %d: %w", i, err)
		}
	}
	return nil
}

// ReadArgs reads an argument count and then that many arguments.
func ReadArgs(r *packet.Reader) ([]any, error) {
	offset := r.Pos()
	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, &packet.MalformedLengthError{Type: "argument list", Offset: offset, Length: count}
	}
	return ReadParameters(r, int(count))
}

// ReadParameters reads exactly count tagged values.
func ReadParameters(r *packet.Reader, count int) ([]any, error) {
	// every parameter is at least its tag byte; refuse counts that can't
	// possibly be satisfied instead of allocating for them.
	if count > r.Len() {
		return nil, &packet.BufferOverrunError{
			Type:   "argument list",
			Offset: r.Pos(),
			Need:   count,
			Have:   r.Len(),
		}
	}

	args := make([]any, count)
	for i := range args {
		arg, err := ReadParameter(r)
		if err != nil {
			return nil, fmt.Errorf("could not read argument %d: %w", i, err)
		}
		args[i] = arg
	}
	return args, nil
}

// EncodeParameter is WriteParameter into a fresh buffer.
func EncodeParameter(v any) ([]byte, error) {
	w := packet.NewWriter()
	if err := WriteParameter(w, v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeParameter decodes a single tagged value occupying all of data.
func DecodeParameter(data []byte) (any, error) {
	r := packet.NewReader(data)
	v, err := ReadParameter(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after parameter", r.Len())
	}
	return v, nil
}

// EncodeArgs is WriteArgs into a fresh buffer.
func EncodeArgs(args []any) ([]byte, error) {
	w := packet.NewWriter()
	if err := WriteArgs(w, args); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeArgs is the inverse of EncodeArgs.
func DecodeArgs(data []byte) ([]any, error) {
	return ReadArgs(packet.NewReader(data))
}
