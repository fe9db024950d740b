// Package packet implements the byte codec every rmp frame is built on.
//
// Writes append to a growable buffer, so there is no capacity to overflow:
// a frame is as large as what was written into it and the transport decides
// whether it can carry it. Reads are bounds-checked and fail with
// *BufferOverrunError instead of reading garbage.
//
// The format carries no type information of its own; values must be read
// back in exactly the order and types they were written.
package packet

import (
	"math"

	"github.com/blukai/rmpnet/internal/byteorder"
	"github.com/blukai/rmpnet/internal/debug"
)

// DefaultSize is the initial capacity of a Writer. It is a datagram size
// that does not get fragmented on common links; frames can grow past it.
const DefaultSize = 1440

type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, DefaultSize)}
}

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Reset() { w.buf = w.buf[:0] }

// WriteRaw appends p without a length prefix.
func (w *Writer) WriteRaw(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteInt8(v int8) {
	w.WriteUint8(uint8(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = byteorder.PutUint16(w.buf, v)
}

func (w *Writer) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = byteorder.PutUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = byteorder.PutUint64(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) {
	w.buf = byteorder.PutFloat32(w.buf, v)
}

func (w *Writer) WriteFloat64(v float64) {
	w.buf = byteorder.PutFloat64(w.buf, v)
}

// WriteString writes the length of the utf-8 encoding in bytes (not runes)
// followed by the bytes.
func (w *Writer) WriteString(v string) {
	debug.Assert(len(v) <= math.MaxInt32, "string too long")
	w.WriteInt32(int32(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteBytes writes the element count followed by the bytes. nil and empty
// slices encode the same way.
func (w *Writer) WriteBytes(v []byte) {
	debug.Assert(len(v) <= math.MaxInt32, "byte array too long")
	w.WriteInt32(int32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) WriteVector2(v Vector2) {
	w.WriteFloat32(v.X)
	w.WriteFloat32(v.Y)
}

func (w *Writer) WriteVector3(v Vector3) {
	w.WriteFloat32(v.X)
	w.WriteFloat32(v.Y)
	w.WriteFloat32(v.Z)
}

func (w *Writer) WriteQuaternion(v Quaternion) {
	w.WriteFloat32(v.X)
	w.WriteFloat32(v.Y)
	w.WriteFloat32(v.Z)
	w.WriteFloat32(v.W)
}

func (w *Writer) WriteVector2Int(v Vector2Int) {
	w.WriteInt32(v.X)
	w.WriteInt32(v.Y)
}

func (w *Writer) WriteVector3Int(v Vector3Int) {
	w.WriteInt32(v.X)
	w.WriteInt32(v.Y)
	w.WriteInt32(v.Z)
}

func (w *Writer) WriteTransform(v Transform) {
	w.WriteVector3(v.Position)
	w.WriteQuaternion(v.Rotation)
}

type Reader struct {
	buf []byte
	pos int
}

func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Len reports how many unread bytes are left.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

// Pos reports how many bytes were consumed so far.
func (r *Reader) Pos() int { return r.pos }

// ReadRest consumes and returns everything that is left.
func (r *Reader) ReadRest() []byte {
	rest := r.buf[r.pos:]
	r.pos = len(r.buf)
	return rest
}

func (r *Reader) next(n int, what string) ([]byte, error) {
	if r.Len() < n {
		return nil, &BufferOverrunError{
			Type:   what,
			Offset: r.pos,
			Need:   n,
			Have:   r.Len(),
		}
	}
	data := r.buf[r.pos : r.pos+n]
	r.pos += n
	return data, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	data, err := r.next(1, "uint8")
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadBool treats any non-zero byte as true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	data, err := r.next(2, "uint16")
	if err != nil {
		return 0, err
	}
	return byteorder.GetUint16(data), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	data, err := r.next(4, "uint32")
	if err != nil {
		return 0, err
	}
	return byteorder.GetUint32(data), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	data, err := r.next(8, "uint64")
	if err != nil {
		return 0, err
	}
	return byteorder.GetUint64(data), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	data, err := r.next(4, "float32")
	if err != nil {
		return 0, err
	}
	return byteorder.GetFloat32(data), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	data, err := r.next(8, "float64")
	if err != nil {
		return 0, err
	}
	return byteorder.GetFloat64(data), nil
}

func (r *Reader) readLengthPrefixed(what string) ([]byte, error) {
	offset := r.pos
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, &MalformedLengthError{Type: what, Offset: offset, Length: n}
	}
	return r.next(int(n), what)
}

func (r *Reader) ReadString() (string, error) {
	data, err := r.readLengthPrefixed("string")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBytes returns a copy, so the result outlives the frame buffer (which
// transports reuse).
func (r *Reader) ReadBytes() ([]byte, error) {
	data, err := r.readLengthPrefixed("byte array")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (r *Reader) ReadVector2() (v Vector2, err error) {
	if v.X, err = r.ReadFloat32(); err != nil {
		return
	}
	v.Y, err = r.ReadFloat32()
	return
}

func (r *Reader) ReadVector3() (v Vector3, err error) {
	if v.X, err = r.ReadFloat32(); err != nil {
		return
	}
	if v.Y, err = r.ReadFloat32(); err != nil {
		return
	}
	v.Z, err = r.ReadFloat32()
	return
}

func (r *Reader) ReadQuaternion() (v Quaternion, err error) {
	if v.X, err = r.ReadFloat32(); err != nil {
		return
	}
	if v.Y, err = r.ReadFloat32(); err != nil {
		return
	}
	if v.Z, err = r.ReadFloat32(); err != nil {
		return
	}
	v.W, err = r.ReadFloat32()
	return
}

func (r *Reader) ReadVector2Int() (v Vector2Int, err error) {
	if v.X, err = r.ReadInt32(); err != nil {
		return
	}
	v.Y, err = r.ReadInt32()
	return
}

func (r *Reader) ReadVector3Int() (v Vector3Int, err error) {
	if v.X, err = r.ReadInt32(); err != nil {
		return
	}
	if v.Y, err = r.ReadInt32(); err != nil {
		return
	}
	v.Z, err = r.ReadInt32()
	return
}

func (r *Reader) ReadTransform() (v Transform, err error) {
	if v.Position, err = r.ReadVector3(); err != nil {
		return
	}
	v.Rotation, err = r.ReadQuaternion()
	return
}
