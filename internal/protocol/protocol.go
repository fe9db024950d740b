// Package protocol defines the rmp (remote method protocol) wire format:
// tagged rpc arguments and the three frames exchanged between server and
// clients.
//
//	Frame     := ProtocolID(u8) Payload
//	RPC       := GUID(string) Method(string) ArgCount(i32) Arg*
//	Replicate := TemplateIndex(i32) GUID(string) AppPayload(bytes-to-EOF)
//	Remove    := GUID(string)
//	Arg       := Tag(u8) TypedValue
package protocol

import (
	"encoding"
	"fmt"

	"github.com/blukai/rmpnet/internal/packet"
)

type ID uint8

const (
	IDRPC ID = iota
	IDReplicate
	IDRemove

	IDMax
)

func (id ID) String() string {
	switch id {
	case IDRPC:
		return "RPC"
	case IDReplicate:
		return "Replicate"
	case IDRemove:
		return "Remove"
	default:
		return fmt.Sprintf("ID(%d)", uint8(id))
	}
}

// UnknownProtocolIDError is returned for frames whose first byte is not a
// known ID.
type UnknownProtocolIDError struct {
	ID uint8
}

func (e *UnknownProtocolIDError) Error() string {
	return fmt.Sprintf("unknown protocol id %d", e.ID)
}

// Frame is one rmp message. MarshalBinary produces the full frame including
// the leading id byte; UnmarshalBinary expects the same.
type Frame interface {
	ID() ID
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Frame = (*RPC)(nil)
	_ Frame = (*Replicate)(nil)
	_ Frame = (*Remove)(nil)
)

// Unmarshal decodes a frame of whatever kind data holds.
func Unmarshal(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, &packet.BufferOverrunError{Type: "protocol id", Need: 1}
	}

	var frame Frame
	switch ID(data[0]) {
	case IDRPC:
		frame = &RPC{}
	case IDReplicate:
		frame = &Replicate{}
	case IDRemove:
		frame = &Remove{}
	default:
		return nil, &UnknownProtocolIDError{ID: data[0]}
	}

	if err := frame.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s frame: %w", frame.ID(), err)
	}
	return frame, nil
}

func readHeader(r *packet.Reader, want ID) error {
	id, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if ID(id) != want {
		return fmt.Errorf("unexpected protocol id (got %s; want %s)", ID(id), want)
	}
	return nil
}

func expectEOF(r *packet.Reader) error {
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}
	return nil
}

// RPC asks the remote side to invoke Method on every message receiver of
// the view identified by GUID.
type RPC struct {
	GUID   string
	Method string
	Args   []any
}

func (f *RPC) ID() ID { return IDRPC }

func (f *RPC) MarshalBinary() ([]byte, error) {
	w := packet.NewWriter()
	w.WriteUint8(uint8(IDRPC))
	w.WriteString(f.GUID)
	w.WriteString(f.Method)
	if err := WriteArgs(w, f.Args); err != nil {
		return nil, fmt.Errorf("could not write args of %q: %w", f.Method, err)
	}
	return w.Bytes(), nil
}

func (f *RPC) UnmarshalBinary(data []byte) (err error) {
	r := packet.NewReader(data)
	if err = readHeader(r, IDRPC); err != nil {
		return err
	}
	if f.GUID, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read guid: %w", err)
	}
	if f.Method, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read method: %w", err)
	}
	if f.Args, err = ReadArgs(r); err != nil {
		return fmt.Errorf("could not read args: %w", err)
	}
	return expectEOF(r)
}

// Replicate tells a client to instantiate template TemplateIndex under GUID.
// Payload is whatever the server side object appended for its counterpart
// and runs to the end of the frame.
type Replicate struct {
	TemplateIndex int32
	GUID          string
	Payload       []byte
}

func (f *Replicate) ID() ID { return IDReplicate }

func (f *Replicate) MarshalBinary() ([]byte, error) {
	w := packet.NewWriter()
	w.WriteUint8(uint8(IDReplicate))
	w.WriteInt32(f.TemplateIndex)
	w.WriteString(f.GUID)
	w.WriteRaw(f.Payload)
	return w.Bytes(), nil
}

func (f *Replicate) UnmarshalBinary(data []byte) (err error) {
	r := packet.NewReader(data)
	if err = readHeader(r, IDReplicate); err != nil {
		return err
	}
	if f.TemplateIndex, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("could not read template index: %w", err)
	}
	if f.GUID, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read guid: %w", err)
	}
	rest := r.ReadRest()
	f.Payload = make([]byte, len(rest))
	copy(f.Payload, rest)
	return nil
}

// Remove tells a client to destroy the object identified by GUID.
type Remove struct {
	GUID string
}

func (f *Remove) ID() ID { return IDRemove }

func (f *Remove) MarshalBinary() ([]byte, error) {
	w := packet.NewWriter()
	w.WriteUint8(uint8(IDRemove))
	w.WriteString(f.GUID)
	return w.Bytes(), nil
}

func (f *Remove) UnmarshalBinary(data []byte) (err error) {
	r := packet.NewReader(data)
	if err = readHeader(r, IDRemove); err != nil {
		return err
	}
	if f.GUID, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read guid: %w", err)
	}
	return expectEOF(r)
}
