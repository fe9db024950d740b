package byteorder

import (
	"encoding/binary"
	"math"
)

// everything on the rmp wire is little-endian, matching what game engine
// peers write on x86.
//
// naming:
// Put*  = append to buf, return the grown slice
// Get*  = decode from the first n bytes of buf (caller checks length)

func PutUint16(buf []byte, val uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, val)
}

func PutUint32(buf []byte, val uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, val)
}

func PutUint64(buf []byte, val uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, val)
}

func PutFloat32(buf []byte, val float32) []byte {
	return PutUint32(buf, math.Float32bits(val))
}

func PutFloat64(buf []byte, val float64) []byte {
	return PutUint64(buf, math.Float64bits(val))
}

func GetUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func GetUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func GetUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func GetFloat32(buf []byte) float32 {
	return math.Float32frombits(GetUint32(buf))
}

func GetFloat64(buf []byte) float64 {
	return math.Float64frombits(GetUint64(buf))
}
