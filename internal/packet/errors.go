package packet

import "fmt"

// BufferOverrunError is returned when a read would consume past the end of
// the written data.
type BufferOverrunError struct {
	Type   string
	Offset int
	Need   int
	Have   int
}

func (e *BufferOverrunError) Error() string {
	return fmt.Sprintf(
		"buffer overrun reading %s at offset %d (need %d bytes; have %d)",
		e.Type, e.Offset, e.Need, e.Have,
	)
}

// MalformedLengthError is returned when a length prefix is negative.
type MalformedLengthError struct {
	Type   string
	Offset int
	Length int32
}

func (e *MalformedLengthError) Error() string {
	return fmt.Sprintf("malformed %s length %d at offset %d", e.Type, e.Length, e.Offset)
}
