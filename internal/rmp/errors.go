package rmp

import (
	"errors"
	"fmt"
)

var (
	ErrNotServer     = errors.New("only the server can do that")
	ErrNotClient     = errors.New("only a client can do that")
	ErrNoServerPeer  = errors.New("not connected to a server")
	ErrAlreadyOnline = errors.New("service is already online")
	ErrEmptyGUID     = errors.New("view has no guid")
	ErrDestroyed     = errors.New("view is destroyed")
)

// UnknownGUIDError is a resolution error: the remote side referenced an
// object this process does not (or no longer) know about.
type UnknownGUIDError struct {
	GUID string
}

func (e *UnknownGUIDError) Error() string {
	return fmt.Sprintf("unknown guid %q", e.GUID)
}

type DuplicateGUIDError struct {
	GUID string
}

func (e *DuplicateGUIDError) Error() string {
	return fmt.Sprintf("guid %q is already taken by a live view", e.GUID)
}

// UnknownMethodError is a resolution error: none of the view's receivers
// handle Method.
type UnknownMethodError struct {
	GUID   string
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("no receiver of view %q handles %q", e.GUID, e.Method)
}

type TemplateIndexError struct {
	Index int
	Name  string
	Len   int
}

func (e *TemplateIndexError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("no template named %q", e.Name)
	}
	return fmt.Sprintf("template index %d out of range [0, %d)", e.Index, e.Len)
}

// ArgumentError is returned by Arg when an rpc argument is missing or of an
// unexpected type.
type ArgumentError struct {
	Method string
	Index  int
	Want   string
	Got    any
}

func (e *ArgumentError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("%s: argument %d: want %s, got nothing", e.Method, e.Index, e.Want)
	}
	return fmt.Sprintf("%s: argument %d: want %s, got %T", e.Method, e.Index, e.Want, e.Got)
}

// IsResolutionError reports whether err is one the protocol tolerates:
// stale guids and methods nobody handles.
func IsResolutionError(err error) bool {
	var guidErr *UnknownGUIDError
	var methodErr *UnknownMethodError
	return errors.As(err, &guidErr) || errors.As(err, &methodErr)
}
