package rrd

import (
	"errors"
	"fmt"
)

var (
	// ErrStructural matches any StructuralError via errors.Is
	ErrStructural = errors.New("rrd: structural error")

	// ErrMalformedValue matches any MalformedValueError via errors.Is
	ErrMalformedValue = errors.New("rrd: malformed value")
)

// StructuralError reports an export document that is missing a required
// section or has elements out of the expected order or name.
// Row is the zero-based data row index, or -1 for document/meta level problems.
type StructuralError struct {
	Row int
	Msg string
	Err error
}

func (e *StructuralError) Error() string {
	msg := e.Msg
	if e.Row >= 0 {
		msg = fmt.Sprintf("row %d: %s", e.Row, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("rrd: %s: %v", msg, e.Err)
	}
	return "rrd: " + msg
}

func (e *StructuralError) Unwrap() error { return e.Err }

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// MalformedValueError reports a timestamp or value column that is not numeric.
// Column is the zero-based legend index, or -1 for the time marker / meta values.
type MalformedValueError struct {
	Row    int
	Column int
	Value  string
	Err    error
}

func (e *MalformedValueError) Error() string {
	switch {
	case e.Row < 0:
		return fmt.Sprintf("rrd: meta: malformed value %q: %v", e.Value, e.Err)
	case e.Column < 0:
		return fmt.Sprintf("rrd: row %d: malformed time marker %q: %v", e.Row, e.Value, e.Err)
	default:
		return fmt.Sprintf("rrd: row %d column %d: malformed value %q: %v", e.Row, e.Column, e.Value, e.Err)
	}
}

func (e *MalformedValueError) Unwrap() error { return e.Err }

func (e *MalformedValueError) Is(target error) bool { return target == ErrMalformedValue }

func structural(row int, format string, args ...interface{}) error {
	return &StructuralError{Row: row, Msg: fmt.Sprintf(format, args...)}
}
