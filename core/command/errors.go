package command

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
)

// ProtocolError reports a frame that could not be turned into a command.
// Only that frame is lost; Kind is zero when the envelope was unreadable.
type ProtocolError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol violation: " + e.Reason
	if e.Kind != 0 {
		msg = fmt.Sprintf("%s (kind %d %s)", msg, e.Kind, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}
