package model

import (
	"fmt"
	"runtime"
	"strings"
)

const maxTraceFrames = 32

type Frame struct {
	Function string `cbor:"1,keyasint" json:"function"`
	File     string `cbor:"2,keyasint" json:"file"`
	Line     int    `cbor:"3,keyasint" json:"line"`
}

// Trace records where and why something happened: an export, a release or
// the creation of a command. It is plain data so it can travel with a
// command and be rendered on the other side.
type Trace struct {
	Message string  `cbor:"1,keyasint,omitempty" json:"message,omitempty"`
	Frames  []Frame `cbor:"2,keyasint,omitempty" json:"frames,omitempty"`
}

// CaptureTrace records the caller's stack. skip counts frames above the
// caller of CaptureTrace.
func CaptureTrace(message string, skip int) *Trace {
	pcs := make([]uintptr, maxTraceFrames)
	n := runtime.Callers(skip+2, pcs)

	t := &Trace{Message: message}
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		t.Frames = append(t.Frames, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}

	return t
}

// Origin is the innermost recorded frame, or nil.
func (t *Trace) Origin() *Frame {
	if t == nil || len(t.Frames) == 0 {
		return nil
	}

	return &t.Frames[0]
}

// Summary renders the message and innermost frame on one line.
func (t *Trace) Summary() string {
	o := t.Origin()
	if o == nil {
		if t == nil {
			return "<no trace>"
		}
		return t.Message
	}

	return fmt.Sprintf("%s at %s (%s:%d)", t.Message, o.Function, o.File, o.Line)
}

func (t *Trace) String() string {
	if t == nil {
		return "<no trace>"
	}

	var b strings.Builder
	b.WriteString(t.Message)
	for _, f := range t.Frames {
		fmt.Fprintf(&b, "\n\tat %s (%s:%d)", f.Function, f.File, f.Line)
	}

	return b.String()
}
