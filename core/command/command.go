// Package command defines the closed set of commands exchanged over a
// channel and their wire encoding.
//
// Every frame is a CBOR envelope holding the command kind, the optional
// trace of where the command was created and the kind specific payload.
package command

import (
	"github.com/google/uuid"
	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/lib/checksum"
)

type Kind uint8

const (
	KindHello Kind = iota + 1
	KindUnexport
	KindFetchArchive
	KindArchiveData
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindUnexport:
		return "Unexport"
	case KindFetchArchive:
		return "FetchArchive"
	case KindArchiveData:
		return "ArchiveData"
	default:
		return "Unknown"
	}
}

// Command is implemented only by the types in this package.
type Command interface {
	Kind() Kind
	// Cause is where the command was created on the sending side, or nil.
	Cause() *model.Trace
	String() string

	setCause(*model.Trace)
}

type base struct {
	cause *model.Trace
}

func (b *base) Cause() *model.Trace {
	return b.cause
}

func (b *base) setCause(t *model.Trace) {
	b.cause = t
}

// Hello is the first command each side sends after a channel opens.
type Hello struct {
	base `cbor:"-"`

	Name      string       `cbor:"1,keyasint,omitempty"`
	ChannelID uuid.UUID    `cbor:"2,keyasint"`
	Provider  model.Handle `cbor:"3,keyasint,omitempty"` // archive provider export, NoHandle when not serving archives
}

func NewHello(name string, id uuid.UUID, provider model.Handle, cause *model.Trace) *Hello {
	return &Hello{base: base{cause: cause}, Name: name, ChannelID: id, Provider: provider}
}

func (*Hello) Kind() Kind { return KindHello }
func (*Hello) String() string { return KindHello.String() }

// Unexport releases one reference to an object the receiver exported.
type Unexport struct {
	base `cbor:"-"`

	Handle model.Handle `cbor:"1,keyasint"`
}

func NewUnexport(h model.Handle, cause *model.Trace) *Unexport {
	return &Unexport{base: base{cause: cause}, Handle: h}
}

func (*Unexport) Kind() Kind { return KindUnexport }
func (*Unexport) String() string { return KindUnexport.String() }

// FetchArchive asks the provider behind Provider to stream the archive with
// the given fingerprint back as ArchiveData commands tagged with RequestID.
type FetchArchive struct {
	base `cbor:"-"`

	RequestID uuid.UUID    `cbor:"1,keyasint"`
	Provider  model.Handle `cbor:"2,keyasint"`
	Sum1      uint64       `cbor:"3,keyasint"`
	Sum2      uint64       `cbor:"4,keyasint"`
}

func NewFetchArchive(id uuid.UUID, provider model.Handle, fp checksum.Fingerprint, cause *model.Trace) *FetchArchive {
	return &FetchArchive{base: base{cause: cause}, RequestID: id, Provider: provider, Sum1: fp.Sum1, Sum2: fp.Sum2}
}

func (f *FetchArchive) Fingerprint() checksum.Fingerprint {
	return checksum.Fingerprint{Sum1: f.Sum1, Sum2: f.Sum2}
}

func (*FetchArchive) Kind() Kind { return KindFetchArchive }
func (*FetchArchive) String() string { return KindFetchArchive.String() }

// ArchiveData carries one chunk of a fetched archive. The last chunk has
// Final set; a non-empty Error fails the whole fetch.
type ArchiveData struct {
	base `cbor:"-"`

	RequestID uuid.UUID `cbor:"1,keyasint"`
	Data      []byte    `cbor:"2,keyasint,omitempty"`
	Final     bool      `cbor:"3,keyasint,omitempty"`
	Error     string    `cbor:"4,keyasint,omitempty"`
}

func NewArchiveData(id uuid.UUID, data []byte, final bool, errText string) *ArchiveData {
	return &ArchiveData{RequestID: id, Data: data, Final: final, Error: errText}
}

func (*ArchiveData) Kind() Kind { return KindArchiveData }
func (*ArchiveData) String() string { return KindArchiveData.String() }

func newCommand(k Kind) (Command, bool) {
	switch k {
	case KindHello:
		return &Hello{}, true
	case KindUnexport:
		return &Unexport{}, true
	case KindFetchArchive:
		return &FetchArchive{}, true
	case KindArchiveData:
		return &ArchiveData{}, true
	default:
		return nil, false
	}
}
