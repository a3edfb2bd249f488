package command

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pyropy/remoting/core/model"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("command: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type envelope struct {
	Kind    Kind            `cbor:"1,keyasint"`
	Cause   *model.Trace    `cbor:"2,keyasint,omitempty"`
	Payload cbor.RawMessage `cbor:"3,keyasint"`
}

// Encode serializes cmd into a single frame.
func Encode(cmd Command) ([]byte, error) {
	payload, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("command: marshal %s: %w", cmd, err)
	}

	frame, err := encMode.Marshal(envelope{Kind: cmd.Kind(), Cause: cmd.Cause(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("command: marshal envelope: %w", err)
	}

	return frame, nil
}

// Decode parses a frame produced by Encode. Every failure is a
// *ProtocolError.
func Decode(frame []byte) (Command, error) {
	var env envelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}

	cmd, ok := newCommand(env.Kind)
	if !ok {
		return nil, &ProtocolError{Kind: env.Kind, Reason: "unknown command kind"}
	}

	if err := cbor.Unmarshal(env.Payload, cmd); err != nil {
		return nil, &ProtocolError{Kind: env.Kind, Reason: "malformed payload", Err: err}
	}

	cmd.setCause(env.Cause)
	return cmd, nil
}
