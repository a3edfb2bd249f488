// Package transport moves opaque frames between two channel endpoints.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrClosed        = errors.New("transport closed")
)

const DefaultMaxFrame = 16 << 20

// Transport delivers frames in order. Send and Recv may be used from
// different goroutines; each of them is used by one goroutine at a time.
type Transport interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Stream frames an io.ReadWriteCloser with a 4 byte big-endian length
// prefix.
type Stream struct {
	rwc      io.ReadWriteCloser
	maxFrame uint32

	closeOnce sync.Once
	closeErr  error
}

func NewStream(rwc io.ReadWriteCloser, maxFrame int) *Stream {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}

	return &Stream{rwc: rwc, maxFrame: uint32(maxFrame)}
}

func (s *Stream) Send(frame []byte) error {
	if uint64(len(frame)) > uint64(s.maxFrame) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	_, err := s.rwc.Write(buf)
	return err
}

func (s *Stream) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.rwc, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > s.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(s.rwc, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return frame, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})

	return s.closeErr
}
