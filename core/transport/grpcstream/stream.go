// Package grpcstream carries channel frames over a bidirectional gRPC
// stream.
package grpcstream

import (
	"context"
	"sync"

	"github.com/pyropy/remoting/core/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server accepts Connect streams and hands each one to Accept as a
// transport. Accept must not block; the stream stays open until the
// transport is closed or the client goes away.
type Server struct {
	Accept func(ctx context.Context, t transport.Transport) error
}

func (s *Server) Connect(stream grpc.ServerStream) error {
	t := &serverTransport{stream: stream, done: make(chan struct{})}
	if err := s.Accept(stream.Context(), t); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}

	select {
	case <-t.done:
	case <-stream.Context().Done():
	}

	return nil
}

type serverTransport struct {
	stream grpc.ServerStream

	// mu serializes SendMsg, which is not safe for concurrent use.
	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (t *serverTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return transport.ErrClosed
	default:
	}

	return t.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (t *serverTransport) Recv() ([]byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := t.stream.RecvMsg(msg); err != nil {
		return nil, err
	}

	return msg.GetValue(), nil
}

// Close ends the Connect handler, which cancels the stream and unblocks any
// pending Send or Recv.
func (t *serverTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

type clientTransport struct {
	stream grpc.ClientStream
	cancel context.CancelFunc

	once sync.Once
}

// Dial opens a Connect stream on cc.
func Dial(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (transport.Transport, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := cc.NewStream(ctx, &Channel_ServiceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		cancel()
		return nil, err
	}

	return &clientTransport{stream: stream, cancel: cancel}, nil
}

func (t *clientTransport) Send(frame []byte) error {
	return t.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (t *clientTransport) Recv() ([]byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := t.stream.RecvMsg(msg); err != nil {
		return nil, err
	}

	return msg.GetValue(), nil
}

func (t *clientTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.stream.CloseSend()
		t.cancel()
	})

	return err
}
