package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pyropy/remoting/core/command"
	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/lib/checksum"
)

// pendingFetch is a fetch this side is waiting on. Once finished or
// abandoned its writer is never touched again.
type pendingFetch struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
	result chan error
}

func newPendingFetch(w io.Writer) *pendingFetch {
	return &pendingFetch{w: w, result: make(chan error, 1)}
}

func (p *pendingFetch) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	_, err := p.w.Write(data)
	return err
}

func (p *pendingFetch) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	p.result <- err
}

func (p *pendingFetch) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
}

// FetchArchive asks the peer's archive provider for the archive with
// fingerprint fp and copies it into w.
func (c *Channel) FetchArchive(ctx context.Context, fp checksum.Fingerprint, w io.Writer) error {
	peer, err := c.WaitPeer(ctx)
	if err != nil {
		return err
	}

	if peer.Provider == model.NoHandle {
		return ErrNoProvider
	}

	id := uuid.New()
	p := newPendingFetch(w)
	c.pending.Set(id, p)

	err = c.send(command.NewFetchArchive(id, peer.Provider, fp, model.CaptureTrace("fetch archive", 1)))
	if err != nil {
		c.pending.Delete(id)
		return err
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		c.abandonFetch(id, p)
		return ctx.Err()
	case <-c.done:
		c.abandonFetch(id, p)
		return ErrChannelClosed
	}
}

func (c *Channel) abandonFetch(id uuid.UUID, p *pendingFetch) {
	p.abandon()
	c.pending.Delete(id)
	c.abandoned.Put(id, struct{}{})
}

func (c *Channel) onArchiveData(cmd *command.ArchiveData) {
	var (
		p  *pendingFetch
		ok bool
	)
	if cmd.Final || cmd.Error != "" {
		p, ok = c.pending.GetAndDelete(cmd.RequestID)
	} else {
		p, ok = c.pending.Get(cmd.RequestID)
	}
	if !ok {
		if _, abandoned := c.abandoned.Peek(cmd.RequestID); !abandoned {
			c.anomaly(fmt.Errorf("archive data for unknown request %s", cmd.RequestID))
		}
		return
	}

	if cmd.Error != "" {
		c.abandoned.Put(cmd.RequestID, struct{}{})
		p.finish(errors.New(cmd.Error))
		return
	}

	if err := p.write(cmd.Data); err != nil {
		c.pending.Delete(cmd.RequestID)
		c.abandoned.Put(cmd.RequestID, struct{}{})
		p.finish(err)
		return
	}

	if cmd.Final {
		p.finish(nil)
	}
}

// serveFetch answers a peer's FetchArchive with a stream of ArchiveData
// chunks, the last one marked final or carrying the error.
func (c *Channel) serveFetch(cmd *command.FetchArchive) {
	fp := cmd.Fingerprint()

	err := c.writeArchive(cmd, fp)
	if err == nil {
		return
	}

	log.Warnw("serve fetch", "channel", c.id, "fingerprint", fp, "error", err)
	if sendErr := c.send(command.NewArchiveData(cmd.RequestID, nil, true, err.Error())); sendErr != nil {
		log.Warnw("serve fetch", "channel", c.id, "fingerprint", fp, "error", sendErr)
	}
}

func (c *Channel) writeArchive(cmd *command.FetchArchive, fp checksum.Fingerprint) error {
	obj, err := c.exports.Lookup(cmd.Provider)
	if err != nil {
		return err
	}

	provider, ok := obj.(ArchiveProvider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotArchiveProvider, cmd.Provider)
	}

	cw := &chunkWriter{c: c, id: cmd.RequestID, buf: make([]byte, 0, c.opts.ChunkSize)}
	if err := provider.WriteArchive(c.ctx, fp, cw); err != nil {
		return err
	}

	return cw.flush(true)
}

// chunkWriter turns a byte stream into ArchiveData commands of at most
// one chunk each.
type chunkWriter struct {
	c   *Channel
	id  uuid.UUID
	buf []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := cap(w.buf) - len(w.buf)
		if take > len(p) {
			take = len(p)
		}

		w.buf = append(w.buf, p[:take]...)
		p = p[take:]

		if len(w.buf) == cap(w.buf) {
			if err := w.flush(false); err != nil {
				return 0, err
			}
		}
	}

	return n, nil
}

func (w *chunkWriter) flush(final bool) error {
	err := w.c.send(command.NewArchiveData(w.id, w.buf, final, ""))
	w.buf = w.buf[:0]
	return err
}
