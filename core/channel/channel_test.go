package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pyropy/remoting/core/command"
	"github.com/pyropy/remoting/core/export"
	"github.com/pyropy/remoting/core/jarcache"
	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/core/resource"
	"github.com/pyropy/remoting/core/transport"
	"github.com/pyropy/remoting/lib/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	archives map[checksum.Fingerprint][]byte
	gate     chan struct{}
	calls    atomic.Int32
	closed   atomic.Int32
}

func newFakeProvider(archives ...[]byte) (*fakeProvider, []checksum.Fingerprint) {
	p := &fakeProvider{archives: make(map[checksum.Fingerprint][]byte)}
	var fps []checksum.Fingerprint
	for _, a := range archives {
		fp := checksum.Calculate(a)
		p.archives[fp] = a
		fps = append(fps, fp)
	}

	return p, fps
}

func (p *fakeProvider) WriteArchive(ctx context.Context, fp checksum.Fingerprint, w io.Writer) error {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	data, ok := p.archives[fp]
	if !ok {
		return errors.New("no such archive")
	}

	_, err := w.Write(data)
	return err
}

func (p *fakeProvider) Close() error {
	p.closed.Add(1)
	return nil
}

type closer struct {
	closed atomic.Int32
}

func (c *closer) Close() error {
	c.closed.Add(1)
	return nil
}

func pair(t *testing.T, a, b Options) (*Channel, *Channel) {
	t.Helper()

	ca, cb := net.Pipe()
	chA, err := Open(transport.NewStream(ca, 0), a)
	require.NoError(t, err)
	chB, err := Open(transport.NewStream(cb, 0), b)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = chA.Close()
		_ = chB.Close()
	})

	return chA, chB
}

func collectAnomalies() (chan error, func(error)) {
	ch := make(chan error, 16)
	return ch, func(err error) { ch <- err }
}

func nextAnomaly(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no anomaly reported")
		return nil
	}
}

func TestHelloExchange(t *testing.T) {
	provider, _ := newFakeProvider()
	a, b := pair(t, Options{Name: "master", Provider: provider}, Options{Name: "agent"})

	peer, err := b.WaitPeer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "master", peer.Name)
	assert.Equal(t, a.ID(), peer.ChannelID)
	assert.Equal(t, model.Handle(1), peer.Provider)

	peer, err = a.WaitPeer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.NoHandle, peer.Provider)
}

func TestRemoteUnexportReleasesObject(t *testing.T) {
	a, b := pair(t, Options{}, Options{})

	obj := &closer{}
	h, err := b.Export(obj)
	require.NoError(t, err)
	assert.Equal(t, model.Handle(1), h)

	require.NoError(t, a.ReleaseRemote(h))

	require.Eventually(t, func() bool {
		_, err := b.Lookup(h)
		return errors.Is(err, export.ErrHandleNotFound)
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), obj.closed.Load())
}

func TestPinnedObjectNeedsMatchingRemoteUnexports(t *testing.T) {
	a, b := pair(t, Options{}, Options{})

	h, err := b.Export("object")
	require.NoError(t, err)
	require.NoError(t, b.Pin(h))

	require.NoError(t, a.ReleaseRemote(h))
	require.Eventually(t, func() bool { return b.exports.Refcount(h) == 1 }, 2*time.Second, time.Millisecond)

	_, err = b.Lookup(h)
	require.NoError(t, err)

	require.NoError(t, a.ReleaseRemote(h))
	require.Eventually(t, func() bool { return b.Exports() == 0 }, 2*time.Second, time.Millisecond)
}

func TestRemoteUnexportTwiceIsAnAnomaly(t *testing.T) {
	anomalies, onAnomaly := collectAnomalies()
	a, b := pair(t, Options{}, Options{OnAnomaly: onAnomaly})

	h, err := b.Export(&closer{})
	require.NoError(t, err)
	other, err := b.Export("other")
	require.NoError(t, err)

	require.NoError(t, a.ReleaseRemote(h))
	require.NoError(t, a.ReleaseRemote(h))

	err = nextAnomaly(t, anomalies)
	nf, ok := export.AsHandleNotFound(err)
	require.True(t, ok, "unexpected anomaly %v", err)
	assert.Equal(t, h, nf.Handle)
	require.NotNil(t, nf.ExportedAt.Origin())
	require.NotNil(t, nf.ReleasedAt.Origin())
	require.NotNil(t, nf.RequestedAt.Origin())
	assert.True(t, strings.HasSuffix(nf.ExportedAt.Origin().File, "channel_test.go"))
	assert.True(t, strings.HasSuffix(nf.ReleasedAt.Origin().File, "channel_test.go"))
	assert.NotEqual(t, nf.ReleasedAt.Origin().Line, nf.RequestedAt.Origin().Line)

	// the channel keeps working
	_, err = b.Lookup(other)
	assert.NoError(t, err)
	require.NoError(t, a.ReleaseRemote(other))
	require.Eventually(t, func() bool { return b.Exports() == 0 }, 2*time.Second, time.Millisecond)
	assert.Nil(t, b.Err())
}

func TestResolveWithoutCache(t *testing.T) {
	provider, fps := newFakeProvider([]byte("jar"))
	_, b := pair(t, Options{Provider: provider}, Options{})

	_, err := b.Resolve(context.Background(), fps[0])
	assert.ErrorIs(t, err, jarcache.ErrCacheDisabled)
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestResolveFetchesFromPeerOnce(t *testing.T) {
	jar := bytes.Repeat([]byte("class bytes "), 1000)
	provider, fps := newFakeProvider(jar)

	dir := t.TempDir()
	cache, err := jarcache.NewFileCache(dir, true)
	require.NoError(t, err)

	_, b := pair(t, Options{Name: "master", Provider: provider, ChunkSize: 512}, Options{JarCache: cache})

	p, err := b.Resolve(context.Background(), fps[0])
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, fps[0].String()), p)

	stored, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, jar, stored)

	again, err := b.Resolve(context.Background(), fps[0])
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestConcurrentResolvesThroughChannel(t *testing.T) {
	provider, fps := newFakeProvider([]byte("popular jar"))
	provider.gate = make(chan struct{})

	cache, err := jarcache.NewFileCache(t.TempDir(), true)
	require.NoError(t, err)
	_, b := pair(t, Options{Provider: provider}, Options{JarCache: cache})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Resolve(context.Background(), fps[0])
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	close(provider.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestResourcesSwitchToLocalAfterResolve(t *testing.T) {
	provider, fps := newFakeProvider([]byte("jar A"))
	dir := t.TempDir()
	cache, err := jarcache.NewFileCache(dir, true)
	require.NoError(t, err)

	_, b := pair(t, Options{Name: "peer", Provider: provider}, Options{JarCache: cache})
	_, err = b.WaitPeer(context.Background())
	require.NoError(t, err)

	archive := resource.Archive{Name: "A", Fingerprint: fps[0], Entries: []string{"hello", "hello2"}}

	url, ok := b.Resources(archive).Resource("hello")
	require.True(t, ok)
	assert.Equal(t, "remote://peer/A::hello", url)

	_, err = b.Resolve(context.Background(), fps[0])
	require.NoError(t, err)

	r := b.Resources(archive)
	local := "local://" + filepath.Join(dir, fps[0].String())
	url, _ = r.Resource("hello")
	assert.Equal(t, local+"::hello", url)
	url, _ = r.Resource("hello2")
	assert.Equal(t, local+"::hello2", url)
}

func TestFailedTransferLeavesNoFile(t *testing.T) {
	provider, _ := newFakeProvider()
	dir := t.TempDir()
	cache, err := jarcache.NewFileCache(dir, true)
	require.NoError(t, err)
	_, b := pair(t, Options{Provider: provider}, Options{JarCache: cache})

	_, err = b.Resolve(context.Background(), checksum.Calculate([]byte("missing")))
	require.ErrorIs(t, err, jarcache.ErrTransferFailed)
	assert.Contains(t, err.Error(), "no such archive")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPeerWithoutProvider(t *testing.T) {
	cache, err := jarcache.NewFileCache(t.TempDir(), true)
	require.NoError(t, err)
	_, b := pair(t, Options{}, Options{JarCache: cache})

	_, err = b.Resolve(context.Background(), checksum.Calculate([]byte("x")))
	assert.ErrorIs(t, err, jarcache.ErrTransferFailed)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestPeerCloseFailsPendingFetch(t *testing.T) {
	provider, fps := newFakeProvider([]byte("never sent"))
	provider.gate = make(chan struct{})
	a, b := pair(t, Options{Provider: provider}, Options{})

	result := make(chan error, 1)
	go func() {
		result <- b.FetchArchive(context.Background(), fps[0], &bytes.Buffer{})
	}()

	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, a.Close())

	assert.ErrorIs(t, <-result, ErrChannelClosed)
	<-b.Done()
	assert.NoError(t, b.Err())

	// the provider belongs to the caller and survives the channel
	assert.Equal(t, int32(0), provider.closed.Load())
}

func TestCancelledFetchIsAbandoned(t *testing.T) {
	anomalies, onAnomaly := collectAnomalies()
	provider, fps := newFakeProvider([]byte("slow"))
	provider.gate = make(chan struct{})
	_, b := pair(t, Options{Provider: provider}, Options{OnAnomaly: onAnomaly})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	var buf bytes.Buffer
	go func() {
		result <- b.FetchArchive(ctx, fps[0], &buf)
	}()

	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)

	close(provider.gate)
	// late data for the abandoned request is dropped quietly
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, anomalies)
	assert.Equal(t, 0, buf.Len())
}

func TestCloseReleasesExports(t *testing.T) {
	_, b := pair(t, Options{}, Options{})

	obj := &closer{}
	_, err := b.Export(obj)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.Equal(t, int32(1), obj.closed.Load())
	assert.Equal(t, 0, b.Exports())

	assert.ErrorIs(t, b.ReleaseRemote(1), ErrChannelClosed)
}

func rawPeer(t *testing.T, opts Options) (*transport.Stream, *Channel) {
	t.Helper()

	ca, cb := net.Pipe()
	raw := transport.NewStream(ca, 0)
	ch, err := Open(transport.NewStream(cb, 0), opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = raw.Close()
		_ = ch.Close()
	})

	return raw, ch
}

func TestGarbageFrameKeepsChannelOpen(t *testing.T) {
	anomalies, onAnomaly := collectAnomalies()
	raw, ch := rawPeer(t, Options{OnAnomaly: onAnomaly})

	obj := &closer{}
	h, err := ch.Export(obj)
	require.NoError(t, err)

	for _, frame := range [][]byte{{0x01}, {0xff, 0xfe, 0x00}} {
		require.NoError(t, raw.Send(frame))

		err = nextAnomaly(t, anomalies)
		assert.ErrorIs(t, err, command.ErrProtocolViolation)
		assert.Contains(t, err.Error(), "malformed envelope")
	}

	select {
	case <-ch.Done():
		t.Fatalf("channel closed: %v", ch.Err())
	default:
	}
	assert.Nil(t, ch.Err())

	got, err := ch.Lookup(h)
	require.NoError(t, err)
	assert.Same(t, obj, got)
	assert.Equal(t, 1, ch.Exports())
	assert.Equal(t, int32(0), obj.closed.Load())

	// the next well-formed command still runs
	frame, err := command.Encode(command.NewUnexport(h, nil))
	require.NoError(t, err)
	require.NoError(t, raw.Send(frame))

	require.Eventually(t, func() bool {
		return obj.closed.Load() == 1
	}, 2*time.Second, time.Millisecond)
}

func TestUnknownCommandIsAnAnomaly(t *testing.T) {
	anomalies, onAnomaly := collectAnomalies()
	raw, ch := rawPeer(t, Options{OnAnomaly: onAnomaly})

	frame, err := cbor.Marshal(map[int]interface{}{1: 99, 3: map[int]int{1: 1}})
	require.NoError(t, err)
	require.NoError(t, raw.Send(frame))

	err = nextAnomaly(t, anomalies)
	assert.ErrorIs(t, err, command.ErrProtocolViolation)

	frame, err = command.Encode(command.NewArchiveData(uuid.New(), []byte("x"), true, ""))
	require.NoError(t, err)
	require.NoError(t, raw.Send(frame))

	err = nextAnomaly(t, anomalies)
	assert.Contains(t, err.Error(), "unknown request")

	frame, err = command.Encode(command.NewUnexport(5, nil))
	require.NoError(t, err)
	require.NoError(t, raw.Send(frame))

	err = nextAnomaly(t, anomalies)
	assert.ErrorIs(t, err, export.ErrHandleNotFound)
	assert.Nil(t, ch.Err())
}

func TestDuplicateHelloIsAnAnomaly(t *testing.T) {
	anomalies, onAnomaly := collectAnomalies()
	raw, ch := rawPeer(t, Options{OnAnomaly: onAnomaly})

	for i := 0; i < 2; i++ {
		frame, err := command.Encode(command.NewHello("raw", uuid.New(), 0, nil))
		require.NoError(t, err)
		require.NoError(t, raw.Send(frame))
	}

	err := nextAnomaly(t, anomalies)
	assert.ErrorIs(t, err, command.ErrProtocolViolation)

	peer, ok := ch.Peer()
	require.True(t, ok)
	assert.Equal(t, "raw", peer.Name)
}
