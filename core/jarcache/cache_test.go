package jarcache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pyropy/remoting/lib/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	content map[checksum.Fingerprint][]byte
	gate    chan struct{}
	calls   atomic.Int32

	mu   sync.Mutex
	fail error
}

func newFakeFetcher(archives ...[]byte) (*fakeFetcher, []checksum.Fingerprint) {
	f := &fakeFetcher{content: make(map[checksum.Fingerprint][]byte)}
	var fps []checksum.Fingerprint
	for _, a := range archives {
		fp := checksum.Calculate(a)
		f.content[fp] = a
		fps = append(fps, fp)
	}

	return f, fps
}

func (f *fakeFetcher) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeFetcher) FetchArchive(ctx context.Context, fp checksum.Fingerprint, w io.Writer) error {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()

	data, ok := f.content[fp]
	if !ok {
		return errors.New("no such archive")
	}

	if fail != nil {
		// a partial write before failing must not leave a file behind
		_, _ = w.Write(data[:len(data)/2])
		return fail
	}

	_, err := w.Write(data)
	return err
}

func storeFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestResolveFetchesOnceAndStores(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir, true)
	require.NoError(t, err)

	jar := []byte("PK\x03\x04 some classes")
	f, fps := newFakeFetcher(jar)
	fp := fps[0]

	_, ok := cache.Resolved(fp)
	assert.False(t, ok)

	p, err := cache.Resolve(context.Background(), f, fp)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, fp.String()), p)

	stored, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, jar, stored)
	assert.Equal(t, []string{fp.String()}, storeFiles(t, dir))

	got, ok := cache.Resolved(fp)
	assert.True(t, ok)
	assert.Equal(t, p, got)
}

func TestSecondResolveDoesNotFetchOrWrite(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir, true)
	require.NoError(t, err)

	f, fps := newFakeFetcher([]byte("archive"))
	p1, err := cache.Resolve(context.Background(), f, fps[0])
	require.NoError(t, err)
	before, err := os.Stat(p1)
	require.NoError(t, err)

	p2, err := cache.Resolve(context.Background(), f, fps[0])
	require.NoError(t, err)
	after, err := os.Stat(p2)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, uint64(1), cache.Stats().Fetches)
}

func TestConcurrentResolvesShareOneFetch(t *testing.T) {
	cache, err := NewFileCache(t.TempDir(), true)
	require.NoError(t, err)

	f, fps := newFakeFetcher([]byte("shared archive"))
	f.gate = make(chan struct{})

	const callers = 16
	paths := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = cache.Resolve(context.Background(), f, fps[0])
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Fetches)
	assert.Equal(t, uint64(callers-1), stats.Shared)
}

func TestFailingPeerDoesNotFailOtherPeers(t *testing.T) {
	cache, err := NewFileCache(t.TempDir(), true)
	require.NoError(t, err)

	jar := []byte("only on the second peer")
	fp := checksum.Calculate(jar)

	without, _ := newFakeFetcher()
	without.gate = make(chan struct{})
	with, _ := newFakeFetcher(jar)

	first := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), without, fp)
		first <- err
	}()
	require.Eventually(t, func() bool { return without.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), with, fp)
		second <- err
	}()

	require.NoError(t, <-second)
	assert.Equal(t, int32(1), with.calls.Load())

	close(without.gate)
	assert.ErrorIs(t, <-first, ErrTransferFailed)

	p, ok := cache.Resolved(fp)
	require.True(t, ok)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, jar, data)
	assert.Equal(t, uint64(0), cache.Stats().Shared)
}

func TestFailedFetchLeavesNothingAndRetries(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir, true)
	require.NoError(t, err)

	f, fps := newFakeFetcher([]byte("flaky archive"))
	f.setFail(errors.New("connection reset"))

	_, err = cache.Resolve(context.Background(), f, fps[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, fps[0], te.Fingerprint)
	assert.Empty(t, storeFiles(t, dir))

	_, ok := cache.Resolved(fps[0])
	assert.False(t, ok)

	f.setFail(nil)
	p, err := cache.Resolve(context.Background(), f, fps[0])
	require.NoError(t, err)
	assert.FileExists(t, p)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, uint64(1), cache.Stats().Failures)
}

func TestFingerprintMismatchIsRejected(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir, true)
	require.NoError(t, err)

	f, fps := newFakeFetcher([]byte("real content"))
	wanted := checksum.Calculate([]byte("something else"))
	f.content[wanted] = f.content[fps[0]]

	_, err = cache.Resolve(context.Background(), f, wanted)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
	assert.Empty(t, storeFiles(t, dir))
}

func TestCancelledWaiterDoesNotAffectOthers(t *testing.T) {
	cache, err := NewFileCache(t.TempDir(), true)
	require.NoError(t, err)

	f, fps := newFakeFetcher([]byte("slow archive"))
	f.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, f, fps[0])
		cancelled <- err
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	other := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(context.Background(), f, fps[0])
		other <- err
	}()

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(f.gate)
	assert.NoError(t, <-other)
	assert.Equal(t, int32(1), f.calls.Load())

	_, ok := cache.Resolved(fps[0])
	assert.True(t, ok)
}

func TestStoreIsSharedAcrossCacheInstances(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileCache(dir, true)
	require.NoError(t, err)

	f, fps := newFakeFetcher([]byte("persisted"))
	p, err := first.Resolve(context.Background(), f, fps[0])
	require.NoError(t, err)

	second, err := NewFileCache(dir, false)
	require.NoError(t, err)

	got, ok := second.Resolved(fps[0])
	assert.True(t, ok)
	assert.Equal(t, p, got)

	got, err = second.Resolve(context.Background(), f, fps[0])
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolveWithoutFetcher(t *testing.T) {
	cache, err := NewFileCache(t.TempDir(), true)
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), nil, checksum.Calculate([]byte("x")))
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ErrNoFetcher)
}
