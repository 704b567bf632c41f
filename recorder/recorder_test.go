package recorder

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkSource hands out fixed chunks and then blocks until stopped.
type chunkSource struct {
	chunks [][]byte

	mu       sync.Mutex
	stopCh   chan struct{}
	stops    int
	released bool
	readErr  error
}

func newChunkSource(chunks ...[]byte) *chunkSource {
	return &chunkSource{chunks: chunks, stopCh: make(chan struct{})}
}

func (s *chunkSource) Start() error   { return nil }
func (s *chunkSource) BufferSize() int { return 4 }

func (s *chunkSource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return 0, err
	}
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return copy(buf, c), nil
	}
	s.mu.Unlock()
	<-s.stopCh
	return 0, io.EOF
}

func (s *chunkSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stops == 0 {
		close(s.stopCh)
	}
	s.stops++
	return nil
}

func (s *chunkSource) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

func (s *chunkSource) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func factoryFor(src Source) SourceFactory {
	return func(Format) (Source, error) { return src, nil }
}

func TestRecorderWritesAndJoinsOnStop(t *testing.T) {
	src := newChunkSource([]byte{1, 2, 3, 4}, []byte{5, 6})
	r := New(factoryFor(src), Format{}, nil)
	path := filepath.Join(t.TempDir(), "call.pcm")

	require.NoError(t, r.Start(path))
	assert.True(t, r.Recording())
	assert.Eventually(t, func() bool { return r.Stats().BytesWritten == 6 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop())
	assert.False(t, r.Recording())
	assert.True(t, src.isReleased())

	// the file is closed and complete once Stop returns
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, data)

	st := r.Stats()
	assert.Equal(t, path, st.Path)
	assert.EqualValues(t, 2, st.Reads)
	assert.False(t, st.Running)
}

func TestRecorderStartTwice(t *testing.T) {
	r := New(factoryFor(newChunkSource()), DefaultFormat, nil)
	dir := t.TempDir()

	require.NoError(t, r.Start(filepath.Join(dir, "a.pcm")))
	err := r.Start(filepath.Join(dir, "b.pcm"))
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	require.NoError(t, r.Stop())
}

func TestRecorderStopWhenIdle(t *testing.T) {
	r := New(factoryFor(newChunkSource()), DefaultFormat, nil)
	assert.NoError(t, r.Stop())
	assert.NoError(t, r.Stop())
}

func TestRecorderWithoutSource(t *testing.T) {
	r := New(nil, DefaultFormat, nil)
	assert.ErrorIs(t, r.Start(filepath.Join(t.TempDir(), "x.pcm")), ErrNoSource)
}

func TestRecorderBadPathReleasesSource(t *testing.T) {
	src := newChunkSource()
	r := New(factoryFor(src), DefaultFormat, nil)
	err := r.Start(filepath.Join(t.TempDir(), "missing", "x.pcm"))
	require.Error(t, err)
	assert.True(t, src.released)
	assert.False(t, r.Recording())
}

func TestRecorderReportsReadError(t *testing.T) {
	src := newChunkSource()
	src.readErr = errors.New("device unplugged")
	r := New(factoryFor(src), DefaultFormat, nil)

	require.NoError(t, r.Start(filepath.Join(t.TempDir(), "x.pcm")))
	require.Eventually(t, func() bool { return !r.Recording() }, time.Second, 5*time.Millisecond)
	assert.False(t, r.Stats().Running)
	assert.True(t, src.isReleased())

	err := r.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")
	assert.NoError(t, r.Stop())
}

func TestRecorderRestartsAfterLoopEnds(t *testing.T) {
	broken := newChunkSource()
	broken.readErr = errors.New("device unplugged")
	sources := []Source{broken, newChunkSource([]byte{3})}
	r := New(func(Format) (Source, error) {
		s := sources[0]
		sources = sources[1:]
		return s, nil
	}, DefaultFormat, nil)
	dir := t.TempDir()

	require.NoError(t, r.Start(filepath.Join(dir, "1.pcm")))
	require.Eventually(t, func() bool { return !r.Recording() }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Start(filepath.Join(dir, "2.pcm")))
	assert.Eventually(t, func() bool { return r.Stats().BytesWritten == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
}

func TestRecorderCanRestart(t *testing.T) {
	first := newChunkSource([]byte{1})
	second := newChunkSource([]byte{2, 2})
	sources := []Source{first, second}
	r := New(func(Format) (Source, error) {
		s := sources[0]
		sources = sources[1:]
		return s, nil
	}, DefaultFormat, nil)
	dir := t.TempDir()

	require.NoError(t, r.Start(filepath.Join(dir, "1.pcm")))
	require.NoError(t, r.Stop())
	require.NoError(t, r.Start(filepath.Join(dir, "2.pcm")))
	assert.Eventually(t, func() bool { return r.Stats().BytesWritten == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
}

func TestNullSourceProducesSilence(t *testing.T) {
	r := New(NullSourceFactory(5*time.Millisecond), DefaultFormat, nil)
	path := filepath.Join(t.TempDir(), "silence.pcm")

	require.NoError(t, r.Start(path))
	assert.Eventually(t, func() bool { return r.Stats().Reads >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// 5 ms of 16 kHz mono PCM16 per read
	assert.Zero(t, len(data)%160)
	for _, b := range data {
		if b != 0 {
			t.Fatal("expected silence")
		}
	}
}
