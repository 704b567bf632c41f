// Package recorder captures raw call audio to a file.
//
// The capture loop runs in its own goroutine and is bound to a context; Stop
// cancels that context and waits until the loop has finished its current read
// and closed the output file.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyRecording is returned by Start while a capture is running.
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrNoSource is returned when the recorder has no capture source.
	ErrNoSource = errors.New("recorder: capture source not provided")
)

// Format describes the PCM stream produced by a Source.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz mono 16-bit PCM.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// FrameSize returns the size in bytes of one sample frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// Source is the platform audio capture capability.
type Source interface {
	// Start begins capturing.
	Start() error
	// Read blocks until PCM data is available and copies it into buf.
	Read(buf []byte) (int, error)
	// Stop halts capturing. Pending reads return. Stop may be called more
	// than once.
	Stop() error
	// Release frees the underlying device.
	Release() error
	// BufferSize is the preferred read size in bytes.
	BufferSize() int
}

// SourceFactory opens a capture source for the given format.
type SourceFactory func(f Format) (Source, error)

// Stats describes the current or last capture.
type Stats struct {
	Path         string
	BytesWritten int64
	Reads        int64
	Running      bool
}

// Recorder owns at most one running capture.
type Recorder struct {
	open   SourceFactory
	format Format
	log    logrus.FieldLogger

	stopMu   sync.Mutex
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	src      Source
	stopping bool
	path     string
	err      error

	bytes atomic.Int64
	reads atomic.Int64
}

// New creates a Recorder using open to obtain capture sources.
func New(open SourceFactory, format Format, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.WithField("name", "capture")
	}
	if format.SampleRate == 0 {
		format = DefaultFormat
	}
	return &Recorder{open: open, format: format, log: log}
}

// Start opens path and begins writing captured PCM to it.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return ErrAlreadyRecording
	}
	if r.open == nil {
		return ErrNoSource
	}

	src, err := r.open(r.format)
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		_ = src.Release()
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := src.Start(); err != nil {
		_ = out.Close()
		_ = src.Release()
		return fmt.Errorf("start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.src = src
	r.path = path
	r.err = nil
	r.bytes.Store(0)
	r.reads.Store(0)

	go r.loop(ctx, src, out, r.done)
	r.log.Infof("recording to %s (%d Hz)", path, r.format.SampleRate)
	return nil
}

func (r *Recorder) loop(ctx context.Context, src Source, out io.WriteCloser, done chan struct{}) {
	defer close(done)

	size := src.BufferSize()
	if size <= 0 {
		size = r.format.FrameSize() * r.format.SampleRate / 50
	}
	buf := make([]byte, size)

	var loopErr error
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if n > 0 {
			r.reads.Add(1)
			if _, werr := out.Write(buf[:n]); werr != nil {
				loopErr = fmt.Errorf("write: %w", werr)
				break
			}
			r.bytes.Add(int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				loopErr = fmt.Errorf("read: %w", err)
			}
			break
		}
	}

	if err := src.Stop(); err != nil {
		r.log.Warnf("stop capture source: %v", err)
	}
	if err := out.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("close: %w", err)
	}
	if loopErr != nil {
		r.log.Errorf("recording stopped: %v", loopErr)
	}

	// a loop that ended on its own frees the recorder; Stop cleans up otherwise
	r.mu.Lock()
	r.err = loopErr
	owned := !r.stopping && r.done == done
	cancel := r.cancel
	if owned {
		r.cancel = nil
		r.done = nil
		r.src = nil
	}
	r.mu.Unlock()
	if !owned {
		return
	}
	cancel()
	if err := src.Release(); err != nil {
		r.log.Warnf("release capture source: %v", err)
	}
	r.log.Infof("recording to %s ended after %d bytes", r.path, r.bytes.Load())
}

// Stop ends the capture and waits for the output file to be closed. The
// returned error is the one that ended the capture loop, if any. When the
// loop already ended on its own, Stop only reports that error once.
func (r *Recorder) Stop() error {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	r.mu.Lock()
	cancel, done, src := r.cancel, r.done, r.src
	if done == nil {
		err := r.err
		r.err = nil
		r.mu.Unlock()
		return err
	}
	r.stopping = true
	r.mu.Unlock()

	cancel()
	// unblock a read waiting on the device
	if err := src.Stop(); err != nil {
		r.log.Debugf("stop capture source: %v", err)
	}
	<-done
	if err := src.Release(); err != nil {
		r.log.Warnf("release capture source: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = nil
	r.done = nil
	r.src = nil
	r.stopping = false
	r.log.Infof("recording to %s stopped after %d bytes", r.path, r.bytes.Load())
	err := r.err
	r.err = nil
	return err
}

// Recording reports whether a capture is running.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Stats reports progress of the current or last capture.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Path:         r.path,
		BytesWritten: r.bytes.Load(),
		Reads:        r.reads.Load(),
		Running:      r.done != nil,
	}
}
