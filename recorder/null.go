package recorder

import (
	"io"
	"sync"
	"time"
)

// NullSource produces silence at the real-time rate of its format. It
// stands in for a capture device on hosts that have none.
type NullSource struct {
	format Format
	period time.Duration

	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	stopped bool
}

// NullSourceFactory opens a NullSource delivering one buffer every period.
func NullSourceFactory(period time.Duration) SourceFactory {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	return func(f Format) (Source, error) {
		return &NullSource{format: f, period: period, stopCh: make(chan struct{})}, nil
	}
}

func (s *NullSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.period)
	}
	return nil
}

func (s *NullSource) BufferSize() int {
	return int(int64(s.format.FrameSize()*s.format.SampleRate) * int64(s.period) / int64(time.Second))
}

func (s *NullSource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	t := s.ticker
	stop := s.stopCh
	s.mu.Unlock()
	if t == nil {
		return 0, io.EOF
	}

	select {
	case <-stop:
		return 0, io.EOF
	case <-t.C:
	}
	n := s.BufferSize()
	if n > len(buf) {
		n = len(buf)
	}
	clear(buf[:n])
	return n, nil
}

func (s *NullSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

func (s *NullSource) Release() error {
	return s.Stop()
}
