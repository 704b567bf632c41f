package tone

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sound names a sample held in the bank.
type Sound int

const (
	Ringing Sound = iota
	Disconnect
)

func (s Sound) String() string {
	switch s {
	case Ringing:
		return "ringing"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("sound(%d)", int(s))
	}
}

// SampleID identifies a loaded sample inside an Engine.
type SampleID int

// StreamID identifies an active playback inside an Engine.
type StreamID int

// Load statuses reported to the load-complete callback.
const (
	LoadOK     = 0
	LoadFailed = 1
)

// Engine is the platform audio engine the player drives. Loading is
// asynchronous: Load returns immediately and the engine reports completion
// through the callback registered with SetOnLoadComplete, possibly from
// another goroutine.
type Engine interface {
	SetOnLoadComplete(fn func(sample SampleID, status int))
	Load(sound Sound) (SampleID, error)
	Play(sample SampleID, gain float64, loop bool) StreamID
	Stop(stream StreamID)
	Unload(sample SampleID)
	Release()
}

// EngineFactory builds a fresh engine able to mix at most maxStreams
// playbacks at once.
type EngineFactory func(maxStreams int) (Engine, error)

// Volume reports the media output volume of the device.
type Volume interface {
	Current() int
	Max() int
}

// StaticVolume is a fixed Volume.
type StaticVolume struct {
	Level    int
	MaxLevel int
}

func (v StaticVolume) Current() int { return v.Level }
func (v StaticVolume) Max() int     { return v.MaxLevel }

// FileEngine loads samples from disk and tracks playback streams. Mixing
// is left to the host audio stack, so playing only records the stream.
type FileEngine struct {
	paths      map[Sound]string
	maxStreams int
	log        logrus.FieldLogger

	mu       sync.Mutex
	onLoad   func(SampleID, int)
	samples  map[SampleID][]byte
	streams  []StreamID
	nextID   int
	released bool
	wg       sync.WaitGroup
}

// FileEngineFactory returns an EngineFactory producing FileEngines that read
// each Sound from the given path.
func FileEngineFactory(paths map[Sound]string, log logrus.FieldLogger) EngineFactory {
	if log == nil {
		log = logrus.WithField("name", "tone")
	}
	return func(maxStreams int) (Engine, error) {
		if maxStreams < 1 {
			return nil, fmt.Errorf("max streams must be positive, got %d", maxStreams)
		}
		return &FileEngine{
			paths:      paths,
			maxStreams: maxStreams,
			log:        log,
			samples:    make(map[SampleID][]byte),
		}, nil
	}
}

func (e *FileEngine) SetOnLoadComplete(fn func(SampleID, int)) {
	e.mu.Lock()
	e.onLoad = fn
	e.mu.Unlock()
}

// Load starts reading the sample file in the background.
func (e *FileEngine) Load(sound Sound) (SampleID, error) {
	path, ok := e.paths[sound]
	if !ok {
		return 0, fmt.Errorf("no sample configured for %s", sound)
	}

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return 0, ErrReleased
	}
	e.nextID++
	id := SampleID(e.nextID)
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		status := LoadOK
		data, err := os.ReadFile(path)
		if err != nil {
			e.log.Warnf("load %s from %s: %v", sound, path, err)
			status = LoadFailed
		}

		e.mu.Lock()
		if e.released {
			e.mu.Unlock()
			return
		}
		if status == LoadOK {
			e.samples[id] = data
		}
		cb := e.onLoad
		e.mu.Unlock()

		if cb != nil {
			cb(id, status)
		}
	}()
	return id, nil
}

func (e *FileEngine) Play(sample SampleID, gain float64, loop bool) StreamID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return 0
	}
	if _, ok := e.samples[sample]; !ok {
		return 0
	}
	e.nextID++
	id := StreamID(e.nextID)
	if loop {
		// the oldest stream is evicted once the mixer is full
		if len(e.streams) >= e.maxStreams {
			e.streams = e.streams[1:]
		}
		e.streams = append(e.streams, id)
	}
	e.log.Debugf("play sample %d gain=%.2f loop=%t stream=%d", sample, gain, loop, id)
	return id
}

func (e *FileEngine) Stop(stream StreamID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.streams {
		if s == stream {
			e.streams = append(e.streams[:i], e.streams[i+1:]...)
			e.log.Debugf("stop stream %d", stream)
			return
		}
	}
}

func (e *FileEngine) Unload(sample SampleID) {
	e.mu.Lock()
	delete(e.samples, sample)
	e.mu.Unlock()
}

// Release waits for pending loads and drops all samples and streams.
func (e *FileEngine) Release() {
	e.mu.Lock()
	e.released = true
	e.samples = make(map[SampleID][]byte)
	e.streams = nil
	e.mu.Unlock()
	e.wg.Wait()
}

// ActiveStreams returns the number of looping streams currently playing.
func (e *FileEngine) ActiveStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}
