// Package store holds the pool of decoded audio samples keyed by stop and
// path, shared between the controller's loader calls and the audio thread's
// realtime reads.
package store

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/dspears312/organvoice/internal/wavfile"
)

const attackBufferSeconds = 0.1

// LoopPoint marks a sustain loop's boundaries, in frames.
type LoopPoint struct {
	Start uint32
	End   uint32
}

// Source is the per-channel sample accessor a Voice reads through. Both
// InMemorySource and StreamingSource implement it; out-of-range indices
// return 0, matching the engine's "never crash on bad access" contract.
type Source interface {
	// At returns the sample value for the given channel and frame index.
	At(channel int, index int) float32
	// Frames returns the number of decoded/streamable frames.
	Frames() int
}

// InMemorySource holds fully decoded, de-interleaved float32 PCM.
type InMemorySource struct {
	channels [][]float32
}

// NewInMemorySource builds a Source from per-channel decoded buffers, all of
// equal length.
func NewInMemorySource(channels [][]float32) *InMemorySource {
	return &InMemorySource{channels: channels}
}

func (s *InMemorySource) At(channel int, index int) float32 {
	if channel < 0 || channel >= len(s.channels) {
		return 0
	}
	buf := s.channels[channel]
	if index < 0 || index >= len(buf) {
		return 0
	}
	return buf[index]
}

func (s *InMemorySource) Frames() int {
	if len(s.channels) == 0 {
		return 0
	}
	return len(s.channels[0])
}

// StreamingSource serves an attack buffer for the first ~100ms of audio and
// decodes everything past it on demand from a memory-mapped file, so long
// samples never need to be fully resident.
type StreamingSource struct {
	attack        [][]float32
	reader        *mmap.ReaderAt
	dataStart     int64
	channels      int
	bitsPerSample int
	isFloat       bool
	totalFrames   int
	frameSize     int
}

// NewStreamingSource opens path via mmap and wraps it with an attack buffer
// covering the first len(attack[0]) frames.
func NewStreamingSource(path string, attack [][]float32, dataStart int64, channels, bitsPerSample int, isFloat bool, totalFrames int) (*StreamingSource, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap open %s: %w", path, err)
	}
	bytesPerSample := bitsPerSample / 8
	return &StreamingSource{
		attack:        attack,
		reader:        reader,
		dataStart:     dataStart,
		channels:      channels,
		bitsPerSample: bitsPerSample,
		isFloat:       isFloat,
		totalFrames:   totalFrames,
		frameSize:     channels * bytesPerSample,
	}, nil
}

func (s *StreamingSource) attackFrames() int {
	if len(s.attack) == 0 {
		return 0
	}
	return len(s.attack[0])
}

func (s *StreamingSource) At(channel int, index int) float32 {
	if channel < 0 || channel >= s.channels {
		return 0
	}
	if index < 0 || index >= s.totalFrames {
		return 0
	}
	if index < s.attackFrames() {
		return s.attack[channel][index]
	}

	bytesPerSample := s.bitsPerSample / 8
	offset := s.dataStart + int64(index)*int64(s.frameSize) + int64(channel)*int64(bytesPerSample)
	raw := make([]byte, bytesPerSample)
	if _, err := s.reader.ReadAt(raw, offset); err != nil {
		return 0
	}
	v, err := wavfile.DecodeSample(raw, s.bitsPerSample, s.isFloat)
	if err != nil {
		return 0
	}
	return v
}

func (s *StreamingSource) Frames() int {
	return s.totalFrames
}

// Close releases the underlying memory map.
func (s *StreamingSource) Close() error {
	return s.reader.Close()
}

// Sample is an immutable record of a decoded (or partially decoded) WAV
// file, once inserted into the store. The only permitted mutation is
// replacement by a fuller version under the same key.
//
// Lifetime: a voice that is given a Sample handle calls Acquire while it
// holds it and Release when it no longer does (on finish or on swapping to
// a different handle). The store calls markEvicted when the entry is
// unloaded or replaced. The underlying Source is closed exactly once, when
// both conditions are true: evicted and no voice still holds a reference.
type Sample struct {
	StopID     string
	Path       string
	SampleRate float64
	Channels   int
	Loop       *LoopPoint
	RootNote   *uint8
	FineTune   *float64 // signed cents
	IsFull     bool
	Source     Source

	mu       sync.Mutex
	refCount int
	evicted  bool
}

// Key returns the store key this sample would be indexed under.
func (s *Sample) Key() string {
	return key(s.StopID, s.Path)
}

// Acquire records that a voice now holds this sample's handle, preventing
// its Source from being closed until a matching Release.
func (s *Sample) Acquire() {
	s.mu.Lock()
	s.refCount++
	s.mu.Unlock()
}

// Release records that a voice no longer holds this sample's handle. If the
// sample has already been evicted from the store and this was its last
// reference, the underlying Source is closed now.
func (s *Sample) Release() {
	s.mu.Lock()
	s.refCount--
	shouldClose := s.evicted && s.refCount <= 0
	s.mu.Unlock()
	if shouldClose {
		s.closeSource()
	}
}

// markEvicted marks the sample as removed from the store. If no voice
// currently holds a reference, the underlying Source is closed now;
// otherwise the last Release call does it.
func (s *Sample) markEvicted() {
	s.mu.Lock()
	s.evicted = true
	shouldClose := s.refCount <= 0
	s.mu.Unlock()
	if shouldClose {
		s.closeSource()
	}
}

func (s *Sample) closeSource() {
	closer, ok := s.Source.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Printf("store: closing source for %s: %v", s.Key(), err)
	}
}

func key(stopID, path string) string {
	return stopID + "-" + path
}

// Store is a concurrent keyed map of Samples. The controller calls
// LoadSample/UnloadSample from its own goroutine; the engine reads from the
// audio thread and also calls UnloadSample there (loading_mode "none") and
// LoadSample when it receives a LoadSample command. LoadSample does all
// decoding before taking the exclusive lock.
type Store struct {
	mu      sync.RWMutex
	samples map[string]*Sample
}

// New returns an empty Store.
func New() *Store {
	return &Store{samples: make(map[string]*Sample)}
}

// GetSample returns the current handle for (stopID, path), if any. It never
// blocks for longer than a map lookup.
func (s *Store) GetSample(stopID, path string) (*Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[key(stopID, path)]
	return sample, ok
}

// UnloadSample removes the entry for (stopID, path) if present. Voices
// already playing retain their handle independently and are unaffected: the
// removed Sample's Source is only closed once the last such voice releases
// it (see Sample.markEvicted).
func (s *Store) UnloadSample(stopID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(stopID, path)
	if old, ok := s.samples[k]; ok {
		old.markEvicted()
	}
	delete(s.samples, k)
}

// LoadSample reads and decodes the WAV file at path and inserts it under
// (stopID, path).
//
// Idempotency: if an entry already exists with IsFull == true, the call is
// always a no-op (a full sample is never replaced). If an entry exists that
// is partial and maxDuration is set, the call is also a no-op (a second
// preview load doesn't re-decode). Decoding happens entirely before the
// store is locked. Any sample
// replaced here is marked evicted the same way UnloadSample does, so its
// Source is closed once voices still playing it release their handles.
func (s *Store) LoadSample(stopID, path string, maxDuration *float64) error {
	if existing, ok := s.GetSample(stopID, path); ok {
		if existing.IsFull {
			return nil
		}
		if maxDuration != nil {
			return nil
		}
	}

	sample, err := decodeSample(stopID, path, maxDuration)
	if err != nil {
		return fmt.Errorf("load sample %s (%s): %w", path, stopID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(stopID, path)
	if old, ok := s.samples[k]; ok {
		old.markEvicted()
	}
	s.samples[k] = sample
	return nil
}

// MemoryUsage returns an approximate byte count of all InMemory-backed
// samples currently resident (the attack buffers of streaming samples are
// counted too, but the mapped file bytes are not, since the OS owns them).
func (s *Store) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, sample := range s.samples {
		switch src := sample.Source.(type) {
		case *InMemorySource:
			for _, ch := range src.channels {
				total += int64(len(ch)) * 4
			}
		case *StreamingSource:
			for _, ch := range src.attack {
				total += int64(len(ch)) * 4
			}
		}
	}
	return total
}

// Count returns the number of resident sample entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

func decodeSample(stopID, path string, maxDuration *float64) (*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	sample := &Sample{StopID: stopID, Path: path}

	parsed, err := wavfile.ParseHeader(f, func(format wavfile.Format, r io.Reader, dataSize uint32) error {
		sample.SampleRate = float64(format.SampleRate)
		sample.Channels = int(format.Channels)
		bytesPerSample := format.BytesPerSample()
		frameSize := int(format.Channels) * bytesPerSample
		if frameSize == 0 {
			return fmt.Errorf("invalid frame size")
		}
		totalFrames := int(dataSize) / frameSize

		if maxDuration != nil {
			framesToDecode := totalFrames
			if capped := int(*maxDuration * float64(format.SampleRate)); capped < framesToDecode {
				if capped < 0 {
					capped = 0
				}
				framesToDecode = capped
			}
			channels, err := decodeFrames(r, framesToDecode, int(format.Channels), bytesPerSample, int(format.BitsPerSample), format.IsFloat())
			if err != nil {
				return err
			}
			sample.Source = NewInMemorySource(channels)
			sample.IsFull = false
			return nil
		}

		attackFrames := int(attackBufferSeconds * float64(format.SampleRate))
		if attackFrames > totalFrames {
			attackFrames = totalFrames
		}
		attack, err := decodeFrames(r, attackFrames, int(format.Channels), bytesPerSample, int(format.BitsPerSample), format.IsFloat())
		if err != nil {
			return err
		}

		streaming, err := NewStreamingSource(path, attack, 0, int(format.Channels), int(format.BitsPerSample), format.IsFloat(), totalFrames)
		if err != nil {
			return err
		}
		sample.Source = streaming
		sample.IsFull = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if streaming, ok := sample.Source.(*StreamingSource); ok {
		streaming.dataStart = parsed.DataStart
	}

	if parsed.Smpl != nil {
		sample.RootNote = parsed.Smpl.RootNote
		sample.FineTune = parsed.Smpl.FineTune
		if parsed.Smpl.HasLoop {
			sample.Loop = &LoopPoint{Start: parsed.Smpl.LoopStart, End: parsed.Smpl.LoopEnd}
		}
	}

	return sample, nil
}

// decodeFrames reads count frames of interleaved PCM/float audio from r and
// returns them de-interleaved, one slice per channel.
func decodeFrames(r io.Reader, count, channels, bytesPerSample, bitsPerSample int, isFloat bool) ([][]float32, error) {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, 0, count)
	}

	frameBuf := make([]byte, channels*bytesPerSample)
	frame := make([]float32, channels)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, frameBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("read frame %d: %w", i, err)
		}
		if err := wavfile.DecodeFrame(frameBuf, channels, bitsPerSample, isFloat, frame); err != nil {
			return nil, err
		}
		for ch := 0; ch < channels; ch++ {
			out[ch] = append(out[ch], frame[ch])
		}
	}
	return out, nil
}
