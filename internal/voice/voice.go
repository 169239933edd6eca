// Package voice implements a single sustaining/releasing playback source:
// pitch-shifted, cubic-interpolated sample rendering with envelope and
// loop-point wrap.
package voice

import (
	"errors"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dspears312/organvoice/internal/store"
)

// ErrNoSample indicates a Voice was constructed without a usable sample
// handle.
var ErrNoSample = errors.New("voice: sample handle is nil")

// State is the voice's position in its Playing -> Releasing -> Finished
// lifecycle. There are no reverse edges.
type State int

const (
	Playing State = iota
	Releasing
	Finished
)

// Options configures a new Voice. Sample, Note and OutputSampleRate are
// required; the rest have zero values that are valid for the common case.
type Options struct {
	Sample            *store.Sample
	Path              string
	Note              uint8
	OutputSampleRate  float64
	Gain              float64
	ReleasePath       string
	AttackTime        float64 // seconds
	ReleaseTime       float64 // seconds
	ManualPitchFactor *float64
	PitchOffsetCents  float64
	IsRelease         bool

	// RootNoteHeuristic gates the filename-based root-note recovery
	// heuristic (spec.md Section 9 Open Questions): when a sample carries
	// no root_note and this is set, New tries to recover one from a
	// trailing "_NN" MIDI number in Path before falling back to no pitch
	// correction. Off by default to match the simpler Voice::new variant.
	RootNoteHeuristic bool
}

// Voice owns a strong handle to its current Sample and renders one
// pitch-shifted, cubic-interpolated stream of stereo frames.
type Voice struct {
	sample *store.Sample

	Path        string
	Note        uint8
	StopID      string
	ReleasePath string
	Gain        float64
	IsRelease   bool

	pitchFactor float64
	increment   float64
	position    float64

	state               State
	envelope            float64
	attackSamples       float64
	releaseSamples      float64
	samplesSinceStart   float64
	samplesSinceRelease float64
}

// New constructs a Voice from opts. Pitch is computed from root_note/fine_tune
// and pitch_offset unless opts.ManualPitchFactor overrides it.
func New(opts Options) (*Voice, error) {
	if opts.Sample == nil {
		return nil, ErrNoSample
	}

	v := &Voice{
		sample:        opts.Sample,
		Path:          opts.Path,
		Note:          opts.Note,
		StopID:        opts.Sample.StopID,
		ReleasePath:   opts.ReleasePath,
		Gain:          opts.Gain,
		IsRelease:     opts.IsRelease,
		state:          Playing,
		attackSamples:  opts.AttackTime * opts.OutputSampleRate,
		releaseSamples: opts.ReleaseTime * opts.OutputSampleRate,
	}

	v.pitchFactor = computePitchFactor(opts, opts.Sample)
	v.recomputeIncrement(opts.OutputSampleRate)
	opts.Sample.Acquire()
	return v, nil
}

func computePitchFactor(opts Options, sample *store.Sample) float64 {
	if opts.ManualPitchFactor != nil {
		return *opts.ManualPitchFactor
	}

	rootNote := sample.RootNote
	if rootNote == nil && opts.RootNoteHeuristic {
		if recovered, ok := rootNoteFromFilename(opts.Path); ok {
			rootNote = &recovered
		}
	}

	var wavTuning float64
	if rootNote != nil {
		wavTuning = float64(int(opts.Note)-int(*rootNote)) * 100
	}
	if sample.FineTune != nil {
		wavTuning -= *sample.FineTune
	}

	totalCents := wavTuning + opts.PitchOffsetCents
	return math.Pow(2, totalCents/1200)
}

// rootNoteFromFilename recovers a MIDI root note from a sample path whose
// base name ends in "_NN" (e.g. "diapason_60.wav" -> 60). Returns false if
// no trailing number is found or it falls outside the valid MIDI range.
func rootNoteFromFilename(path string) (uint8, bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(base, "_")
	if idx < 0 || idx == len(base)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil || n < 1 || n > 127 {
		return 0, false
	}
	return uint8(n), true
}

func (v *Voice) recomputeIncrement(outputSampleRate float64) {
	v.increment = (v.sample.SampleRate / outputSampleRate) * v.pitchFactor
}

// State returns the voice's current lifecycle state.
func (v *Voice) State() State {
	return v.state
}

// IsFinished reports whether the voice has completed its release fade.
func (v *Voice) IsFinished() bool {
	return v.state == Finished
}

// SetReleaseSamples overrides the release fade duration in frames. The
// engine calls this before Release to control fade length for restrikes,
// synthetic fades, and authentic-release crossfades.
func (v *Voice) SetReleaseSamples(n float64) {
	v.releaseSamples = n
}

// Release transitions Playing -> Releasing. No-op if already releasing or
// finished.
func (v *Voice) Release() {
	if v.state != Playing {
		return
	}
	v.state = Releasing
	v.samplesSinceRelease = 0
}

// ForceRelease resets the release fade unconditionally, regardless of the
// voice's current state. The engine uses this for a restrike: a voice that
// is already Releasing (e.g. from an earlier restrike or note-off) still
// needs its fade restarted from the top rather than left to finish the
// fade already in progress.
func (v *Voice) ForceRelease() {
	v.state = Releasing
	v.samplesSinceRelease = 0
}

// SwapSample replaces the current sample handle with a fuller one, keeping
// position and recomputing the playback increment. Called only when the
// voice's source is partial and a full sample has become available.
func (v *Voice) SwapSample(newSample *store.Sample, outputSampleRate float64) {
	old := v.sample
	newSample.Acquire()
	v.sample = newSample
	v.recomputeIncrement(outputSampleRate)
	old.Release()
}

// Sample returns the voice's current sample handle.
func (v *Voice) Sample() *store.Sample {
	return v.sample
}

// PitchFactor returns the voice's resolved pitch multiplier, for
// constructing a paired release voice that must inherit the exact pitch.
func (v *Voice) PitchFactor() float64 {
	return v.pitchFactor
}

// fetch returns the sample value at frame index idx for channel, applying
// the boundary and loop-wrap rules: below 0 returns frame 0, at/after
// length with no loop returns 0, and past loop_end wraps back to
// loop_start.
func (v *Voice) fetch(channel int, idx int) float32 {
	length := v.sample.Source.Frames()
	loop := v.sample.Loop

	if idx < 0 {
		return v.sample.Source.At(channel, 0)
	}
	if loop != nil && loop.End > loop.Start {
		loopStart, loopEnd := int(loop.Start), int(loop.End)
		if idx >= loopEnd {
			span := loopEnd - loopStart
			idx = loopStart + ((idx - loopEnd) % span)
		}
		return v.sample.Source.At(channel, idx)
	}
	if idx >= length {
		return 0
	}
	return v.sample.Source.At(channel, idx)
}

func cubic(y0, y1, y2, y3, f float32) float32 {
	a := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	b := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	c := -0.5*y0 + 0.5*y2
	d := y1
	return a*f*f*f + b*f*f + c*f + d
}

// NextSample produces one stereo frame and advances all playback and
// envelope state.
func (v *Voice) NextSample() (left, right float32) {
	if v.state == Finished {
		return 0, 0
	}

	length := v.sample.Source.Frames()
	looping := v.sample.Loop != nil && v.sample.Loop.End > v.sample.Loop.Start
	if !looping && int(math.Floor(v.position)) >= length {
		v.state = Finished
		v.envelope = 0
		return 0, 0
	}
	if looping && v.position >= float64(v.sample.Loop.End) {
		v.position = float64(v.sample.Loop.Start) + (v.position - float64(v.sample.Loop.End))
	}

	i := int(math.Floor(v.position))
	frac := float32(v.position - math.Floor(v.position))

	left = v.renderChannel(0, i, frac)
	if v.sample.Channels >= 2 {
		right = v.renderChannel(1, i, frac)
	} else {
		right = left
	}

	left *= float32(v.Gain * v.envelope)
	right *= float32(v.Gain * v.envelope)

	v.position += v.increment
	v.updateEnvelope()

	return left, right
}

func (v *Voice) renderChannel(channel, i int, f float32) float32 {
	y0 := v.fetch(channel, i-1)
	y1 := v.fetch(channel, i)
	y2 := v.fetch(channel, i+1)
	y3 := v.fetch(channel, i+2)
	return cubic(y0, y1, y2, y3, f)
}

func (v *Voice) updateEnvelope() {
	switch v.state {
	case Playing:
		if v.samplesSinceStart < v.attackSamples {
			v.samplesSinceStart++
			v.envelope = math.Min(1, v.samplesSinceStart/v.attackSamples)
		} else {
			v.envelope = 1
		}
	case Releasing:
		v.samplesSinceRelease++
		if v.releaseSamples <= 0 {
			v.envelope = 0
			v.state = Finished
			return
		}
		v.envelope = 1 - v.samplesSinceRelease/v.releaseSamples
		if v.envelope <= 0 {
			v.envelope = 0
			v.state = Finished
		}
	case Finished:
		v.envelope = 0
	}
}

// RenderInto adds this voice's rendered frames into an interleaved output
// buffer (channels per frame), stopping early once the voice finishes.
func (v *Voice) RenderInto(buf []float32, channels int) {
	frames := len(buf) / channels
	for i := 0; i < frames; i++ {
		if v.state == Finished {
			return
		}
		l, r := v.NextSample()
		off := i * channels
		buf[off] += l
		if channels > 1 {
			buf[off+1] += r
		}
	}
}
