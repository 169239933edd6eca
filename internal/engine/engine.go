// Package engine runs the realtime audio callback loop: draining commands,
// auto-swapping partial samples for full ones, mixing active voices into
// the output buffer, and periodically reporting engine health.
package engine

import (
	"log"
	"math"

	"github.com/dspears312/organvoice/internal/store"
	"github.com/dspears312/organvoice/internal/voice"
)

// CommandQueueSize is the channel capacity backing the command FIFO.
// Producers never block on a full queue; see Engine.Send.
const CommandQueueSize = 4096

// Default envelope timings (seconds), used when Options leaves the
// corresponding field at its zero value. cmd/root.go normally overrides all
// four from config.Settings.
const (
	defaultRestrikeFadeSeconds       = 0.01
	defaultAttackSeconds             = 0.005
	defaultReleaseSeconds            = 0.2
	defaultAuthenticCrossfadeSeconds = 0.05
)

const (
	releaseModeAuthentic = "authentic"
	loadingModeNone      = "none"
)

// Engine is the audio thread's local state: active voices and the current
// gain/release/loading configuration. It is never touched except from
// inside the render callback.
type Engine struct {
	store *store.Store

	commands chan Command

	voices []*voice.Voice

	globalGain  float64
	releaseMode string
	loadingMode string

	sampleRate float64
	channels   int

	rootNoteHeuristic bool

	attackSeconds             float64
	releaseSeconds            float64
	restrikeFadeSeconds       float64
	authenticCrossfadeSeconds float64

	reportIntervalFrames int
	framesSinceReport    int
}

// Options configures a new Engine. AttackTime, ReleaseTime,
// RestrikeFadeTime and AuthenticCrossfadeTime fall back to this package's
// defaults when left at zero, matching spec.md Section 9's guidance to
// expose the previously hard-coded envelope timings as configuration.
type Options struct {
	Store                *store.Store
	SampleRate           float64
	Channels             int
	ReleaseMode          string
	LoadingMode          string
	GlobalGainDB         float64
	ReportIntervalFrames int
	RootNoteHeuristic    bool

	AttackTime             float64
	ReleaseTime            float64
	RestrikeFadeTime       float64
	AuthenticCrossfadeTime float64
}

func withDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// New constructs an Engine bound to store, ready to accept commands and
// render audio blocks.
func New(opts Options) *Engine {
	return &Engine{
		store:                     opts.Store,
		commands:                  make(chan Command, CommandQueueSize),
		globalGain:                dbToLinear(opts.GlobalGainDB),
		releaseMode:               opts.ReleaseMode,
		loadingMode:               opts.LoadingMode,
		sampleRate:                opts.SampleRate,
		channels:                  opts.Channels,
		rootNoteHeuristic:         opts.RootNoteHeuristic,
		attackSeconds:             withDefault(opts.AttackTime, defaultAttackSeconds),
		releaseSeconds:            withDefault(opts.ReleaseTime, defaultReleaseSeconds),
		restrikeFadeSeconds:       withDefault(opts.RestrikeFadeTime, defaultRestrikeFadeSeconds),
		authenticCrossfadeSeconds: withDefault(opts.AuthenticCrossfadeTime, defaultAuthenticCrossfadeSeconds),
		reportIntervalFrames:      opts.ReportIntervalFrames,
	}
}

// Send enqueues a command for the next block's drain phase. Never blocks:
// if the queue is saturated, the command is dropped and logged, matching
// the documented "tolerate rather than stall" backpressure policy.
func (e *Engine) Send(cmd Command) {
	select {
	case e.commands <- cmd:
	default:
		log.Printf("engine: command queue full, dropping command type %d", cmd.Type)
	}
}

// VoiceCount returns the number of currently active (non-finished) voices.
func (e *Engine) VoiceCount() int {
	return len(e.voices)
}

func dbToLinear(db float64) float64 {
	if db == 0 {
		return 1
	}
	return math.Pow(10, db/20)
}

// RenderBlock runs the five-phase engine loop once per host audio callback
// and fills buf (interleaved, e.channels per frame) with the mixed output.
func (e *Engine) RenderBlock(buf []float32) {
	queuedReleases := e.drainCommands()

	e.autoSwap()
	e.voices = append(e.voices, queuedReleases...)

	e.render(buf)

	e.cleanup()

	e.report(len(buf) / e.channels)
}

// drainCommands is Phase 1: non-blocking receive until empty, applying
// each command's engine-local effect. NoteOff crossfades that need a
// paired release voice are returned for Phase 2 to append, so the
// newly-queued voice does not see its own NoteOff pass during this drain.
func (e *Engine) drainCommands() []*voice.Voice {
	var queuedReleases []*voice.Voice

	for {
		select {
		case cmd := <-e.commands:
			switch cmd.Type {
			case LoadSample:
				if err := e.store.LoadSample(cmd.StopID, cmd.Path, cmd.MaxDuration); err != nil {
					log.Printf("engine: load sample failed: %v", err)
				}
			case UnloadSample:
				e.store.UnloadSample(cmd.StopID, cmd.Path)
			case NoteOn:
				e.handleNoteOn(cmd)
			case NoteOff:
				if rv := e.handleNoteOff(cmd); rv != nil {
					queuedReleases = append(queuedReleases, rv)
				}
			case SetGlobalGain:
				e.globalGain = dbToLinear(cmd.GainDB)
			case SetReleaseMode:
				e.releaseMode = cmd.Mode
			case SetLoadingMode:
				e.loadingMode = cmd.Mode
			}
		default:
			return queuedReleases
		}
	}
}

func (e *Engine) handleNoteOn(cmd Command) {
	for _, v := range e.voices {
		if v.Note == cmd.Note && v.StopID == cmd.StopID && !v.IsFinished() {
			v.SetReleaseSamples(e.restrikeFadeSeconds * e.sampleRate)
			v.ForceRelease()
		}
	}

	sample, ok := e.store.GetSample(cmd.StopID, cmd.Path)
	if !ok {
		return
	}

	v, err := voice.New(voice.Options{
		Sample:            sample,
		Path:              cmd.Path,
		Note:              cmd.Note,
		OutputSampleRate:  e.sampleRate,
		Gain:              cmd.Gain,
		ReleasePath:       cmd.ReleasePath,
		AttackTime:        e.attackSeconds,
		ReleaseTime:       e.releaseSeconds,
		PitchOffsetCents:  cmd.PitchOffset,
		RootNoteHeuristic: e.rootNoteHeuristic,
	})
	if err != nil {
		log.Printf("engine: note-on voice construction failed: %v", err)
		return
	}
	e.voices = append(e.voices, v)
}

// handleNoteOff returns a new release voice to queue for Phase 2 append,
// or nil if the release is purely synthetic (no new voice needed).
func (e *Engine) handleNoteOff(cmd Command) *voice.Voice {
	var released *voice.Voice

	for _, v := range e.voices {
		if v.Note != cmd.Note || v.StopID != cmd.StopID || v.State() != voice.Playing || v.IsRelease {
			continue
		}

		if e.releaseMode == releaseModeAuthentic && v.ReleasePath != "" {
			v.SetReleaseSamples(e.authenticCrossfadeSeconds * e.sampleRate)
			v.Release()

			releaseSample, ok := e.store.GetSample(v.StopID, v.ReleasePath)
			if ok {
				pitch := v.PitchFactor()
				rv, err := voice.New(voice.Options{
					Sample:            releaseSample,
					Path:              v.ReleasePath,
					Note:              v.Note,
					OutputSampleRate:  e.sampleRate,
					Gain:              v.Gain,
					AttackTime:        e.authenticCrossfadeSeconds,
					ReleaseTime:       e.releaseSeconds,
					ManualPitchFactor: &pitch,
					IsRelease:         true,
				})
				if err != nil {
					log.Printf("engine: authentic release voice construction failed: %v", err)
				} else {
					released = rv
				}
			}
		} else {
			v.SetReleaseSamples(e.releaseSeconds * e.sampleRate)
			v.Release()
		}

		if e.loadingMode == loadingModeNone {
			e.store.UnloadSample(v.StopID, v.Path)
		}
	}

	return released
}

// autoSwap is Phase 2: every voice on a partial sample checks the store for
// a fuller version and hot-swaps to it without disrupting playback.
func (e *Engine) autoSwap() {
	for _, v := range e.voices {
		sample := v.Sample()
		if sample.IsFull {
			continue
		}
		full, ok := e.store.GetSample(sample.StopID, v.Path)
		if ok && full.IsFull {
			v.SwapSample(full, e.sampleRate)
		}
	}
}

// render is Phase 3: zero the buffer, mix every voice into it, then apply
// global gain if not unity.
func (e *Engine) render(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
	for _, v := range e.voices {
		v.RenderInto(buf, e.channels)
	}
	if e.globalGain != 1 {
		for i := range buf {
			buf[i] *= float32(e.globalGain)
		}
	}
}

// cleanup is Phase 4: drop finished voices, unloading their primary sample
// if loading_mode == "none".
func (e *Engine) cleanup() {
	live := e.voices[:0]
	for _, v := range e.voices {
		if v.IsFinished() {
			if e.loadingMode == loadingModeNone {
				e.store.UnloadSample(v.StopID, v.Path)
			}
			v.Sample().Release()
			continue
		}
		live = append(live, v)
	}
	e.voices = live
}

// report is Phase 5: every reportIntervalFrames frames, log memory usage,
// voice count, and the current release/loading modes.
func (e *Engine) report(framesThisBlock int) {
	e.framesSinceReport += framesThisBlock
	if e.framesSinceReport < e.reportIntervalFrames {
		return
	}
	e.framesSinceReport = 0
	log.Printf("engine: voices=%d memory=%dB release_mode=%s loading_mode=%s",
		len(e.voices), e.store.MemoryUsage(), e.releaseMode, e.loadingMode)
}
