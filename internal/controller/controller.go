// Package controller implements the line-delimited JSON protocol the
// organvoice engine is driven by: one command object per line on stdin,
// forwarded to the audio engine's command channel, with sample preloading
// and "sample-loaded" acknowledgements handled synchronously on this
// (non-audio) thread.
package controller

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"sync/atomic"

	"github.com/dspears312/organvoice/internal/engine"
	"github.com/dspears312/organvoice/internal/store"
)

// Controller owns the line-reading loop and the store's loader calls. It is
// the only thing besides the audio callback itself that touches the store
// for writes; it runs entirely off the audio thread, so its load_sample
// calls are free to block on disk I/O.
type Controller struct {
	Store  *store.Store
	Engine *engine.Engine
	Out    io.Writer

	harmonicStopsEnabled atomic.Bool
}

// SetHarmonicStopsEnabled toggles the harmonicNumber drawbar extension
// (spec.md Section 9 supplement): when enabled, a note-on's pitchOffset is
// additionally shifted by 1200*log2(harmonicNumber) cents if the message
// carries one. Safe to call concurrently with Run, e.g. from a live config
// reload.
func (c *Controller) SetHarmonicStopsEnabled(enabled bool) {
	c.harmonicStopsEnabled.Store(enabled)
}

// message is the wire shape of every supported controller command. Not
// every field applies to every type; unused fields are left zero.
type message struct {
	Type string `json:"type"`

	StopID      string   `json:"stopId"`
	Path        string   `json:"path"`
	PipePath    string   `json:"pipePath"`
	MaxDuration *float64 `json:"maxDuration"`

	Note           *int     `json:"note"`
	ReleasePath    string   `json:"releasePath"`
	Gain           *float64 `json:"gain"`
	PitchOffset    *float64 `json:"pitchOffset"`
	HarmonicNumber *float64 `json:"harmonicNumber"`

	DB float64 `json:"db"`

	Mode string `json:"mode"`
}

// resolvedPath returns Path, falling back to the pipePath alias.
func (m message) resolvedPath() string {
	if m.Path != "" {
		return m.Path
	}
	return m.PipePath
}

// sampleLoadedEvent is the single event type this engine emits to stdout.
type sampleLoadedEvent struct {
	Type     string `json:"type"`
	PipePath string `json:"pipePath"`
}

// Run reads newline-delimited JSON commands from r until EOF, dispatching
// each to the store or the engine's command channel. Malformed lines are
// logged and skipped; Run itself only returns an error on an I/O failure
// reading r, never on a bad command.
func (c *Controller) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Printf("controller: failed to parse command: %v -> %q", err, line)
			continue
		}

		c.dispatch(msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read controller input: %w", err)
	}
	return nil
}

func (c *Controller) dispatch(msg message) {
	switch msg.Type {
	case "load-sample":
		c.loadSample(msg.StopID, msg.resolvedPath(), msg.MaxDuration)

	case "unload-sample":
		c.Store.UnloadSample(msg.StopID, msg.resolvedPath())

	case "note-on":
		c.noteOn(msg)

	case "note-off":
		if msg.Note == nil {
			log.Printf("controller: note-off missing note")
			return
		}
		c.Engine.Send(engine.Command{
			Type:   engine.NoteOff,
			Note:   uint8(*msg.Note),
			StopID: msg.StopID,
		})

	case "set-global-gain":
		c.Engine.Send(engine.Command{Type: engine.SetGlobalGain, GainDB: msg.DB})

	case "set-release-mode":
		c.Engine.Send(engine.Command{Type: engine.SetReleaseMode, Mode: msg.Mode})

	case "set-loading-mode":
		c.Engine.Send(engine.Command{Type: engine.SetLoadingMode, Mode: msg.Mode})

	default:
		log.Printf("controller: unknown command type %q", msg.Type)
	}
}

// loadSample calls the store's loader synchronously (this thread may block
// on disk I/O) and emits a sample-loaded acknowledgement on success.
func (c *Controller) loadSample(stopID, path string, maxDuration *float64) {
	if path == "" {
		log.Printf("controller: load-sample missing path for stop %q", stopID)
		return
	}
	if err := c.Store.LoadSample(stopID, path, maxDuration); err != nil {
		log.Printf("controller: load sample %q (%s): %v", path, stopID, err)
		return
	}
	c.emitSampleLoaded(path)
}

// noteOn preflights the primary sample and, if present, the release sample
// (tolerating either failing independently, matching the original engine's
// on-the-fly loading fallback) before forwarding a NoteOn to the engine.
func (c *Controller) noteOn(msg message) {
	if msg.Note == nil {
		log.Printf("controller: note-on missing note")
		return
	}
	path := msg.resolvedPath()
	if path == "" {
		log.Printf("controller: note-on missing path for stop %q", msg.StopID)
		return
	}

	c.loadSample(msg.StopID, path, nil)
	if msg.ReleasePath != "" {
		c.loadSample(msg.StopID, msg.ReleasePath, nil)
	}

	gain := 1.0
	if msg.Gain != nil {
		gain = *msg.Gain
	}

	pitchOffset := 0.0
	if msg.PitchOffset != nil {
		pitchOffset = *msg.PitchOffset
	}
	if c.harmonicStopsEnabled.Load() && msg.HarmonicNumber != nil && *msg.HarmonicNumber > 0 {
		pitchOffset += 1200 * math.Log2(*msg.HarmonicNumber)
	}

	c.Engine.Send(engine.Command{
		Type:        engine.NoteOn,
		Note:        uint8(*msg.Note),
		StopID:      msg.StopID,
		Path:        path,
		ReleasePath: msg.ReleasePath,
		Gain:        gain,
		PitchOffset: pitchOffset,
	})
}

func (c *Controller) emitSampleLoaded(path string) {
	if c.Out == nil {
		return
	}
	enc := json.NewEncoder(c.Out)
	if err := enc.Encode(sampleLoadedEvent{Type: "sample-loaded", PipePath: path}); err != nil {
		log.Printf("controller: failed to emit sample-loaded event: %v", err)
	}
}
