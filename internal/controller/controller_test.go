package controller

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dspears312/organvoice/internal/engine"
	"github.com/dspears312/organvoice/internal/store"
)

func writeTestWAV(t *testing.T, dir, name string, sampleRate uint32, frameCount int) string {
	t.Helper()

	appendU16 := func(b []byte, v uint16) []byte {
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, v)
		return append(b, buf...)
	}
	appendU32 := func(b []byte, v uint32) []byte {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		return append(b, buf...)
	}

	var fmtChunk []byte
	fmtChunk = appendU16(fmtChunk, 1)
	fmtChunk = appendU16(fmtChunk, 1)
	fmtChunk = appendU32(fmtChunk, sampleRate)
	fmtChunk = appendU32(fmtChunk, sampleRate*2)
	fmtChunk = appendU16(fmtChunk, 2)
	fmtChunk = appendU16(fmtChunk, 16)

	var dataChunk []byte
	for i := 0; i < frameCount; i++ {
		dataChunk = appendU16(dataChunk, 1000)
	}

	var body []byte
	body = append(body, "WAVE"...)
	body = append(body, "fmt "...)
	body = appendU32(body, uint32(len(fmtChunk)))
	body = append(body, fmtChunk...)
	body = append(body, "data"...)
	body = appendU32(body, uint32(len(dataChunk)))
	body = append(body, dataChunk...)

	var out []byte
	out = append(out, "RIFF"...)
	out = appendU32(out, uint32(len(body)))
	out = append(out, body...)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatalf("write test wav: %v", err)
	}
	return path
}

func newTestController(s *store.Store, e *engine.Engine, out *bytes.Buffer) *Controller {
	return &Controller{Store: s, Engine: e, Out: out}
}

func TestRun_LoadSample_EmitsSampleLoaded(t *testing.T) {
	dir := t.TempDir()
	path := writeTestWAV(t, dir, "c4.wav", 48000, 4800)
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReleaseMode: "synthetic", LoadingMode: "keep", ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	line := `{"type":"load-sample","stopId":"diapason","path":"` + escapeJSON(path) + `"}`
	if err := c.Run(strings.NewReader(line + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, ok := s.GetSample("diapason", path); !ok {
		t.Fatal("expected sample to be loaded")
	}
	if !strings.Contains(out.String(), `"sample-loaded"`) {
		t.Errorf("expected sample-loaded event, got %q", out.String())
	}
	if !strings.Contains(out.String(), "pipePath") {
		t.Errorf("expected pipePath field in event, got %q", out.String())
	}
}

func TestRun_LoadSample_PipePathAlias(t *testing.T) {
	dir := t.TempDir()
	path := writeTestWAV(t, dir, "c4.wav", 48000, 4800)
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	line := `{"type":"load-sample","stopId":"diapason","pipePath":"` + escapeJSON(path) + `"}`
	if err := c.Run(strings.NewReader(line + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, ok := s.GetSample("diapason", path); !ok {
		t.Fatal("expected sample to be loaded via pipePath alias")
	}
}

func TestRun_UnloadSample(t *testing.T) {
	dir := t.TempDir()
	path := writeTestWAV(t, dir, "c4.wav", 48000, 4800)
	s := store.New()
	if err := s.LoadSample("diapason", path, nil); err != nil {
		t.Fatalf("LoadSample() error = %v", err)
	}
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	line := `{"type":"unload-sample","stopId":"diapason","path":"` + escapeJSON(path) + `"}`
	if err := c.Run(strings.NewReader(line + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, ok := s.GetSample("diapason", path); ok {
		t.Error("expected sample to be unloaded")
	}
}

func TestRun_NoteOn_PreloadsAndSpawnsVoice(t *testing.T) {
	dir := t.TempDir()
	path := writeTestWAV(t, dir, "c4.wav", 48000, 48000)
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReleaseMode: "synthetic", LoadingMode: "keep", ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	line := `{"type":"note-on","note":60,"stopId":"diapason","path":"` + escapeJSON(path) + `"}`
	if err := c.Run(strings.NewReader(line + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	buf := make([]float32, 128*2)
	e.RenderBlock(buf)
	if e.VoiceCount() != 1 {
		t.Fatalf("VoiceCount() = %d, want 1 (note-on should preload and spawn)", e.VoiceCount())
	}
}

func TestRun_NoteOff_Forwarded(t *testing.T) {
	dir := t.TempDir()
	path := writeTestWAV(t, dir, "c4.wav", 48000, 480000)
	s := store.New()
	if err := s.LoadSample("diapason", path, nil); err != nil {
		t.Fatalf("LoadSample() error = %v", err)
	}
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReleaseMode: "synthetic", LoadingMode: "keep", ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	lines := []string{
		`{"type":"note-on","note":60,"stopId":"diapason","path":"` + escapeJSON(path) + `"}`,
		`{"type":"note-off","note":60,"stopId":"diapason"}`,
	}
	if err := c.Run(strings.NewReader(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	buf := make([]float32, 128*2)
	e.RenderBlock(buf) // drains both the note-on and the note-off
	e.RenderBlock(buf) // release still in progress

	if e.VoiceCount() != 1 {
		t.Fatalf("VoiceCount() = %d, want 1 (still releasing)", e.VoiceCount())
	}
}

func TestRun_SetGlobalGain_SetReleaseMode_SetLoadingMode_DoNotError(t *testing.T) {
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	lines := []string{
		`{"type":"set-global-gain","db":-6}`,
		`{"type":"set-release-mode","mode":"synthetic"}`,
		`{"type":"set-loading-mode","mode":"keep"}`,
	}
	if err := c.Run(strings.NewReader(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	buf := make([]float32, 128*2)
	e.RenderBlock(buf) // should not panic applying the queued commands
}

func TestRun_MalformedLineIsSkippedNotFatal(t *testing.T) {
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	lines := "not json at all\n" + `{"type":"set-global-gain","db":0}` + "\n"
	if err := c.Run(strings.NewReader(lines)); err != nil {
		t.Fatalf("Run() should tolerate malformed lines, got error = %v", err)
	}
}

func TestRun_UnknownTypeIsSkipped(t *testing.T) {
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	if err := c.Run(strings.NewReader(`{"type":"frobnicate"}` + "\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_BlankLinesSkipped(t *testing.T) {
	s := store.New()
	e := engine.New(engine.Options{Store: s, SampleRate: 48000, Channels: 2, ReportIntervalFrames: 1000000})
	var out bytes.Buffer
	c := newTestController(s, e, &out)

	if err := c.Run(strings.NewReader("\n\n\n")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestMessage_ResolvedPath_PrefersPath(t *testing.T) {
	m := message{Path: "a.wav", PipePath: "b.wav"}
	if got := m.resolvedPath(); got != "a.wav" {
		t.Errorf("resolvedPath() = %q, want %q", got, "a.wav")
	}
}

func TestMessage_ResolvedPath_FallsBackToPipePath(t *testing.T) {
	m := message{PipePath: "b.wav"}
	if got := m.resolvedPath(); got != "b.wav" {
		t.Errorf("resolvedPath() = %q, want %q", got, "b.wav")
	}
}

func escapeJSON(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}
