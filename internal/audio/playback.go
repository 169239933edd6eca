// internal/audio/playback.go
package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// BytesPerFloat32 is the number of bytes in a float32 sample.
const BytesPerFloat32 = 4

var (
	ErrNotInitialized  = errors.New("audio playback not initialized")
	ErrAlreadyRunning  = errors.New("audio playback already running")
	ErrNotRunning      = errors.New("audio playback not running")
	ErrNoUsableDevice  = errors.New("no usable output device configuration found")
)

// Config holds audio playback configuration. DeviceIndex selects an
// explicit output device; -1 uses the backend default.
type Config struct {
	DeviceIndex int
	Channels    uint32
}

// RenderCallback fills buf (interleaved, Config.Channels per frame) with
// the next block of output audio. Called directly from the audio thread:
// it must never block or allocate.
type RenderCallback func(buf []float32)

// Playback owns the realtime output device and invokes a RenderCallback
// once per host callback to fill the output buffer.
type Playback struct {
	config  Config
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running atomic.Bool
	mu      sync.Mutex

	callbackPtr atomic.Pointer[RenderCallback]

	// SampleRate is the negotiated output sample rate, set once Start
	// succeeds.
	SampleRate uint32
}

// New creates a new audio playback instance.
func New(cfg Config) *Playback {
	return &Playback{config: cfg}
}

// SetCallback sets the render callback. The callback pointer is swapped
// atomically, so it may be set before or after Start.
func (p *Playback) SetCallback(cb RenderCallback) {
	if cb == nil {
		p.callbackPtr.Store(nil)
	} else {
		p.callbackPtr.Store(&cb)
	}
}

// Init initializes the audio backend.
func (p *Playback) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return errors.New("already initialized")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	p.ctx = ctx
	return nil
}

// ListDevices returns available playback devices.
func (p *Playback) ListDevices() ([]malgo.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return nil, ErrNotInitialized
	}
	infos, err := p.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return infos, nil
}

// candidateSampleRates are tried in order at Start: preferred 48kHz, then
// the 44.1kHz fallback, then 0 (let the backend pick the device default).
var candidateSampleRates = []uint32{48000, 44100, 0}

// defaultDeviceSampleRate is assumed when the backend is left to pick its
// own default (rate candidate 0); miniaudio backends overwhelmingly default
// to 48kHz on modern hardware.
const defaultDeviceSampleRate = 48000

// Start begins audio playback, trying candidateSampleRates in order and
// keeping the first one malgo accepts. Fails startup if none succeed.
func (p *Playback) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		p.running.Store(false)
		return ErrNotInitialized
	}
	audioCtx := p.ctx.Context

	var deviceID *malgo.DeviceID
	if p.config.DeviceIndex >= 0 {
		devices, err := p.ctx.Devices(malgo.Playback)
		if err != nil {
			p.mu.Unlock()
			p.running.Store(false)
			return fmt.Errorf("enumerate devices: %w", err)
		}
		if p.config.DeviceIndex >= len(devices) {
			p.mu.Unlock()
			p.running.Store(false)
			return fmt.Errorf("device index %d out of range (have %d devices)",
				p.config.DeviceIndex, len(devices))
		}
		deviceID = &devices[p.config.DeviceIndex].ID
	}
	p.mu.Unlock()

	onSendFrames := func(outputSamples, inputSamples []byte, frameCount uint32) {
		out := bytesAsFloat32(outputSamples)
		if cbPtr := p.callbackPtr.Load(); cbPtr != nil {
			(*cbPtr)(out)
		}
	}

	var lastErr error
	for _, rate := range candidateSampleRates {
		deviceConfig := malgo.DeviceConfig{
			DeviceType: malgo.Playback,
			Playback: malgo.SubConfig{
				Format:   malgo.FormatF32,
				Channels: p.config.Channels,
			},
		}
		if rate != 0 {
			deviceConfig.SampleRate = rate
		}
		if deviceID != nil {
			deviceConfig.Playback.DeviceID = deviceID.Pointer()
		}

		device, err := malgo.InitDevice(audioCtx, deviceConfig, malgo.DeviceCallbacks{Data: onSendFrames})
		if err != nil {
			lastErr = err
			continue
		}
		if err := device.Start(); err != nil {
			device.Uninit()
			lastErr = err
			continue
		}

		p.mu.Lock()
		p.device = device
		p.mu.Unlock()
		if rate != 0 {
			p.SampleRate = rate
		} else {
			p.SampleRate = defaultDeviceSampleRate
		}
		log.Printf("audio: started playback at %d Hz, %d channel(s)", p.SampleRate, p.config.Channels)
		return nil
	}

	p.running.Store(false)
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoUsableDevice, lastErr)
	}
	return ErrNoUsableDevice
}

// Stop stops audio playback.
func (p *Playback) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device != nil {
		if err := p.device.Stop(); err != nil {
			log.Printf("audio: device stop: %v", err)
		}
		p.device.Uninit()
		p.device = nil
	}
	return nil
}

// Close releases all audio resources.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() && p.device != nil {
		if err := p.device.Stop(); err != nil {
			log.Printf("audio: device stop on close: %v", err)
		}
		p.device.Uninit()
		p.device = nil
		p.running.Store(false)
	}

	if p.ctx != nil {
		if err := p.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninit context: %w", err)
		}
		p.ctx.Free()
		p.ctx = nil
	}
	return nil
}

// IsRunning returns true if playback is active.
func (p *Playback) IsRunning() bool {
	return p.running.Load()
}

// bytesAsFloat32 performs zero-copy conversion of a byte slice to a float32
// slice. The returned slice shares memory with the input; it must not be
// retained past the callback.
func bytesAsFloat32(data []byte) []float32 {
	if len(data) < BytesPerFloat32 {
		return nil
	}
	numSamples := len(data) / BytesPerFloat32
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), numSamples)
}
