package audio

import (
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	cfg := Config{DeviceIndex: 2, Channels: 2}
	p := New(cfg)

	if p == nil {
		t.Fatal("New() returned nil")
	}
	if p.config.DeviceIndex != 2 {
		t.Errorf("p.config.DeviceIndex = %d, want 2", p.config.DeviceIndex)
	}
	if p.config.Channels != 2 {
		t.Errorf("p.config.Channels = %d, want 2", p.config.Channels)
	}
}

func TestPlayback_IsRunning_InitialState(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})
	if p.IsRunning() {
		t.Error("IsRunning() = true for new playback, want false")
	}
}

func TestPlayback_SetCallback(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})
	p.SetCallback(func(buf []float32) {})

	if p.callbackPtr.Load() == nil {
		t.Error("SetCallback() did not set callback")
	}
}

func TestPlayback_SetCallback_Nil(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})
	p.SetCallback(func(buf []float32) {})
	p.SetCallback(nil)

	if p.callbackPtr.Load() != nil {
		t.Error("SetCallback(nil) should clear callback")
	}
}

func TestPlayback_ListDevices_NotInitialized(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})

	_, err := p.ListDevices()
	if err != ErrNotInitialized {
		t.Errorf("ListDevices() error = %v, want ErrNotInitialized", err)
	}
}

func TestPlayback_Start_NotInitialized(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})

	err := p.Start()
	if err != ErrNotInitialized {
		t.Errorf("Start() error = %v, want ErrNotInitialized", err)
	}
	if p.IsRunning() {
		t.Error("Start() left playback marked running after ErrNotInitialized")
	}
}

func TestPlayback_Start_AlreadyRunning(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})
	p.running.Store(true)

	err := p.Start()
	if err != ErrAlreadyRunning {
		t.Errorf("Start() when running error = %v, want ErrAlreadyRunning", err)
	}
}

func TestPlayback_Stop_NotRunning(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})

	err := p.Stop()
	if err != ErrNotRunning {
		t.Errorf("Stop() error = %v, want ErrNotRunning", err)
	}
}

func TestBytesAsFloat32_ZeroCopy(t *testing.T) {
	// 1.0 = 0x3F800000, -1.0 = 0xBF800000, little-endian.
	raw := []byte{0x00, 0x00, 0x80, 0x3F, 0x00, 0x00, 0x80, 0xBF}

	result := bytesAsFloat32(raw)

	if len(result) != 2 {
		t.Fatalf("length = %d, want 2", len(result))
	}
	if result[0] != 1.0 {
		t.Errorf("result[0] = %f, want 1.0", result[0])
	}
	if result[1] != -1.0 {
		t.Errorf("result[1] = %f, want -1.0", result[1])
	}
}

func TestBytesAsFloat32_Empty(t *testing.T) {
	result := bytesAsFloat32([]byte{})
	if result != nil {
		t.Errorf("bytesAsFloat32(empty) = %v, want nil", result)
	}
}

func TestBytesAsFloat32_TooSmall(t *testing.T) {
	result := bytesAsFloat32([]byte{0x00, 0x00, 0x80})
	if result != nil {
		t.Errorf("bytesAsFloat32(3 bytes) = %v, want nil", result)
	}
}

func TestErrors(t *testing.T) {
	if ErrNotInitialized.Error() != "audio playback not initialized" {
		t.Errorf("ErrNotInitialized message wrong: %v", ErrNotInitialized)
	}
	if ErrAlreadyRunning.Error() != "audio playback already running" {
		t.Errorf("ErrAlreadyRunning message wrong: %v", ErrAlreadyRunning)
	}
	if ErrNotRunning.Error() != "audio playback not running" {
		t.Errorf("ErrNotRunning message wrong: %v", ErrNotRunning)
	}
	if ErrNoUsableDevice.Error() != "no usable output device configuration found" {
		t.Errorf("ErrNoUsableDevice message wrong: %v", ErrNoUsableDevice)
	}
}

func TestPlayback_ConcurrentSetCallbackAndIsRunning(t *testing.T) {
	p := New(Config{DeviceIndex: -1, Channels: 2})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.IsRunning()
		}()
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.SetCallback(func(buf []float32) {})
		}()
	}
	wg.Wait()
}

func TestConfig_ZeroValue(t *testing.T) {
	var cfg Config
	if cfg.DeviceIndex != 0 {
		t.Errorf("zero Config.DeviceIndex = %d, want 0", cfg.DeviceIndex)
	}
	if cfg.Channels != 0 {
		t.Errorf("zero Config.Channels = %d, want 0", cfg.Channels)
	}
}

func TestCandidateSampleRates_PreferHigherRates(t *testing.T) {
	if len(candidateSampleRates) < 2 {
		t.Fatalf("expected at least two candidate sample rates, got %v", candidateSampleRates)
	}
	if candidateSampleRates[0] != 48000 {
		t.Errorf("first candidate rate = %d, want 48000", candidateSampleRates[0])
	}
	if candidateSampleRates[1] != 44100 {
		t.Errorf("second candidate rate = %d, want 44100", candidateSampleRates[1])
	}
}
