// cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dspears312/organvoice/internal/audio"
	"github.com/dspears312/organvoice/internal/config"
	"github.com/dspears312/organvoice/internal/controller"
	"github.com/dspears312/organvoice/internal/engine"
	"github.com/dspears312/organvoice/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "organvoice",
	Short: "Realtime sample-playback engine for a pipe-organ-like instrument",
	Long: `organvoice renders a mixed stereo audio stream from a pool of decoded
WAV samples, driven by line-delimited JSON commands on standard input.`,
	RunE: runEngine,
}

// runEngine wires the store, the audio engine, and the controller protocol
// together and blocks until stdin reaches EOF or a shutdown signal arrives.
func runEngine(_ *cobra.Command, _ []string) error {
	settings, err := config.Get()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if settings.Debug {
		fmt.Printf("Config: release_mode=%s loading_mode=%s global_gain_db=%.1f channels=%d\n",
			settings.ReleaseMode, settings.LoadingMode, settings.GlobalGainDB, settings.Channels)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("organvoice: received signal %v, shutting down", sig)
		cancel()
	}()

	sampleStore := store.New()

	playback := audio.New(audio.Config{
		DeviceIndex: settings.DeviceIndex,
		Channels:    uint32(settings.Channels),
	})
	if err := playback.Init(); err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer func() {
		if err := playback.Close(); err != nil {
			log.Printf("organvoice: error closing audio playback: %v", err)
		}
	}()

	if settings.Debug {
		devices, err := playback.ListDevices()
		if err != nil {
			log.Printf("organvoice: warning: could not list audio devices: %v", err)
		} else {
			fmt.Println("Available audio output devices:")
			for i, dev := range devices {
				fmt.Printf("  [%d] %s\n", i, dev.Name())
			}
		}
	}

	if err := playback.Start(); err != nil {
		return fmt.Errorf("start audio: %w", err)
	}

	// The device is negotiated inside Start, so the engine is built only
	// once the final sample rate is known; the render callback is attached
	// after via an atomic pointer swap, so there is no gap where a partially
	// configured engine could receive frames.
	eng := engine.New(engine.Options{
		Store:                  sampleStore,
		SampleRate:             float64(playback.SampleRate),
		Channels:               settings.Channels,
		ReleaseMode:            settings.ReleaseMode,
		LoadingMode:            settings.LoadingMode,
		GlobalGainDB:           settings.GlobalGainDB,
		ReportIntervalFrames:   settings.ReportIntervalFrames,
		RootNoteHeuristic:      settings.RootNoteHeuristic,
		AttackTime:             settings.AttackTime,
		ReleaseTime:            settings.ReleaseTime,
		RestrikeFadeTime:       settings.RestrikeFadeTime,
		AuthenticCrossfadeTime: settings.AuthenticCrossfadeTime,
	})
	playback.SetCallback(eng.RenderBlock)

	ctrl := &controller.Controller{
		Store:  sampleStore,
		Engine: eng,
		Out:    os.Stdout,
	}
	ctrl.SetHarmonicStopsEnabled(settings.HarmonicStopsEnabled)

	// Live-reloadable fields: an operator editing config.yaml while
	// organvoice is running gets the new global gain, release/loading
	// mode, and harmonic-stop gate without a restart.
	config.OnChange(func(s *config.Settings) {
		eng.Send(engine.Command{Type: engine.SetGlobalGain, GainDB: s.GlobalGainDB})
		eng.Send(engine.Command{Type: engine.SetReleaseMode, Mode: s.ReleaseMode})
		eng.Send(engine.Command{Type: engine.SetLoadingMode, Mode: s.LoadingMode})
		ctrl.SetHarmonicStopsEnabled(s.HarmonicStopsEnabled)
	})

	fmt.Println("organvoice: ready, reading commands from stdin")

	runErr := make(chan error, 1)
	go func() {
		runErr <- ctrl.Run(os.Stdin)
	}()

	select {
	case err := <-runErr:
		if err != nil {
			log.Printf("organvoice: controller stopped with error: %v", err)
		}
	case <-ctx.Done():
	}

	if err := playback.Stop(); err != nil && err != audio.ErrNotRunning {
		log.Printf("organvoice: error stopping audio playback: %v", err)
	}

	fmt.Println("organvoice: stopped")
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "execution error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().IntP("device", "d", -1, "audio output device index (-1 for default)")
	rootCmd.PersistentFlags().StringP("release-mode", "r", "authentic", `note-off release mode: "authentic" or "synthetic"`)
	rootCmd.PersistentFlags().StringP("loading-mode", "l", "none", `sample residency mode: "none" unloads on voice finish, anything else keeps samples resident`)
	rootCmd.PersistentFlags().Float64P("global-gain", "g", 0, "global output gain in dB")
	rootCmd.PersistentFlags().BoolP("debug", "D", false, "enable debug output")

	cobra.CheckErr(viper.BindPFlag("device_index", rootCmd.PersistentFlags().Lookup("device")))
	cobra.CheckErr(viper.BindPFlag("release_mode", rootCmd.PersistentFlags().Lookup("release-mode")))
	cobra.CheckErr(viper.BindPFlag("loading_mode", rootCmd.PersistentFlags().Lookup("loading-mode")))
	cobra.CheckErr(viper.BindPFlag("global_gain_db", rootCmd.PersistentFlags().Lookup("global-gain")))
	cobra.CheckErr(viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")))
}

func initConfig() {
	if err := config.Init(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
}
