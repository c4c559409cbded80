package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/config"
	"github.com/room4-2/voicelive/device"
	"github.com/room4-2/voicelive/gemini"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/pcm"
	"github.com/room4-2/voicelive/playback"
	"github.com/room4-2/voicelive/relay"
	"github.com/room4-2/voicelive/server"
	"github.com/room4-2/voicelive/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownLogging, err := setupLogging()
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer shutdownLogging(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer, err := newDialer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create channel dialer: %v", err)
	}

	devices, closeDevices, err := newDeviceFactory(cfg)
	if err != nil {
		log.Fatalf("Failed to initialise audio backend: %v", err)
	}
	defer closeDevices()

	// Create session manager
	sessionManager, err := session.NewManager(cfg, dialer, devices)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx)

	srv := server.NewServer(cfg, sessionManager, dialer)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}

func newDialer(ctx context.Context, cfg *config.Config) (live.Dialer, error) {
	switch cfg.Channel {
	case config.ChannelRelay:
		return relay.NewDialer(cfg.RelayURL), nil
	case config.ChannelGemini:
		return gemini.NewDialer(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
}

// newDeviceFactory opens the audio backend once and hands out a fresh
// microphone and speaker per session
func newDeviceFactory(cfg *config.Config) (session.DeviceFactory, func(), error) {
	if cfg.AudioBackend == config.BackendNull {
		return func() (capture.Microphone, playback.Output, error) {
			return device.NewNullMicrophone(pcm.InputSampleRate), device.NewNullSpeaker(pcm.OutputSampleRate), nil
		}, func() {}, nil
	}

	audio, err := device.NewContext()
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := audio.Close(); err != nil {
				log.Printf("Failed to release audio context: %v", err)
			}
		})
	}

	factory := func() (capture.Microphone, playback.Output, error) {
		speaker, err := device.NewSpeaker(audio, pcm.OutputSampleRate)
		if err != nil {
			return nil, nil, err
		}
		return device.NewMicrophone(audio, pcm.InputSampleRate), speaker, nil
	}
	return factory, release, nil
}
