package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/yegors/streamcaptioner/internal/api"
	"github.com/yegors/streamcaptioner/internal/app"
	"github.com/yegors/streamcaptioner/internal/capture"
	"github.com/yegors/streamcaptioner/internal/config"
	"github.com/yegors/streamcaptioner/internal/storage/sqlite"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the configuration file")
	listDevices := flag.Bool("list-devices", false, "List audio input devices and exit")
	device := flag.String("device", "", "Start captioning right away on the device whose name contains this text")
	wavFile := flag.String("wav", "", "Replay a multi-channel WAV file instead of opening an audio device")
	flag.Parse()

	if err := run(*configPath, *listDevices, *device, *wavFile); err != nil {
		fmt.Fprintf(os.Stderr, "streamcaptioner: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, listDevices bool, device, wavFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if cfg.Created {
		log.Info("Wrote default configuration", logger.String("path", configPath))
	}

	if wavFile == "" {
		wavFile = cfg.Audio.WAVFile
	}
	backend, closeBackend, err := openBackend(wavFile, cfg.Audio.WAVLoop, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	if listDevices {
		return printDevices(backend)
	}

	var opts []app.Option
	if cfg.Storage.Enabled {
		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := sqlite.NewFeedStorage(db, log)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithFeedStore(store))
	}

	application, err := app.New(cfg, backend, log, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(application, cfg, log)
	server := &http.Server{
		Handler:           router.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Web.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Web.Addr(), err)
	}
	if cfg.Web.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Web.MaxConnections)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", logger.String("addr", cfg.Web.Addr()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if device != "" || wavFile != "" {
		sel := app.DeviceSelector{ID: cfg.Audio.DeviceID, Name: cfg.Audio.Device}
		if device != "" {
			sel = app.DeviceSelector{ID: -1, Name: device}
		}
		if err := application.StartCaptioning(ctx, sel); err != nil {
			log.Error("Failed to start captioning", logger.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stopping first ends the live audio streams so Shutdown is not kept waiting
	application.StopCaptioning()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", logger.Error(err))
	}
	if err := application.Close(shutdownCtx); err != nil {
		log.Warn("Output workers did not drain", logger.Error(err))
	}
	log.Info("Shutdown complete")
	return nil
}

func openBackend(wavFile string, loop bool, log *logger.Logger) (capture.Backend, func(), error) {
	if wavFile != "" {
		b, err := capture.NewWAVBackend(wavFile, loop, log)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	}

	b, err := capture.NewPortAudioBackend(log)
	if err != nil {
		return nil, nil, err
	}
	return b, func() {
		if err := b.Close(); err != nil {
			log.Warn("Failed to terminate PortAudio", logger.Error(err))
		}
	}, nil
}

func printDevices(backend capture.Backend) error {
	devices, err := backend.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No audio input devices found")
		return nil
	}

	fmt.Println("Audio input devices:")
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf(" %s [%d] %s - %.0f Hz\n", marker, d.ID, d, d.DefaultSampleRate)
	}
	return nil
}
