package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/catalog"
	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/events"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/session"
	"github.com/lexiqai/voice-client/internal/stt"
	"github.com/lexiqai/voice-client/internal/transcript"
)

func main() {
	agentID := flag.String("agent", config.GetEnv("AGENT_ID", ""), "agent id to talk to (defaults to $AGENT_ID)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "usage: voicectl -agent <agent-id>")
		os.Exit(2)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("agent_id", *agentID).
		Str("catalog_url", cfg.CatalogBaseURL).
		Bool("authenticated", cfg.Authenticated()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice client starting")

	catalogClient := catalog.NewClient(cfg, observability.WithComponent(logger, "catalog"))
	publisher := events.New(&events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTranscriptTopic,
		Enabled: cfg.KafkaEnabled,
	}, observability.WithComponent(logger, "events"))
	defer publisher.Close()

	deps := session.Dependencies{
		Catalog:    catalogClient,
		Broker:     catalogClient,
		Microphone: newMicrophone(cfg, logger),
		NewOutput: func() (playback.Output, error) {
			sink, err := newSpeaker(cfg, logger)
			if err != nil {
				return nil, err
			}
			dev := playback.NewDevice(sink, logger)
			go dev.Run()
			return dev, nil
		},
		Publisher: publisher,
	}
	if cfg.DeepgramAPIKey != "" {
		deps.NewTranscriber = func() stt.Client {
			return stt.NewDeepgramClient(cfg, media.DefaultConstraints().SampleRate, logger)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := session.NewController(cfg, deps, logger)
	controller.OnNotice(func(message string) {
		fmt.Println(message)
	})
	controller.OnStateChange(stopWhenEnded(logger, stop))

	server := startMetricsServer(cfg, controller, catalogClient, logger)

	if err := controller.Start(ctx, *agentID); err != nil {
		var se *session.Error
		if errors.As(err, &se) && se.Kind == session.KindConcurrentLimit {
			fmt.Println("Try again in a few minutes.")
		}
		controller.Stop()
		shutdown(server, logger)
		os.Exit(1)
	}
	fmt.Println("Connected. Commands: m = mute/unmute, s = status, e = export transcript, q = quit")

	go readCommands(controller, stop)

	<-ctx.Done()

	logger.Info().Dur("elapsed", controller.Elapsed()).Msg("Shutting down...")
	controller.Stop()
	shutdown(server, logger)
	logger.Info().Msg("Voice client exited gracefully")
}

// stopWhenEnded logs transitions and cancels the run once the session leaves
// ACTIVE, whether through a remote close, an error or a local stop
func stopWhenEnded(logger zerolog.Logger, stop context.CancelFunc) func(from, to session.State) {
	return func(from, to session.State) {
		logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
		if from == session.StateActive && to != session.StateActive {
			stop()
		}
	}
}

// newMicrophone picks the capture backend; ffmpeg is the fallback for hosts
// where miniaudio cannot open the input device
func newMicrophone(cfg *config.Config, logger zerolog.Logger) media.Microphone {
	micLogger := observability.WithComponent(logger, "microphone")
	if cfg.AudioBackend == "ffmpeg" {
		return &media.FFmpegMicrophone{
			Path:        cfg.FFmpegPath,
			InputFormat: cfg.MicInputFormat,
			Device:      cfg.MicDevice,
			Logger:      micLogger,
		}
	}
	return &media.MalgoMicrophone{Logger: micLogger}
}

// newSpeaker returns the sink the playback device renders into, or nil
// when playback is disabled
func newSpeaker(cfg *config.Config, logger zerolog.Logger) (io.Writer, error) {
	if !cfg.SpeakerEnabled {
		return nil, nil
	}
	speakerLogger := observability.WithComponent(logger, "speaker")
	if cfg.AudioBackend == "ffmpeg" {
		return playback.NewFFplaySpeaker(cfg.FFplayPath, playback.DeviceSampleRate, speakerLogger), nil
	}
	speaker, err := playback.NewOtoSpeaker(playback.DeviceSampleRate, speakerLogger)
	if err != nil {
		return nil, err
	}
	return speaker, nil
}

// readCommands handles interactive keyboard commands until quit or EOF
func readCommands(controller *session.Controller, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			muted, err := controller.ToggleMic()
			if err != nil {
				fmt.Println("Microphone unavailable:", err)
				continue
			}
			if muted {
				fmt.Println("Microphone muted")
			} else {
				fmt.Println("Microphone live")
			}
		case "s":
			snap := controller.Snapshot()
			fmt.Printf("%s agent=%s type=%s elapsed=%s muted=%v entries=%d\n",
				snap.State, snap.AgentID, snap.AgentType,
				controller.Elapsed().Truncate(time.Second), snap.IsMicMuted, len(controller.Transcript()))
		case "e":
			path, err := controller.ExportTranscript()
			if errors.Is(err, transcript.ErrEmpty) {
				fmt.Println("Nothing to export yet")
				continue
			}
			if err != nil {
				fmt.Println("Export failed:", err)
				continue
			}
			fmt.Println("Transcript saved to", path)
		case "q":
			quit()
			return
		}
	}
}

func startMetricsServer(cfg *config.Config, controller *session.Controller, catalogClient *catalog.Client, logger zerolog.Logger) *http.Server {
	if !cfg.MetricsEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler(func() string {
		return controller.State().String()
	}))

	// Checks are built here to avoid import cycles
	checks := map[string]observability.HealthCheckFunc{
		"catalog": catalogClient.HealthCheck,
		"session": func(ctx context.Context) (bool, error) {
			if err := controller.LastError(); err != nil && controller.State() == session.StateError {
				return false, err
			}
			return true, nil
		},
	}
	if cfg.AudioBackend == "ffmpeg" {
		checks["ffmpeg"] = func(ctx context.Context) (bool, error) {
			if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}

func shutdown(server *http.Server, logger zerolog.Logger) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server forced to shutdown")
	}
}
