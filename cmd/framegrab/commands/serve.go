package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/framegrab/internal/api"
	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/visual"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the framegrab server",
	Long: `Start the framegrab HTTP server.

The server exposes a REST API for single captures, an MJPEG preview
stream per display, and a websocket feed of capture events.`,
	Example: `  # Start server on the default address (:8080)
  framegrab serve

  # Start server on a custom address
  framegrab serve --addr :9090

  # Force the legacy X11 engine
  framegrab serve --engine x11

  # Start with debug logging
  framegrab serve --log-level debug`,
	RunE: runServe,
}

var serveEngine string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (host:port)")
	serveCmd.Flags().Int("stream-fps", 0, "MJPEG preview frame rate")
	serveCmd.Flags().StringVar(&serveEngine, "engine", "", "capture engine (auto, pipewire, x11)")

	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("server.stream_fps", serveCmd.Flags().Lookup("stream-fps"))
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("framegrab - screen capture service")
	fmt.Println("==================================")

	log := logger.WithComponent("serve")

	// The hub exists before the capture stack so flashes and attempt
	// outcomes can ride the event feed from the first capture on.
	hub := api.NewHub()

	attemptLog := logger.WithComponent("capture")
	observer := capture.ObserverFunc(func(op string, engine capture.Kind, d time.Duration, err error) {
		if err != nil {
			attemptLog.Warn().
				Str("op", op).
				Str("engine", string(engine)).
				Dur("duration", d).
				Err(err).
				Msg("capture attempt failed")
			hub.Publish(api.Event{
				Kind:       "capture.attempt_failed",
				Op:         op,
				Engine:     string(engine),
				DurationMS: d.Milliseconds(),
				Error:      err.Error(),
			})
			return
		}
		attemptLog.Debug().
			Str("op", op).
			Str("engine", string(engine)).
			Dur("duration", d).
			Msg("capture attempt succeeded")
		hub.Publish(api.Event{
			Kind:       "capture.attempt",
			Op:         op,
			Engine:     string(engine),
			DurationMS: d.Milliseconds(),
		})
	})

	stack, err := buildStack(stackOptions{
		engine:       serveEngine,
		publishFlash: func(e visual.Event) { hub.Publish(e) },
		observer:     observer,
	})
	if err != nil {
		return err
	}
	defer stack.close()

	addr := viper.GetString("server.addr")
	if addr == "" {
		addr = stack.cfg.Server.Addr
	}
	fps := viper.GetInt("server.stream_fps")
	if fps <= 0 {
		fps = stack.cfg.Server.StreamFPS
	}

	server := api.NewServer(stack.service, stack.windows, stack.displays, api.Config{
		Addr:      addr,
		StreamFPS: fps,
		Hub:       hub,
	})

	// Re-apply the log level when the settings file changes on disk.
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Init(viper.GetString("log.level"), viper.GetBool("log.pretty"))
		log.Info().Str("file", e.Name).Msg("settings reloaded")
	})

	go func() {
		log.Info().Str("addr", addr).Msg("server starting")
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fmt.Println()
	log.Info().Msg("framegrab is running")
	log.Info().Msgf("   - API: http://localhost%s/api", addr)
	log.Info().Msgf("   - Stream: http://localhost%s/api/stream", addr)
	log.Info().Msgf("   - Events: ws://localhost%s/api/events", addr)
	log.Info().Msg("   - Press Ctrl+C to stop")

	<-sigChan

	fmt.Println()
	log.Info().Msg("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	return nil
}
