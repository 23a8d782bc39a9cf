package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/config"
	"github.com/prats-2311/story-sign-sub001/internal/extractor"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/httpapi"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/profile"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
	"github.com/prats-2311/story-sign-sub001/internal/session"
	"github.com/prats-2311/story-sign-sub001/internal/story"
	"github.com/prats-2311/story-sign-sub001/internal/version"
)

var (
	serverExtractorPath string
	serverExtractorArgs []string
)

// ServerCmd starts the StorySign control-plane server. Grounded on the
// teacher's cmd/qntx/commands/server.go: start in a goroutine, wait on
// a signal channel, first Ctrl+C drains gracefully, second forces exit.
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the StorySign control-plane server",
	Long:    `Launch the WebSocket/HTTP server that accepts webcam frames, runs the landmark/gesture/quality pipeline, and dispatches feedback for an interactive ASL learning session.`,
	RunE:    runServer,
}

func init() {
	ServerCmd.Flags().StringVar(&serverExtractorPath, "extractor-bin", "", "path to an external landmark-extraction binary (stdio JSON protocol); empty disables landmark extraction")
	ServerCmd.Flags().StringArrayVar(&serverExtractorArgs, "extractor-arg", nil, "argument to pass to --extractor-bin (repeatable)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ext interface {
		Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error)
	}
	var stdioExtractor *extractor.StdioExtractor
	if serverExtractorPath != "" {
		stdioExtractor, err = extractor.New(ctx, serverExtractorPath, serverExtractorArgs, 2*time.Second)
		if err != nil {
			return fmt.Errorf("failed to start landmark extractor: %w", err)
		}
		defer stdioExtractor.Close()
		ext = stdioExtractor
	} else {
		logging.Warnw("no --extractor-bin configured, running with a no-op landmark extractor")
		ext = extractor.NoOp{}
	}

	dispatcher := analysis.New(analysis.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.AnalysisModel,
		Timeout:    time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxRetries: cfg.LLM.MaxRetries,
	})

	storyGen := story.New(story.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.StoryModel,
		Timeout:    time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxRetries: cfg.LLM.MaxRetries,
	})

	poolCfg := session.DefaultConfig()
	poolCfg.Extractor = ext
	poolCfg.Dispatcher = dispatcher
	poolCfg.MaxConnections = cfg.Pool.MaxConnections
	poolCfg.MaxQueueSize = cfg.Pool.MaxQueueSize
	poolCfg.HealthCheckInterval = time.Duration(cfg.Pool.HealthCheckInterval) * time.Second
	poolCfg.BatchSize = cfg.Pool.BatchSize
	poolCfg.BatchTimeout = time.Duration(cfg.Pool.BatchTimeoutMS) * time.Millisecond
	poolCfg.ShutdownGrace = time.Duration(cfg.Pool.ShutdownGraceSec) * time.Second
	poolCfg.GestureConfig = gesture.Config{
		Enabled:            cfg.Gesture.Enabled,
		VelocityThreshold:  cfg.Gesture.VelocityThreshold,
		PauseDuration:      time.Duration(cfg.Gesture.PauseDurationMS) * time.Millisecond,
		MinGestureDuration: time.Duration(cfg.Gesture.MinGestureDurationMS) * time.Millisecond,
		BufferSize:         cfg.Gesture.LandmarkBufferSize,
		SmoothingWindow:    cfg.Gesture.SmoothingWindow,
	}
	poolCfg.QualityConfig = quality.DefaultConfig()
	poolCfg.DefaultProfile = profile.ByName(cfg.Video.DefaultPreset)

	pool := session.New(poolCfg)
	go pool.Run()

	api := httpapi.New(httpapi.Config{
		Pool:           pool,
		StoryGenerator: storyGen,
		Version:        version.Get().String(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: api.Handler(),
	}

	printStartupBanner(addr, serverExtractorPath != "")

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed to start: %w", err)
	case <-sigChan:
		pterm.Info.Println("shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), poolCfg.ShutdownGrace+5*time.Second)
			defer shutdownCancel()

			var firstErr error
			if err := pool.Shutdown(shutdownCtx); err != nil {
				firstErr = err
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
			cancel()
			shutdownDone <- firstErr
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

func printStartupBanner(addr string, extractorEnabled bool) {
	pterm.DefaultHeader.WithFullWidth().Printf("StorySign Server")
	pterm.Println()
	pterm.Info.Printf("listening on %s\n", addr)
	pterm.Info.Printf("version %s\n", version.Get().String())
	if extractorEnabled {
		pterm.Info.Println("landmark extractor: external process")
	} else {
		pterm.Warning.Println("landmark extractor: none (no-op, hands/face/pose always unset)")
	}
}
