// Command alchemistd runs the autonomous transcoding engine: it serves the
// HTTP/SSE API, drains the job queue on a schedule, and fires a webhook when
// the queue empties. Grounded on the teacher's cmd/shrinkray/main.go — same
// flag/env precedence, same component wiring order, same signal-driven
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alchemist-sh/alchemist/internal/api"
	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/eventbus"
	"github.com/alchemist-sh/alchemist/internal/finalizer"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/logger"
	"github.com/alchemist-sh/alchemist/internal/media"
	"github.com/alchemist-sh/alchemist/internal/notify"
	"github.com/alchemist-sh/alchemist/internal/scanner"
	"github.com/alchemist-sh/alchemist/internal/scheduler"
	"github.com/alchemist-sh/alchemist/internal/store"
	"github.com/alchemist-sh/alchemist/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/alchemist.yaml)")
	dbPath := flag.String("db", "", "Path to the SQLite job database (default: ./config/alchemist.db)")
	port := flag.Int("port", 8090, "Port to listen on")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/alchemist.yaml"
		}
	}

	cfgFile, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("warning: could not load config from %s: %v", cfgPath, err)
		def := config.Default()
		cfgFile = &config.File{Settings: def}
	}

	logger.Init(cfgFile.Settings.LogLevel)

	dbFile := *dbPath
	if dbFile == "" {
		configDir := filepath.Dir(cfgPath)
		if configDir == "." {
			configDir = "config"
		}
		dbFile = filepath.Join(configDir, "alchemist.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
		log.Fatalf("could not create db directory: %v", err)
	}

	fmt.Println("alchemistd")
	fmt.Printf("  config:  %s\n", cfgPath)
	fmt.Printf("  db:      %s\n", dbFile)
	fmt.Printf("  codec:   %s\n", cfgFile.Settings.OutputCodec)
	fmt.Printf("  workers: %d\n", cfgFile.Settings.ConcurrentJobs)
	fmt.Println()

	st, err := store.NewSQLiteStore(dbFile)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := st.ResetInterrupted(ctx); err != nil {
		log.Fatalf("failed to reset interrupted jobs: %v", err)
	} else if n > 0 {
		logger.Info("reset interrupted jobs to queued", "count", n)
	}

	caps := media.NewCapabilities()
	caps.Detect(ctx, cfgFile.Settings.FFmpegPath)
	encoders, accels := caps.List()
	fmt.Println("  detected encoders:", encoders)
	fmt.Println("  detected accelerators:", accels)
	fmt.Println()

	bus := eventbus.New()
	defer bus.Close()

	scorer := media.NewFFmpegVMAFScorer(cfgFile.Settings.FFmpegPath)
	probe := media.NewFFProbe(cfgFile.Settings.FFprobePath)
	encDriver := media.NewFFmpegEncoderDriver(cfgFile.Settings.FFmpegPath)

	fin := finalizer.New(st, scorer, bus)
	w := worker.New(st, probe, encDriver, fin, bus)

	settingsFunc := func() config.Settings { return cfgFile.Settings }
	windowsFunc := func() []config.ScheduleWindow { return cfgFile.ScheduleWindows }

	sched := scheduler.New(st, w, caps, settingsFunc, windowsFunc, cfgFile.Settings.ConcurrentJobs)
	sched.Start(ctx)
	defer sched.Stop()

	sc := scanner.New(st)

	notifier := notify.New(
		func() []notify.Target {
			if cfgFile.Settings.WebhookURL == "" || !cfgFile.Settings.NotifyOnQueueDrain {
				return nil
			}
			return []notify.Target{{URL: cfgFile.Settings.WebhookURL, Token: cfgFile.Settings.WebhookToken}}
		},
		func(checkCtx context.Context) (bool, error) {
			jobs, err := st.GetJobsFiltered(checkCtx, store.Filter{
				States: []job.State{job.StateQueued, job.StateAnalyzing, job.StateEncoding},
				Limit:  1,
			})
			if err != nil {
				return false, err
			}
			return len(jobs) == 0, nil
		},
	)
	go notifier.Run(ctx, bus)

	handler := api.NewHandler(st, sched, bus, caps, sc, cfgFile, cfgPath)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n  shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		cancel()
	}()

	fmt.Printf("  listening on :%d\n", *port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
