// Command deepdive calibrates a lighthouse tracking rig. It records
// sweeps between two trigger requests, solves the bundle adjustment and
// writes the calibration, a performance log and trajectory plots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/deepdive/internal/api"
	"github.com/banshee-data/deepdive/internal/bootstrap"
	"github.com/banshee-data/deepdive/internal/config"
	"github.com/banshee-data/deepdive/internal/db"
	"github.com/banshee-data/deepdive/internal/fsutil"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/replay"
	"github.com/banshee-data/deepdive/internal/results"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/solver"
	"github.com/banshee-data/deepdive/internal/timeutil"
	"github.com/banshee-data/deepdive/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to JSON configuration (defaults built in)")
	rigFile       = flag.String("rig", "", "Path to YAML rig description")
	dbFile        = flag.String("db", "deepdive.db", "SQLite run history (empty disables)")
	migrationsDir = flag.String("migrations", "", "Read migrations from this directory instead of the embedded set")
	listen        = flag.String("listen", ":8080", "Listen address (empty disables the HTTP API)")
	replayFile    = flag.String("replay", "", "Replay a JSON-lines recording, solve once and exit unless -listen is set")
	speed         = flag.Float64("speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
	offline       = flag.Bool("offline", false, "Start recording immediately and solve when the idle timer fires")
	debug         = flag.Bool("debug", false, "Enable diagnostic logging")
	trace         = flag.Bool("trace", false, "Enable per-measurement and per-iteration trace logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func setupLogging(debug, trace bool) {
	var diag, tr io.Writer
	if debug || trace {
		diag = os.Stderr
	}
	if trace {
		tr = os.Stderr
	}
	ops := os.Stderr
	session.SetLogWriters(ops, diag, tr)
	bootstrap.SetLogWriters(ops, diag, tr)
	solver.SetLogWriter(diag)
	refine.SetLogWriters(ops, diag, tr)
	recording.SetLogWriters(ops, diag, tr)
	results.SetLogWriters(ops, diag, tr)
	replay.SetLogWriters(ops, diag, tr)
	db.SetLogWriters(ops, diag, tr)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func loadRig(path string) (*rig.Rig, error) {
	if path == "" {
		return rig.New(), nil
	}
	return config.LoadRig(path)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("deepdive"))
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	setupLogging(*debug || cfg.Solver != nil && cfg.Solver.Debug != nil && *cfg.Solver.Debug, *trace)

	r, err := loadRig(*rigFile)
	if err != nil {
		log.Fatalf("failed to load rig: %v", err)
	}

	paths := cfg.GetPaths()
	if ok, err := results.Restore(fsutil.OSFileSystem{}, paths.Calfile, r); err != nil {
		log.Printf("ignoring calibration %s: %v", paths.Calfile, err)
	} else if ok {
		log.Printf("restored calibration from %s", paths.Calfile)
	}

	var store *db.DB
	var resultStore results.Store
	if *dbFile != "" {
		store, err = db.NewDBWithMigrations(*dbFile, *migrationsDir)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		resultStore = store
	}

	rc := cfg.GetRecordingConfig()
	rc.Offline = rc.Offline || *offline || *replayFile != ""
	ctl := recording.New(r, refine.New(cfg.GetRefineOptions()), rc)
	ctl.AddSink(results.NewEmitter(paths, cfg.GetFrames(), resultStore))

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// idle timer routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := ctl.Run(ctx)
		switch {
		case errors.Is(err, recording.ErrNoIdleTimer):
			log.Print("idle timer disabled")
		case err != nil && !errors.Is(err, context.Canceled):
			log.Printf("controller stopped: %v", err)
		}
	}()

	exitCode := 0
	if *replayFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !runReplay(ctx, ctl, *replayFile, *speed) {
				exitCode = 1
			}
			if *listen == "" {
				stop()
			}
		}()
	}

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, ctl, store)
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// runReplay feeds the recording to ctl and solves it. It reports whether a
// solution was found.
func runReplay(ctx context.Context, ctl *recording.Controller, path string, speed float64) bool {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("failed to open recording: %v", err)
		return false
	}
	defer f.Close()

	st, err := replay.Replay(ctx, f, ctl, timeutil.RealClock{}, speed)
	if err != nil {
		log.Printf("replay stopped: %v", err)
		return false
	}
	log.Printf("replayed %d records, %d of %d sweeps accepted", st.Records, st.Accepted, st.Light)

	// The idle timer may already have fired; wait for that solve instead of
	// triggering a second one.
	for ctl.State() == recording.Solving {
		time.Sleep(10 * time.Millisecond)
	}
	if ctl.State() == recording.Recording {
		ok, msg := ctl.Trigger()
		log.Print(msg)
		return ok
	}
	out, ok := ctl.LastOutcome()
	return ok && out.Success()
}

func serve(ctx context.Context, ctl *recording.Controller, store *db.DB) {
	var runs api.RunStore
	if store != nil {
		runs = store
	}
	mux := api.NewServer(ctl, runs).ServeMux()
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes unavailable: %v", err)
		}
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	// Start server in a goroutine so it doesn't block
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()
	log.Printf("listening on %s", *listen)

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
