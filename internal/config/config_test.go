package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/deepdive/internal/solver"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Resolution == nil || *cfg.Resolution != 0.1 {
		t.Errorf("Expected Resolution 0.1, got %v", cfg.Resolution)
	}
	if cfg.IdleTimeout == nil || *cfg.IdleTimeout != "1s" {
		t.Errorf("Expected IdleTimeout '1s', got %v", cfg.IdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() does not validate: %v", err)
	}

	f := cfg.GetFilter()
	if f.MinCount != 4 || f.MaxAngleDeg != 60 || f.MinDuration != 1.0 {
		t.Errorf("GetFilter() = %+v", f)
	}
	if !cfg.GetPolicy().Registration || cfg.GetPolicy().Lighthouses {
		t.Errorf("GetPolicy() = %+v, want registration only", cfg.GetPolicy())
	}
	if cfg.GetModel().Name() != "lighthouse" {
		t.Errorf("GetModel() = %s, want lighthouse", cfg.GetModel().Name())
	}
}

func TestEmptyConfigGettersMatchDefaults(t *testing.T) {
	empty, def := EmptyConfig(), DefaultConfig()

	if empty.GetResolution() != def.GetResolution() {
		t.Errorf("GetResolution() = %f, want %f", empty.GetResolution(), def.GetResolution())
	}
	if empty.GetFilter() != def.GetFilter() {
		t.Errorf("GetFilter() = %+v, want %+v", empty.GetFilter(), def.GetFilter())
	}
	if empty.GetSmoothing() != def.GetSmoothing() {
		t.Errorf("GetSmoothing() = %f, want %f", empty.GetSmoothing(), def.GetSmoothing())
	}
	if empty.GetIdleTimeout() != time.Second || def.GetIdleTimeout() != time.Second {
		t.Errorf("GetIdleTimeout() = %v / %v, want 1s", empty.GetIdleTimeout(), def.GetIdleTimeout())
	}
	if empty.GetPolicy() != def.GetPolicy() {
		t.Errorf("GetPolicy() = %+v, want %+v", empty.GetPolicy(), def.GetPolicy())
	}
	if empty.GetPaths() != def.GetPaths() {
		t.Errorf("GetPaths() = %+v, want %+v", empty.GetPaths(), def.GetPaths())
	}
	if empty.GetFrames() != def.GetFrames() {
		t.Errorf("GetFrames() = %+v, want %+v", empty.GetFrames(), def.GetFrames())
	}
	es, ds := empty.GetSolverOptions(), def.GetSolverOptions()
	if es.MaxIterations != ds.MaxIterations || es.MaxSolverTime != ds.MaxSolverTime || es.NumThreads != ds.NumThreads {
		t.Errorf("GetSolverOptions() = %+v, want %+v", es, ds)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "resolution": 0.05,
  "count_threshold": 6,
  "correct": true,
  "refine": {"lighthouses": true, "params": true},
  "solver": {"max_time": "5s", "threads": 4, "linear": "cg", "debug": true},
  "idle_timeout": "",
  "offline": true,
  "plot_dir": "/tmp/plots",
  "frame_world": "map"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.GetResolution() != 0.05 {
		t.Errorf("GetResolution() = %f, want 0.05", cfg.GetResolution())
	}
	if cfg.GetFilter().MinCount != 6 || cfg.GetFilter().MaxAngleDeg != 60 {
		t.Errorf("GetFilter() = %+v", cfg.GetFilter())
	}

	p := cfg.GetPolicy()
	if !p.Registration || !p.Lighthouses || !p.Params || p.Sensors {
		t.Errorf("GetPolicy() = %+v", p)
	}

	opts := cfg.GetRefineOptions()
	if !opts.Correct || opts.Resolution != 0.05 {
		t.Errorf("GetRefineOptions() = %+v", opts)
	}
	if opts.Solver.MaxSolverTime != 5*time.Second || opts.Solver.NumThreads != 4 {
		t.Errorf("solver options = %+v", opts.Solver)
	}
	if opts.Solver.LinearSolver != solver.ConjugateGradient || !opts.Solver.Progress {
		t.Errorf("solver linear = %v progress = %v", opts.Solver.LinearSolver, opts.Solver.Progress)
	}
	if opts.Solver.MaxIterations != 100 {
		t.Errorf("MaxIterations = %d, want 100", opts.Solver.MaxIterations)
	}

	rc := cfg.GetRecordingConfig()
	if rc.IdleTimeout != 0 || !rc.Offline {
		t.Errorf("GetRecordingConfig() = %+v, want no timer and offline", rc)
	}
	if cfg.GetPaths().PlotDir != "/tmp/plots" || cfg.GetPaths().Calfile != "deepdive.tf2" {
		t.Errorf("GetPaths() = %+v", cfg.GetPaths())
	}
	if f := cfg.GetFrames(); f.World != "map" || f.Vive != "vive" {
		t.Errorf("GetFrames() = %+v", f)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		return path
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"wrong extension", write("cfg.yaml", "{}"), ".json extension"},
		{"missing", filepath.Join(tmpDir, "nope.json"), "stat"},
		{"bad json", write("bad.json", "{"), "parse"},
		{"bad resolution", write("res.json", `{"resolution": 0}`), "resolution"},
		{"bad angle", write("angle.json", `{"angle_threshold": 120}`), "angle_threshold"},
		{"bad model", write("model.json", `{"model": "laser"}`), "bearing model"},
		{"bad timeout", write("timeout.json", `{"idle_timeout": "soon"}`), "idle_timeout"},
		{"bad max_time", write("time.json", `{"solver": {"max_time": "-1s"}}`), "max_time"},
		{"bad threads", write("threads.json", `{"solver": {"threads": 0}}`), "threads"},
		{"bad linear", write("linear.json", `{"solver": {"linear": "qr"}}`), "solver.linear"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path)
			if err == nil {
				t.Fatalf("LoadConfig(%s) succeeded, want error", tt.path)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(path, make([]byte, maxFileSize+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("LoadConfig() error = %v, want too large", err)
	}
}

func TestDefaultsFileMatchesDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	def := DefaultConfig()

	if cfg.GetFilter() != def.GetFilter() {
		t.Errorf("filter %+v != %+v", cfg.GetFilter(), def.GetFilter())
	}
	if cfg.GetPolicy() != def.GetPolicy() {
		t.Errorf("policy %+v != %+v", cfg.GetPolicy(), def.GetPolicy())
	}
	if cfg.GetIdleTimeout() != def.GetIdleTimeout() {
		t.Errorf("idle timeout %v != %v", cfg.GetIdleTimeout(), def.GetIdleTimeout())
	}
	if cfg.GetPaths() != def.GetPaths() || cfg.GetFrames() != def.GetFrames() {
		t.Errorf("outputs %+v %+v != %+v %+v", cfg.GetPaths(), cfg.GetFrames(), def.GetPaths(), def.GetFrames())
	}
}
