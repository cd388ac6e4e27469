package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/results"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/solver"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/deepdive.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the calibration configuration. Every field is optional; the
// Get* methods supply the stock value for anything left unset.
type Config struct {
	// Bundling
	Resolution *float64 `json:"resolution,omitempty"` // epoch width, seconds

	// Measurement filter
	CountThreshold    *int     `json:"count_threshold,omitempty"`
	AngleThreshold    *float64 `json:"angle_threshold,omitempty"`    // degrees
	DurationThreshold *float64 `json:"duration_threshold,omitempty"` // compared against pulse durations as threshold/1e-6

	// Model
	Correct   *bool    `json:"correct,omitempty"`
	Force2D   *bool    `json:"force2d,omitempty"`
	Smoothing *float64 `json:"smoothing,omitempty"`
	Huber     *float64 `json:"huber,omitempty"`
	Model     *string  `json:"model,omitempty"`

	Refine *RefineConfig `json:"refine,omitempty"`
	Solver *SolverConfig `json:"solver,omitempty"`

	// Recording
	IdleTimeout *string `json:"idle_timeout,omitempty"` // duration string like "1s"
	Offline     *bool   `json:"offline,omitempty"`

	// Outputs
	Calfile *string `json:"calfile,omitempty"`
	Perfile *string `json:"perfile,omitempty"`
	PlotDir *string `json:"plot_dir,omitempty"`

	// Frames
	FrameWorld *string `json:"frame_world,omitempty"`
	FrameVive  *string `json:"frame_vive,omitempty"`
	FrameBody  *string `json:"frame_body,omitempty"`
	FrameTruth *string `json:"frame_truth,omitempty"`
}

// RefineConfig selects which parameter groups the solve may change.
type RefineConfig struct {
	Registration *bool `json:"registration,omitempty"`
	Lighthouses  *bool `json:"lighthouses,omitempty"`
	Extrinsics   *bool `json:"extrinsics,omitempty"`
	Head         *bool `json:"head,omitempty"`
	Sensors      *bool `json:"sensors,omitempty"`
	Params       *bool `json:"params,omitempty"`
}

// SolverConfig bounds the optimizer.
type SolverConfig struct {
	MaxTime       *string `json:"max_time,omitempty"` // duration string like "60s"
	MaxIterations *int    `json:"max_iterations,omitempty"`
	Threads       *int    `json:"threads,omitempty"`
	Linear        *string `json:"linear,omitempty"` // auto, dense or cg
	Debug         *bool   `json:"debug,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	f := results.DefaultFrames()
	return &Config{
		Resolution:        ptrFloat64(0.1),
		CountThreshold:    ptrInt(4),
		AngleThreshold:    ptrFloat64(60),
		DurationThreshold: ptrFloat64(1.0),
		Correct:           ptrBool(false),
		Force2D:           ptrBool(false),
		Smoothing:         ptrFloat64(10),
		Huber:             ptrFloat64(1.0),
		Model:             ptrString("lighthouse"),
		Refine: &RefineConfig{
			Registration: ptrBool(true),
			Lighthouses:  ptrBool(false),
			Extrinsics:   ptrBool(false),
			Head:         ptrBool(false),
			Sensors:      ptrBool(false),
			Params:       ptrBool(false),
		},
		Solver: &SolverConfig{
			MaxTime:       ptrString("60s"),
			MaxIterations: ptrInt(100),
			Threads:       ptrInt(1),
			Linear:        ptrString("auto"),
			Debug:         ptrBool(false),
		},
		IdleTimeout: ptrString("1s"),
		Offline:     ptrBool(false),
		Calfile:     ptrString("deepdive.tf2"),
		Perfile:     ptrString("/tmp/performance.csv"),
		PlotDir:     ptrString(""),
		FrameWorld:  ptrString(f.World),
		FrameVive:   ptrString(f.Vive),
		FrameBody:   ptrString(f.Body),
		FrameTruth:  ptrString(f.Truth),
	}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file fall back to their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up to the repository root. Panics if the file cannot be
// loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Resolution != nil && *c.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %f", *c.Resolution)
	}
	if c.CountThreshold != nil && *c.CountThreshold < 0 {
		return fmt.Errorf("count_threshold must be non-negative, got %d", *c.CountThreshold)
	}
	if c.AngleThreshold != nil && (*c.AngleThreshold <= 0 || *c.AngleThreshold > 90) {
		return fmt.Errorf("angle_threshold must be in (0, 90] degrees, got %f", *c.AngleThreshold)
	}
	if c.DurationThreshold != nil && *c.DurationThreshold < 0 {
		return fmt.Errorf("duration_threshold must be non-negative, got %f", *c.DurationThreshold)
	}
	if c.Smoothing != nil && *c.Smoothing < 0 {
		return fmt.Errorf("smoothing must be non-negative, got %f", *c.Smoothing)
	}
	if c.Huber != nil && *c.Huber <= 0 {
		return fmt.Errorf("huber must be positive, got %f", *c.Huber)
	}
	if c.Model != nil {
		if _, err := bearing.ByName(*c.Model); err != nil {
			return err
		}
	}
	if c.IdleTimeout != nil && *c.IdleTimeout != "" {
		if _, err := time.ParseDuration(*c.IdleTimeout); err != nil {
			return fmt.Errorf("invalid idle_timeout '%s': %w", *c.IdleTimeout, err)
		}
	}
	if s := c.Solver; s != nil {
		if s.MaxTime != nil && *s.MaxTime != "" {
			d, err := time.ParseDuration(*s.MaxTime)
			if err != nil {
				return fmt.Errorf("invalid solver.max_time '%s': %w", *s.MaxTime, err)
			}
			if d <= 0 {
				return fmt.Errorf("solver.max_time must be positive, got %s", d)
			}
		}
		if s.MaxIterations != nil && *s.MaxIterations < 1 {
			return fmt.Errorf("solver.max_iterations must be at least 1, got %d", *s.MaxIterations)
		}
		if s.Threads != nil && *s.Threads < 1 {
			return fmt.Errorf("solver.threads must be at least 1, got %d", *s.Threads)
		}
		if s.Linear != nil {
			if _, err := parseLinearSolver(*s.Linear); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseLinearSolver(s string) (solver.LinearSolver, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return solver.Auto, nil
	case "dense":
		return solver.DenseCholesky, nil
	case "cg":
		return solver.ConjugateGradient, nil
	default:
		return solver.Auto, fmt.Errorf("unknown solver.linear %q (want auto, dense or cg)", s)
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// GetResolution returns the epoch width in seconds.
func (c *Config) GetResolution() float64 {
	if c.Resolution == nil {
		return 0.1
	}
	return *c.Resolution
}

// GetFilter returns the measurement thresholds.
func (c *Config) GetFilter() session.Filter {
	f := session.DefaultFilter()
	if c.CountThreshold != nil {
		f.MinCount = *c.CountThreshold
	}
	if c.AngleThreshold != nil {
		f.MaxAngleDeg = *c.AngleThreshold
	}
	if c.DurationThreshold != nil {
		f.MinDuration = *c.DurationThreshold
	}
	return f
}

func (c *Config) GetCorrect() bool { return boolOr(c.Correct, false) }
func (c *Config) GetForce2D() bool { return boolOr(c.Force2D, false) }
func (c *Config) GetOffline() bool { return boolOr(c.Offline, false) }

// GetSmoothing returns the smoothing weight or the default.
func (c *Config) GetSmoothing() float64 {
	if c.Smoothing == nil {
		return 10
	}
	return *c.Smoothing
}

// GetHuber returns the robust loss scale or the default.
func (c *Config) GetHuber() float64 {
	if c.Huber == nil {
		return 1.0
	}
	return *c.Huber
}

// GetModel returns the bearing model, falling back to the default for an
// unknown name.
func (c *Config) GetModel() bearing.Model {
	m, err := bearing.ByName(stringOr(c.Model, ""))
	if err != nil {
		return bearing.LighthouseModel{}
	}
	return m
}

// GetPolicy returns which parameter groups are refined.
func (c *Config) GetPolicy() refine.Policy {
	p := refine.DefaultPolicy()
	if r := c.Refine; r != nil {
		p.Registration = boolOr(r.Registration, p.Registration)
		p.Lighthouses = boolOr(r.Lighthouses, p.Lighthouses)
		p.Extrinsics = boolOr(r.Extrinsics, p.Extrinsics)
		p.Head = boolOr(r.Head, p.Head)
		p.Sensors = boolOr(r.Sensors, p.Sensors)
		p.Params = boolOr(r.Params, p.Params)
	}
	return p
}

// GetSolverOptions returns the optimizer limits.
func (c *Config) GetSolverOptions() solver.Options {
	o := solver.DefaultOptions()
	s := c.Solver
	if s == nil {
		return o
	}
	if s.MaxTime != nil && *s.MaxTime != "" {
		if d, err := time.ParseDuration(*s.MaxTime); err == nil && d > 0 {
			o.MaxSolverTime = d
		}
	}
	if s.MaxIterations != nil {
		o.MaxIterations = *s.MaxIterations
	}
	if s.Threads != nil {
		o.NumThreads = *s.Threads
	}
	if s.Linear != nil {
		if ls, err := parseLinearSolver(*s.Linear); err == nil {
			o.LinearSolver = ls
		}
	}
	o.Progress = boolOr(s.Debug, false)
	return o
}

// GetRefineOptions assembles the engine options.
func (c *Config) GetRefineOptions() refine.Options {
	o := refine.DefaultOptions()
	o.Resolution = c.GetResolution()
	o.Smoothing = c.GetSmoothing()
	o.Force2D = c.GetForce2D()
	o.Correct = c.GetCorrect()
	o.Huber = c.GetHuber()
	o.Model = c.GetModel()
	o.Policy = c.GetPolicy()
	o.Solver = c.GetSolverOptions()
	return o
}

// GetIdleTimeout parses and returns the idle timeout. An explicit empty
// string or "0s" disables the timer.
func (c *Config) GetIdleTimeout() time.Duration {
	if c.IdleTimeout == nil {
		return time.Second
	}
	if *c.IdleTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.IdleTimeout)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetRecordingConfig returns the controller configuration.
func (c *Config) GetRecordingConfig() recording.Config {
	return recording.Config{
		Filter:      c.GetFilter(),
		IdleTimeout: c.GetIdleTimeout(),
		Offline:     c.GetOffline(),
	}
}

// GetPaths returns the output locations.
func (c *Config) GetPaths() results.Paths {
	return results.Paths{
		Calfile: stringOr(c.Calfile, "deepdive.tf2"),
		Perfile: stringOr(c.Perfile, "/tmp/performance.csv"),
		PlotDir: stringOr(c.PlotDir, ""),
	}
}

// GetFrames returns the frame names used in the calibration file.
func (c *Config) GetFrames() results.Frames {
	d := results.DefaultFrames()
	return results.Frames{
		World: stringOr(c.FrameWorld, d.World),
		Vive:  stringOr(c.FrameVive, d.Vive),
		Body:  stringOr(c.FrameBody, d.Body),
		Truth: stringOr(c.FrameTruth, d.Truth),
	}
}
