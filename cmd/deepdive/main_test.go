package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/config"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/replay"
	"github.com/banshee-data/deepdive/internal/synthetic"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, "deepdive.db", *dbFile)
	assert.Equal(t, 1.0, *speed)
	assert.False(t, *offline)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().GetPaths(), cfg.GetPaths())

	r, err := loadRig("")
	require.NoError(t, err)
	assert.Empty(t, r.BeaconSerials())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRunReplaySolves(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	var buf bytes.Buffer
	w := replay.NewWriter(&buf)
	require.NoError(t, w.WriteRig(sc.Rig))
	require.NoError(t, w.WriteMeasurements(sc.Observations(), sc.Corrections()))
	require.NoError(t, w.Flush())
	path := filepath.Join(t.TempDir(), "recording.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	cfg := config.DefaultConfig()
	r := sc.Rig.Clone()
	opts := cfg.GetRefineOptions()
	opts.Smoothing = 0
	rc := cfg.GetRecordingConfig()
	rc.IdleTimeout = 0
	rc.Offline = true
	ctl := recording.New(r, refine.New(opts), rc)

	assert.True(t, runReplay(context.Background(), ctl, path, 0))
	assert.Equal(t, recording.Idle, ctl.State())

	assert.False(t, runReplay(context.Background(), ctl, filepath.Join(t.TempDir(), "nope.jsonl"), 0))
}
