// Command gen-recording writes a synthetic JSON-lines recording and the
// matching rig file for exercising deepdive -replay.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/banshee-data/deepdive/internal/config"
	"github.com/banshee-data/deepdive/internal/fsutil"
	"github.com/banshee-data/deepdive/internal/replay"
	"github.com/banshee-data/deepdive/internal/synthetic"
)

func main() {
	output := flag.String("o", "recording.jsonl", "output recording path")
	rigOut := flag.String("rig", "rig.yaml", "output rig file path")
	steps := flag.Int("n", 30, "number of body poses")
	step := flag.Duration("step", 100*time.Millisecond, "time between body poses")
	sensors := flag.Int("sensors", 12, "sensors on the tracker")
	beacons := flag.Int("lighthouses", 2, "number of lighthouses")
	noise := flag.Float64("noise", 0, "angle noise standard deviation, radians")
	params := flag.Bool("params", false, "draw non-zero lighthouse calibration parameters")
	planar := flag.Bool("planar", false, "keep the body level")
	perturb := flag.Float64("perturb", 0.05, "perturb the registration in the rig file by this many metres/radians")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	cfg := synthetic.DefaultConfig()
	cfg.Steps = *steps
	cfg.Step = *step
	cfg.Sensors = *sensors
	cfg.Beacons = *beacons
	cfg.AngleNoise = *noise
	cfg.Params = *params
	cfg.Planar = *planar
	cfg.Seed = *seed
	sc := synthetic.Generate(cfg)

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	w := replay.NewWriter(f)
	if err := w.WriteRig(sc.Rig); err != nil {
		log.Fatalf("failed to write devices: %v", err)
	}
	if err := w.WriteMeasurements(sc.Observations(), sc.Corrections()); err != nil {
		log.Fatalf("failed to write measurements: %v", err)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("failed to flush %s: %v", *output, err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("failed to close %s: %v", *output, err)
	}
	log.Printf("✓ Created: %s (%d records)", *output, w.Count())

	prior := sc.Rig.Clone()
	if *perturb > 0 {
		rng := rand.New(rand.NewSource(*seed + 1))
		prior.SetRegistration(synthetic.Perturb(prior.Registration(), *perturb, *perturb, rng))
	}
	data, err := config.RigFileFrom(prior).Marshal()
	if err != nil {
		log.Fatalf("failed to encode rig: %v", err)
	}
	if err := (fsutil.OSFileSystem{}).WriteFile(*rigOut, data, 0o644); err != nil {
		log.Fatalf("failed to write %s: %v", *rigOut, err)
	}
	log.Printf("✓ Created: %s", *rigOut)
}
