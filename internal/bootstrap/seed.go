package bootstrap

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/bundle"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
)

// Seeder produces initial world-frame body poses.
type Seeder struct {
	Model bearing.Model
	// Correct applies the lighthouse calibration before projecting.
	Correct bool
	PnP     Options
}

// Seeds are the bootstrapped body poses of a recording.
type Seeds struct {
	// Poses maps an epoch to its world-frame body pose (wTb).
	Poses map[bundle.Epoch]geom.Pose
	// Epochs lists the seeded epochs in time order.
	Epochs []bundle.Epoch
	// Source names the tracker and lighthouse each seed came from.
	Source map[bundle.Epoch][2]string
}

// Report counts what happened to each tracker/lighthouse/epoch triple.
type Report struct {
	// Attempted counts triples with enough correspondences to try a solve.
	Attempted int
	// Solved counts successful solves, including ones for epochs that
	// were already seeded.
	Solved int
	// Skipped counts triples with fewer than four correspondences.
	Skipped int
	// Failed counts triples whose solve found no pose.
	Failed int
	// MeanHeight and StdHeight summarise the seeded vertical positions.
	MeanHeight float64
	StdHeight  float64
}

// Correspondences gathers, for every sensor with samples on both axes, the
// sensor position and the image of its corrected mean angles. Sensors
// unknown to the tracker are ignored. The result is ordered by sensor.
func (s Seeder) Correspondences(b *bundle.Bundle, tr rig.Tracker, lh rig.Beacon, e bundle.Epoch) []Correspondence {
	pairs := b.Pair(tr.Serial, lh.Serial, e)
	ids := make([]int, 0, len(pairs))
	for id := range pairs {
		if id >= 0 && id < len(tr.Sensors) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	model := s.model()
	out := make([]Correspondence, 0, len(ids))
	for _, id := range ids {
		angles := model.Correct(lh.Params[:], pairs[id], s.Correct)
		out = append(out, Correspondence{
			Object: tr.Sensors[id].Position,
			Image:  s.PnP.Camera.Project(angles),
		})
	}
	return out
}

// Seed walks lighthouses in serial order, so the gauge lighthouse is tried
// first, then trackers, then epochs. The first successful solve for an
// epoch provides its seed.
func (s Seeder) Seed(b *bundle.Bundle, r *rig.Rig) (*Seeds, Report) {
	if s.PnP.Camera.FOV <= 0 {
		s.PnP.Camera = DefaultCamera()
	}
	seeds := &Seeds{
		Poses:  make(map[bundle.Epoch]geom.Pose),
		Source: make(map[bundle.Epoch][2]string),
	}
	var rep Report
	wTv := r.Registration()
	for _, beacon := range r.BeaconSerials() {
		lh, _ := r.Beacon(beacon)
		for _, tracker := range r.TrackerSerials() {
			tr, _ := r.Tracker(tracker)
			seeded := 0
			for _, e := range b.PairEpochs(tracker, beacon) {
				corr := s.Correspondences(b, tr, lh, e)
				if len(corr) < MinCorrespondences {
					rep.Skipped++
					continue
				}
				rep.Attempted++
				res, err := SolvePnP(corr, s.PnP)
				if err != nil {
					rep.Failed++
					if !errors.Is(err, ErrNoSolution) {
						opsf("pnp %s/%s epoch %d: %v", tracker, beacon, e, err)
					}
					continue
				}
				rep.Solved++
				tracef("pnp %s/%s epoch %d: %d/%d inliers rms %.4g",
					tracker, beacon, e, len(res.Inliers), len(corr), res.RMS)
				if _, ok := seeds.Poses[e]; ok {
					continue
				}
				seeds.Poses[e] = BodyPose(wTv, lh.Pose, res.Pose, tr)
				seeds.Source[e] = [2]string{tracker, beacon}
				seeded++
			}
			diagf("lighthouse %s and tracker %s: %d epochs seeded", beacon, tracker, seeded)
		}
	}

	seeds.Epochs = make([]bundle.Epoch, 0, len(seeds.Poses))
	heights := make([]float64, 0, len(seeds.Poses))
	for e := range seeds.Poses {
		seeds.Epochs = append(seeds.Epochs, e)
	}
	sort.Slice(seeds.Epochs, func(i, j int) bool { return seeds.Epochs[i] < seeds.Epochs[j] })
	for _, e := range seeds.Epochs {
		heights = append(heights, seeds.Poses[e][2])
	}
	switch len(heights) {
	case 0:
		rep.MeanHeight, rep.StdHeight = math.NaN(), math.NaN()
	case 1:
		rep.MeanHeight = heights[0]
	default:
		rep.MeanHeight, rep.StdHeight = stat.MeanStdDev(heights, nil)
	}
	diagf("seeded %d of %d epochs: attempted %d, failed %d, skipped %d, height %.4f +/- %.4f",
		len(seeds.Epochs), len(b.Epochs()), rep.Attempted, rep.Failed, rep.Skipped, rep.MeanHeight, rep.StdHeight)
	return seeds, rep
}

func (s Seeder) model() bearing.Model {
	if s.Model == nil {
		return bearing.LighthouseModel{}
	}
	return s.Model
}

// BodyPose composes a tracker pose in a lighthouse frame through the rig:
// wTb = wTv * vTl * lTt * tTh * bTh^-1.
func BodyPose(wTv, vTl, lTt geom.Pose, tr rig.Tracker) geom.Pose {
	return wTv.Compose(vTl).Compose(lTt).Compose(tr.LightHead).Compose(tr.BodyHead.Inverse())
}
