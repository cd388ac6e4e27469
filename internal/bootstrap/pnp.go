// Package bootstrap seeds the per-epoch body poses of a recording by
// solving a perspective pose problem for every tracker/lighthouse/epoch
// triple that saw enough sensors.
package bootstrap

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/deepdive/internal/geom"
)

// MinCorrespondences is the smallest set a pose is estimated from.
const MinCorrespondences = 4

var (
	// ErrTooFewCorrespondences is returned for fewer than four points.
	ErrTooFewCorrespondences = errors.New("bootstrap: fewer than 4 correspondences")
	// ErrNoSolution is returned when no hypothesis has enough inliers in
	// front of the lighthouse.
	ErrNoSolution = errors.New("bootstrap: perspective pose did not converge")
)

// Correspondence pairs a sensor position in the tracker light frame with
// its image on the synthetic plane.
type Correspondence struct {
	Object r3.Vector
	Image  [2]float64
}

// Camera is the synthetic pinhole the angles are projected through.
type Camera struct {
	// FOV is the full field of view in radians.
	FOV float64
	// Width is the image plane width in metres.
	Width float64
}

// DefaultCamera is a 120 degree field of view onto a 1 m plane.
func DefaultCamera() Camera {
	return Camera{FOV: 2.0944, Width: 1.0}
}

// Focal returns the principal distance w / (2 tan(fov / 2)).
func (c Camera) Focal() float64 {
	return c.Width / (2 * math.Tan(c.FOV/2))
}

// Project maps an ideal angle pair onto the image plane.
func (c Camera) Project(angles [2]float64) [2]float64 {
	f := c.Focal()
	return [2]float64{f * math.Tan(angles[0]), f * math.Tan(angles[1])}
}

// Options tunes SolvePnP.
type Options struct {
	Camera Camera
	// Iterations bounds the RANSAC loop.
	Iterations int
	// Threshold is the inlier reprojection error in image units.
	Threshold float64
	// Confidence ends RANSAC early once a hypothesis this likely to be
	// outlier-free has been drawn.
	Confidence float64
	// Seed makes hypothesis sampling reproducible.
	Seed int64
}

// DefaultOptions matches the stock robust solve: 100 iterations, an 8 unit
// threshold and 0.99 confidence.
func DefaultOptions() Options {
	return Options{
		Camera:     DefaultCamera(),
		Iterations: 100,
		Threshold:  8.0,
		Confidence: 0.99,
		Seed:       1,
	}
}

// Result is a solved pose.
type Result struct {
	// Pose maps the tracker light frame into the lighthouse frame (lTt).
	Pose    geom.Pose
	Inliers []int
	// RMS is the root-mean-square reprojection error of the inliers in
	// image units.
	RMS float64
}

// SolvePnP estimates the pose of the object points relative to the camera.
// Hypotheses are drawn from minimal samples, initialised by POSIT and
// polished by quasi-Newton minimisation of the reprojection error.
func SolvePnP(corr []Correspondence, opts Options) (*Result, error) {
	if len(corr) < MinCorrespondences {
		return nil, ErrTooFewCorrespondences
	}
	if opts.Camera.FOV <= 0 || opts.Camera.Width <= 0 {
		opts.Camera = DefaultCamera()
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	focal := opts.Camera.Focal()
	norm := make([][2]float64, len(corr))
	objs := make([]r3.Vector, len(corr))
	for i, c := range corr {
		norm[i] = [2]float64{c.Image[0] / focal, c.Image[1] / focal}
		objs[i] = c.Object
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var (
		best      geom.Pose
		bestIn    []int
		bestErr   = math.Inf(1)
		needed    = opts.Iterations
		sampleIdx = make([]int, MinCorrespondences)
	)
	if len(corr) == MinCorrespondences {
		needed = 1
	}
	for it := 0; it < needed && it < opts.Iterations; it++ {
		if len(corr) == MinCorrespondences {
			for i := range sampleIdx {
				sampleIdx[i] = i
			}
		} else {
			copy(sampleIdx, rng.Perm(len(corr))[:MinCorrespondences])
		}
		o, n := subset(objs, sampleIdx), subset2(norm, sampleIdx)
		pose, ok := estimate(o, n)
		if !ok {
			continue
		}
		in, sq := inliers(pose, objs, norm, focal, opts.Threshold)
		if len(in) < MinCorrespondences {
			continue
		}
		if len(in) > len(bestIn) || (len(in) == len(bestIn) && sq < bestErr) {
			best, bestIn, bestErr = pose, in, sq
			if len(corr) > MinCorrespondences {
				needed = ransacIterations(float64(len(in))/float64(len(corr)), opts.Confidence, opts.Iterations)
			}
		}
	}
	if bestIn == nil {
		return nil, ErrNoSolution
	}

	pose := refine(best, subset(objs, bestIn), subset2(norm, bestIn))
	in, sq := inliers(pose, objs, norm, focal, opts.Threshold)
	if len(in) < MinCorrespondences {
		return nil, ErrNoSolution
	}
	return &Result{Pose: pose, Inliers: in, RMS: math.Sqrt(sq / float64(len(in)))}, nil
}

// ransacIterations is the number of minimal samples needed to draw one
// outlier-free sample with the given confidence.
func ransacIterations(inlierRatio, confidence float64, limit int) int {
	if inlierRatio >= 1 || confidence <= 0 {
		return 1
	}
	p := math.Pow(inlierRatio, MinCorrespondences)
	if p <= 0 {
		return limit
	}
	n := math.Log(1-confidence) / math.Log(1-p)
	if math.IsNaN(n) || n > float64(limit) {
		return limit
	}
	return int(math.Ceil(n))
}

// inliers returns the indices whose reprojection error is below threshold,
// and the sum of their squared errors, all in image units. Points behind
// the camera are never inliers.
func inliers(pose geom.Pose, objs []r3.Vector, norm [][2]float64, focal, threshold float64) ([]int, float64) {
	var in []int
	sq := 0.0
	for i, x := range objs {
		c := pose.Apply(x)
		if c.Z <= 0 {
			continue
		}
		du := focal * (c.X/c.Z - norm[i][0])
		dv := focal * (c.Y/c.Z - norm[i][1])
		e := du*du + dv*dv
		if math.Sqrt(e) < threshold {
			in = append(in, i)
			sq += e
		}
	}
	return in, sq
}

// estimate returns the best pose for a small point set: every POSIT
// candidate is polished and the one with the lowest error kept.
func estimate(objs []r3.Vector, norm [][2]float64) (geom.Pose, bool) {
	best, bestF := geom.Pose{}, math.Inf(1)
	for _, c := range posit(objs, norm) {
		p := refine(c, objs, norm)
		if f := reprojection(p, objs, norm); f < bestF {
			best, bestF = p, f
		}
	}
	return best, !math.IsInf(bestF, 1)
}

// behindPenalty is the cost of a point that projects from behind the camera.
const behindPenalty = 1e3

func reprojection(p geom.Pose, objs []r3.Vector, norm [][2]float64) float64 {
	f := 0.0
	for i, x := range objs {
		c := p.Apply(x)
		if c.Z <= 1e-9 {
			f += behindPenalty
			continue
		}
		du, dv := c.X/c.Z-norm[i][0], c.Y/c.Z-norm[i][1]
		f += du*du + dv*dv
	}
	return f
}

// refine minimises the normalised reprojection error from p with BFGS.
func refine(p geom.Pose, objs []r3.Vector, norm [][2]float64) geom.Pose {
	f := func(x []float64) float64 {
		var q geom.Pose
		copy(q[:], x)
		return reprojection(q, objs, norm)
	}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 200,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-20, Relative: 1e-12, Iterations: 20},
	}
	init := append([]float64(nil), p[:]...)
	start := f(init)
	res, _ := optimize.Minimize(problem, init, settings, &optimize.BFGS{})
	if res == nil || math.IsNaN(res.F) || res.F >= start {
		return p
	}
	var out geom.Pose
	copy(out[:], res.X)
	return out
}

// posit returns initial pose hypotheses from the scaled orthographic
// approximation. Non-coplanar points yield one iterated estimate; coplanar
// points yield the two mirror solutions.
func posit(objs []r3.Vector, norm [][2]float64) []geom.Pose {
	n := len(objs)
	var centroid r3.Vector
	for _, x := range objs {
		centroid = centroid.Add(x)
	}
	centroid = centroid.Mul(1 / float64(n))

	a := mat.NewDense(n, 4, nil)
	for i, x := range objs {
		d := x.Sub(centroid)
		a.SetRow(i, []float64{d.X, d.Y, d.Z, 1})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	// Pseudo-inverse, dropping directions with negligible support.
	tol := values[0] * 1e-6
	pinv := mat.NewDense(4, n, nil)
	rank := 0
	for k, s := range values {
		if s <= tol {
			continue
		}
		rank++
		var outer mat.Dense
		outer.Outer(1/s, v.ColView(k), u.ColView(k))
		pinv.Add(pinv, &outer)
	}
	if rank < 3 {
		return nil
	}

	eps := make([]float64, n)
	solve := func() (r3.Vector, float64, r3.Vector, float64) {
		bu := mat.NewVecDense(n, nil)
		bv := mat.NewVecDense(n, nil)
		for i := range objs {
			bu.SetVec(i, norm[i][0]*(1+eps[i]))
			bv.SetVec(i, norm[i][1]*(1+eps[i]))
		}
		var iu, jv mat.VecDense
		iu.MulVec(pinv, bu)
		jv.MulVec(pinv, bv)
		return r3.Vector{X: iu.AtVec(0), Y: iu.AtVec(1), Z: iu.AtVec(2)}, iu.AtVec(3),
			r3.Vector{X: jv.AtVec(0), Y: jv.AtVec(1), Z: jv.AtVec(2)}, jv.AtVec(3)
	}

	if rank == 3 {
		// Coplanar: complete I and J along the plane normal so that they
		// have equal norm and are orthogonal.
		normal := r3.Vector{X: v.At(0, 3), Y: v.At(1, 3), Z: v.At(2, 3)}.Normalize()
		i0, x0, j0, y0 := solve()
		c := cmplx.Sqrt(complex(j0.Norm2()-i0.Norm2(), -2*i0.Dot(j0)))
		var out []geom.Pose
		for _, sign := range []float64{1, -1} {
			lambda, mu := sign*real(c), sign*imag(c)
			if p, ok := poseFromIJ(i0.Add(normal.Mul(lambda)), x0, j0.Add(normal.Mul(mu)), y0, centroid); ok {
				out = append(out, p)
			}
		}
		return out
	}

	var pose geom.Pose
	for it := 0; it < 20; it++ {
		i, x0, j, y0 := solve()
		p, ok := poseFromIJ(i, x0, j, y0, centroid)
		if !ok {
			return nil
		}
		pose = p
		tz := pose.Apply(centroid).Z
		change := 0.0
		for k, x := range objs {
			e := geom.RotatePoint(pose.Rotation(), x.Sub(centroid)).Z / tz
			change = math.Max(change, math.Abs(e-eps[k]))
			eps[k] = e
		}
		if change < 1e-10 {
			break
		}
	}
	return []geom.Pose{pose}
}

// poseFromIJ turns the scaled first two rotation rows and the image of the
// centroid into a rigid pose for the uncentred object.
func poseFromIJ(i r3.Vector, x0 float64, j r3.Vector, y0 float64, centroid r3.Vector) (geom.Pose, bool) {
	ni, nj := i.Norm(), j.Norm()
	if ni == 0 || nj == 0 {
		return geom.Pose{}, false
	}
	s := math.Sqrt(ni * nj)
	r1, r2 := i.Mul(1/ni), j.Mul(1/nj)
	r3row := r1.Cross(r2)
	m := mat.NewDense(3, 3, []float64{
		r1.X, r1.Y, r1.Z,
		r2.X, r2.Y, r2.Z,
		r3row.X, r3row.Y, r3row.Z,
	})
	// Nearest rotation in the Frobenius sense.
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return geom.Pose{}, false
	}
	var u, v, rot mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		return geom.Pose{}, false
	}
	tz := 1 / s
	tc := r3.Vector{X: x0 * tz, Y: y0 * tz, Z: tz}
	// R (x - centroid) + tc = R x + (tc - R centroid)
	aa := geom.AxisAngleFromMatrix(&rot)
	t := tc.Sub(geom.RotatePoint(aa, centroid))
	return geom.NewPose(t, aa), true
}

func subset(xs []r3.Vector, idx []int) []r3.Vector {
	out := make([]r3.Vector, len(idx))
	for k, i := range idx {
		out[k] = xs[i]
	}
	return out
}

func subset2(xs [][2]float64, idx []int) [][2]float64 {
	out := make([][2]float64, len(idx))
	for k, i := range idx {
		out[k] = xs[i]
	}
	return out
}
