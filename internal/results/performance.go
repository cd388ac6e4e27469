package results

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/refine"
)

// PerformanceHeader names the performance log columns.
var PerformanceHeader = []string{
	"offset",
	"x", "y", "z", "rx", "ry", "rz",
	"truth_x", "truth_y", "truth_z", "truth_rx", "truth_ry", "truth_rz",
}

// WritePerformanceCSV writes one row per solved epoch that has a reference
// pose: the offset in seconds from the first solved epoch, the solved pose
// and the reference pose. It returns the number of rows written.
func WritePerformanceCSV(w io.Writer, traj []refine.TrajectoryPoint, header bool) (int, error) {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(PerformanceHeader); err != nil {
			return 0, err
		}
	}
	rows := 0
	if len(traj) > 0 {
		start := traj[0].Time
		for _, tp := range traj {
			if !tp.HasTruth {
				continue
			}
			rec := make([]string, 0, len(PerformanceHeader))
			rec = append(rec, formatFloat(tp.Time.Sub(start).Seconds()))
			rec = appendPose(rec, tp.Pose)
			rec = appendPose(rec, tp.Truth)
			if err := cw.Write(rec); err != nil {
				return rows, err
			}
			rows++
		}
	}
	cw.Flush()
	return rows, cw.Error()
}

func appendPose(rec []string, p geom.Pose) []string {
	for _, v := range p {
		rec = append(rec, formatFloat(v))
	}
	return rec
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
