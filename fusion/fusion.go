// Package fusion merges overlapping detections into consensus detections
// with weighted box fusion.
package fusion

import (
	"sort"

	"github.com/Tutortoise/detection-relay/models"
)

const (
	DefaultIoUThreshold     = 0.55
	DefaultSkipBoxThreshold = 0.0
)

type Options struct {
	// IoUThreshold is the overlap a detection needs with a cluster's fused
	// box to join it.
	IoUThreshold float64
	// SkipBoxThreshold drops weighted detections scoring below it.
	SkipBoxThreshold float64
	// Weights scales each input list's scores. Nil means all ones.
	Weights []float64
}

func DefaultOptions() Options {
	return Options{IoUThreshold: DefaultIoUThreshold, SkipBoxThreshold: DefaultSkipBoxThreshold}
}

type cluster struct {
	members []int
	fused   models.FusedDetection
}

// Fuse clusters detections from one or more detectors and returns one fused
// detection per cluster, in cluster creation order.
func Fuse(lists [][]models.Detection, opts Options) []models.FusedDetection {
	candidates := collect(lists, opts)
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	var clusters []cluster
	for i, c := range candidates {
		idx := findCluster(clusters, c.Box, opts.IoUThreshold)
		if idx < 0 {
			clusters = append(clusters, cluster{})
			idx = len(clusters) - 1
		}
		clusters[idx].members = append(clusters[idx].members, i)
		clusters[idx].fused = fuseCluster(candidates, clusters[idx].members)
	}

	out := make([]models.FusedDetection, len(clusters))
	for i := range clusters {
		out[i] = clusters[i].fused
	}
	return out
}

func collect(lists [][]models.Detection, opts Options) []models.Detection {
	var out []models.Detection
	for li, list := range lists {
		weight := 1.0
		if li < len(opts.Weights) {
			weight = opts.Weights[li]
		}
		for _, d := range list {
			d.Score *= weight
			if d.Score < opts.SkipBoxThreshold {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

// findCluster returns the first cluster whose fused box overlaps box above
// threshold, or -1.
func findCluster(clusters []cluster, box models.Box, threshold float64) int {
	for i := range clusters {
		if clusters[i].fused.Box.IoU(box) > threshold {
			return i
		}
	}
	return -1
}

func fuseCluster(candidates []models.Detection, members []int) models.FusedDetection {
	var box models.Box
	var total float64
	best := candidates[members[0]]

	for _, m := range members {
		d := candidates[m]
		box.X0 += d.Box.X0 * d.Score
		box.Y0 += d.Box.Y0 * d.Score
		box.X1 += d.Box.X1 * d.Score
		box.Y1 += d.Box.Y1 * d.Score
		total += d.Score
		if d.Score > best.Score {
			best = d
		}
	}

	if total > 0 {
		box.X0 /= total
		box.Y0 /= total
		box.X1 /= total
		box.Y1 /= total
	} else {
		box = best.Box
	}

	return models.FusedDetection{
		Box:     box,
		Label:   best.Label,
		Score:   total / float64(len(members)),
		Members: len(members),
	}
}
