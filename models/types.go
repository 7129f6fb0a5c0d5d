package models

import (
	"image"
	"math"
	"time"
)

// Box is an axis-aligned rectangle. Depending on the pipeline stage the
// coordinates are absolute pixels or normalized to [0,1].
type Box struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

func (b Box) Width() float64  { return b.X1 - b.X0 }
func (b Box) Height() float64 { return b.Y1 - b.Y0 }

func (b Box) Area() float64 {
	if b.X1 <= b.X0 || b.Y1 <= b.Y0 {
		return 0
	}
	return b.Width() * b.Height()
}

// IoU returns the intersection-over-union of two boxes, 0 when disjoint.
func (b Box) IoU(o Box) float64 {
	x0 := math.Max(b.X0, o.X0)
	y0 := math.Max(b.Y0, o.Y0)
	x1 := math.Min(b.X1, o.X1)
	y1 := math.Min(b.Y1, o.Y1)

	if x1 <= x0 || y1 <= y0 {
		return 0.0
	}

	intersection := (x1 - x0) * (y1 - y0)
	union := b.Area() + o.Area() - intersection
	if union <= 0 {
		return 0.0
	}
	return intersection / union
}

// Normalize maps a pixel box into [0,1] relative to a frame of the given size.
func (b Box) Normalize(width, height int) Box {
	w, h := float64(width), float64(height)
	return Box{X0: b.X0 / w, Y0: b.Y0 / h, X1: b.X1 / w, Y1: b.Y1 / h}
}

// Denormalize is the inverse of Normalize.
func (b Box) Denormalize(width, height int) Box {
	w, h := float64(width), float64(height)
	return Box{X0: b.X0 * w, Y0: b.Y0 * h, X1: b.X1 * w, Y1: b.Y1 * h}
}

// Rect truncates the box to integer pixel coordinates.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X0), int(b.Y0), int(b.X1), int(b.Y1))
}

func BoxFromRect(r image.Rectangle) Box {
	return Box{X0: float64(r.Min.X), Y0: float64(r.Min.Y), X1: float64(r.Max.X), Y1: float64(r.Max.Y)}
}

// Detection is one classified region proposal. Label is the 1-based class id.
type Detection struct {
	Box   Box     `json:"box"`
	Label int     `json:"label"`
	Score float64 `json:"score"`
}

// FusedDetection is the consensus detection for one cluster of overlapping
// detections.
type FusedDetection struct {
	Box     Box     `json:"box"`
	Label   int     `json:"label"`
	Score   float64 `json:"score"`
	Members int     `json:"members"`
}

// TagPair identifies a section of the original unsplit scene.
type TagPair struct {
	Row string `json:"row"`
	Col string `json:"col"`
}

// TaggedDetection is a fused detection in pixel space with its section tag.
// Tag is nil when the detection could not be attributed to a section.
type TaggedDetection struct {
	FusedDetection
	Tag *TagPair `json:"tag,omitempty"`
}

type ProcessingTimings struct {
	RequestID  string
	Decode     time.Duration
	Normalize  time.Duration
	Propose    time.Duration
	Preprocess time.Duration
	Inference  time.Duration
	Fusion     time.Duration
	Tagging    time.Duration
	Persist    time.Duration
	Total      time.Duration
}
