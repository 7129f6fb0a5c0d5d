// Package sections attributes detections to horizontal sections of the
// original scene using caller-supplied coordinate tags.
package sections

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/Tutortoise/detection-relay/models"
)

const (
	// Separator splits the serialized tag map.
	Separator = ":"
	// NoReport marks a section whose detections must not be reported.
	NoReport = "-1"
)

var ErrMalformedTagMap = errors.New("malformed coordinate tags")

// TagMap holds one tag pair per horizontal section, left to right.
type TagMap []models.TagPair

// ParseTagMap decodes alternating row/col tokens. The token count must be
// exactly 2*cutWidth.
func ParseTagMap(raw string, cutWidth int) (TagMap, error) {
	if cutWidth <= 0 {
		return nil, errors.Wrapf(ErrMalformedTagMap, "cut width must be positive, got %d", cutWidth)
	}
	tokens := strings.Split(raw, Separator)
	if len(tokens) != 2*cutWidth {
		return nil, errors.Wrapf(ErrMalformedTagMap, "got %d tokens in %q, want %d for %d sections",
			len(tokens), raw, 2*cutWidth, cutWidth)
	}

	tags := make(TagMap, cutWidth)
	for i := range tags {
		tags[i] = models.TagPair{
			Row: strings.TrimSpace(tokens[2*i]),
			Col: strings.TrimSpace(tokens[2*i+1]),
		}
	}
	return tags, nil
}

func (m TagMap) String() string {
	parts := make([]string, 0, 2*len(m))
	for _, p := range m {
		parts = append(parts, p.Row, p.Col)
	}
	return strings.Join(parts, Separator)
}

func isSentinel(p models.TagPair) bool {
	return p.Col == NoReport
}

// Tagger assigns each detection the tag of the first section holding at
// least half of its width.
type Tagger struct {
	FrameWidth int
	Tags       TagMap
}

// Tag returns the detections in input order with Tag set where a reportable
// section was found.
func (t Tagger) Tag(dets []models.FusedDetection) []models.TaggedDetection {
	out := make([]models.TaggedDetection, len(dets))
	for i, d := range dets {
		out[i] = models.TaggedDetection{FusedDetection: d, Tag: t.section(d.Box)}
	}
	return out
}

func (t Tagger) section(box models.Box) *models.TagPair {
	cutWidth := len(t.Tags)
	if cutWidth == 0 {
		return nil
	}

	startX := box.X0
	halfWidth := box.Width() / 2
	for w := 1; w <= cutWidth; w++ {
		boundary := float64(t.FrameWidth) / float64(cutWidth) * float64(w)
		if startX >= boundary || halfWidth >= boundary-startX {
			continue
		}
		pair := t.Tags[w-1]
		if isSentinel(pair) {
			return nil
		}
		return &pair
	}
	return nil
}

// Reportable keeps only tagged detections.
func Reportable(dets []models.TaggedDetection) []models.TaggedDetection {
	out := make([]models.TaggedDetection, 0, len(dets))
	for _, d := range dets {
		if d.Tag != nil {
			out = append(out, d)
		}
	}
	return out
}
