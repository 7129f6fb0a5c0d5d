// Package session tracks which labels were already reported during a run.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tutortoise/detection-relay/models"
)

// Session holds the labels surfaced since the session started. It is not
// safe for concurrent use; the pipeline serializes access.
type Session struct {
	id      string
	started time.Time
	seen    map[int]struct{}
	order   []int
}

func New() *Session {
	s := &Session{}
	s.Reset()
	return s
}

// Reset starts a fresh session with a new ID and no seen labels.
func (s *Session) Reset() {
	s.id = uuid.NewString()
	s.started = time.Now()
	s.seen = make(map[int]struct{})
	s.order = nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Started() time.Time { return s.started }

// Seen reports whether label was already surfaced.
func (s *Session) Seen(label int) bool {
	_, ok := s.seen[label]
	return ok
}

// Report records label and returns true if this is its first report.
func (s *Session) Report(label int) bool {
	if s.Seen(label) {
		return false
	}
	s.seen[label] = struct{}{}
	s.order = append(s.order, label)
	return true
}

// Labels returns the seen labels in first-report order.
func (s *Session) Labels() []int {
	return append([]int(nil), s.order...)
}

// FormatEntry renders a reply entry as "<label>, (<row>, <col>)".
func FormatEntry(label int, tag models.TagPair) string {
	return fmt.Sprintf("%d, (%s, %s)", label, tag.Row, tag.Col)
}

// Deduplicate returns reply entries for tagged detections whose labels were
// not reported before, recording them. Untagged detections are skipped.
func (s *Session) Deduplicate(dets []models.TaggedDetection) []string {
	fresh := lo.Filter(dets, func(d models.TaggedDetection, _ int) bool {
		return d.Tag != nil && s.Report(d.Label)
	})
	return lo.Map(fresh, func(d models.TaggedDetection, _ int) string {
		return FormatEntry(d.Label, *d.Tag)
	})
}
