// Package pipeline runs a frame through normalization, proposal,
// classification, fusion, tagging and deduplication, and persists the frame
// artifacts of the current session.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-relay/annotate"
	"github.com/Tutortoise/detection-relay/brightness"
	"github.com/Tutortoise/detection-relay/detections"
	"github.com/Tutortoise/detection-relay/fusion"
	"github.com/Tutortoise/detection-relay/models"
	"github.com/Tutortoise/detection-relay/mosaic"
	"github.com/Tutortoise/detection-relay/proposals"
	"github.com/Tutortoise/detection-relay/sections"
	"github.com/Tutortoise/detection-relay/session"
	"github.com/Tutortoise/detection-relay/store"
)

const (
	CapturedPrefix  = "captured_images"
	ProcessedPrefix = "processed_images"
	DefaultCutWidth = 3
	DefaultMosaic   = "stitched_output.png"
)

type Options struct {
	CutWidth  int
	Fusion    fusion.Options
	MosaicKey string
	// Resize scales frames to the working width before anything else.
	Resize bool
}

func DefaultOptions() Options {
	return Options{
		CutWidth:  DefaultCutWidth,
		Fusion:    fusion.DefaultOptions(),
		MosaicKey: DefaultMosaic,
		Resize:    true,
	}
}

// Result is the outcome of one frame.
type Result struct {
	RequestID string
	SessionID string
	// Entries are the reply entries for labels first seen in this frame.
	Entries    []string
	Detections []models.TaggedDetection
	Timings    models.ProcessingTimings
}

// MosaicResult is the outcome of a termination signal.
type MosaicResult struct {
	SessionID string `json:"session_id"`
	Key       string `json:"key,omitempty"`
	Crops     int    `json:"crops"`
}

type Metrics struct {
	Frames        int64  `json:"frames"`
	Failed        int64  `json:"failed"`
	Timeouts      int64  `json:"timeouts"`
	Detections    int64  `json:"detections"`
	Reported      int64  `json:"reported"`
	StoreFailures int64  `json:"store_failures"`
	Mosaics       int64  `json:"mosaics"`
	SessionID     string `json:"session_id"`
}

type counters struct {
	frames, failed, timeouts, detections, reported, storeFailures, mosaics atomic.Int64
}

// Pipeline processes frames strictly one at a time.
type Pipeline struct {
	mu sync.Mutex

	proposer   proposals.Generator
	classifier *detections.ProposalClassifier
	normalizer *brightness.Normalizer
	composer   *mosaic.Composer
	store      store.Store
	opts       Options
	logger     *zap.SugaredLogger

	session *session.Session
	frame   int

	stats counters
}

func New(
	proposer proposals.Generator,
	classifier *detections.ProposalClassifier,
	normalizer *brightness.Normalizer,
	composer *mosaic.Composer,
	s store.Store,
	opts Options,
	logger *zap.SugaredLogger,
) *Pipeline {
	return &Pipeline{
		proposer:   proposer,
		classifier: classifier,
		normalizer: normalizer,
		composer:   composer,
		store:      s,
		opts:       opts,
		logger:     logger,
		session:    session.New(),
	}
}

// IsTimeout reports whether err is a retryable stage deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, detections.ErrTimeout) || errors.Is(err, proposals.ErrTimeout)
}

// ProcessFrame runs one frame with its serialized coordinate tags.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame image.Image, coords string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res := &Result{RequestID: uuid.NewString(), SessionID: p.session.ID()}
	res.Timings.RequestID = res.RequestID

	tags, err := sections.ParseTagMap(coords, p.opts.CutWidth)
	if err != nil {
		p.stats.failed.Add(1)
		return nil, err
	}

	p.persist(ctx, store.Join(CapturedPrefix, coords+res.RequestID+".png"), frame, &res.Timings)

	work := p.working(frame)
	dets, err := p.detect(ctx, work, tags, &res.Timings)
	if err != nil {
		p.stats.failed.Add(1)
		if IsTimeout(err) {
			p.stats.timeouts.Add(1)
		}
		return nil, err
	}
	res.Detections = dets
	res.Entries = p.session.Deduplicate(dets)

	p.frame++
	if len(res.Entries) > 0 {
		name := fmt.Sprintf("%06d_%s%s", p.frame, coords, mosaic.CropSuffix)
		key := store.Join(ProcessedPrefix, p.session.ID(), name)
		p.persist(ctx, key, annotate.Draw(work, dets), &res.Timings)
	}

	p.stats.frames.Add(1)
	p.stats.detections.Add(int64(len(dets)))
	p.stats.reported.Add(int64(len(res.Entries)))
	res.Timings.Total = time.Since(start)
	p.logTimings(&res.Timings)
	return res, nil
}

// working is the frame every later stage sees: resized to the working width
// when enabled.
func (p *Pipeline) working(frame image.Image) image.Image {
	if !p.opts.Resize {
		return frame
	}
	return brightness.Resize(frame)
}

func (p *Pipeline) detect(ctx context.Context, frame image.Image, tags sections.TagMap, timings *models.ProcessingTimings) ([]models.TaggedDetection, error) {
	normStart := time.Now()
	work := p.normalizer.Normalize(frame)
	timings.Normalize = time.Since(normStart)

	proposeStart := time.Now()
	rects, err := p.proposer.Propose(ctx, work)
	timings.Propose = time.Since(proposeStart)
	if err != nil {
		return nil, errors.Wrap(err, "region proposals")
	}

	raw, err := p.classifier.Classify(ctx, work, rects, timings)
	if err != nil {
		return nil, err
	}

	fuseStart := time.Now()
	fused := fusion.Fuse([][]models.Detection{raw}, p.opts.Fusion)
	bounds := work.Bounds()
	for i := range fused {
		fused[i].Box = fused[i].Box.Denormalize(bounds.Dx(), bounds.Dy())
	}
	timings.Fusion = time.Since(fuseStart)

	tagStart := time.Now()
	tagged := sections.Tagger{FrameWidth: bounds.Dx(), Tags: tags}.Tag(fused)
	timings.Tagging = time.Since(tagStart)

	p.logger.Debugw("frame detections",
		"proposals", len(rects), "classified", len(raw), "fused", len(fused))
	return tagged, nil
}

// persist writes an artifact. Failures are logged and never fail the frame.
func (p *Pipeline) persist(ctx context.Context, key string, img image.Image, timings *models.ProcessingTimings) {
	start := time.Now()
	defer func() { timings.Persist += time.Since(start) }()

	if err := store.PutPNG(ctx, p.store, key, img); err != nil {
		p.stats.storeFailures.Add(1)
		p.logger.Warnw("failed to persist artifact", "key", key, "error", err)
	}
}

// Terminate composes the current session's crops into the mosaic and starts
// a new session. The session is reset even when composition fails.
func (p *Pipeline) Terminate(ctx context.Context) (MosaicResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := MosaicResult{SessionID: p.session.ID()}
	defer p.resetLocked()

	prefix := store.Join(ProcessedPrefix, p.session.ID()) + "/"
	n, err := p.composer.ComposeSession(ctx, prefix, p.opts.MosaicKey)
	if err != nil {
		return res, err
	}
	p.stats.mosaics.Add(1)
	res.Key = p.opts.MosaicKey
	res.Crops = n
	return res, nil
}

// StartSession discards the seen labels and returns the new session id.
func (p *Pipeline) StartSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return p.session.ID()
}

func (p *Pipeline) resetLocked() {
	old := p.session.ID()
	p.session.Reset()
	p.frame = 0
	p.logger.Infow("session started", "previous", old, "session", p.session.ID())
}

func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.ID()
}

func (p *Pipeline) GetMetrics() Metrics {
	return Metrics{
		Frames:        p.stats.frames.Load(),
		Failed:        p.stats.failed.Load(),
		Timeouts:      p.stats.timeouts.Load(),
		Detections:    p.stats.detections.Load(),
		Reported:      p.stats.reported.Load(),
		StoreFailures: p.stats.storeFailures.Load(),
		Mosaics:       p.stats.mosaics.Load(),
		SessionID:     p.SessionID(),
	}
}

func (p *Pipeline) logTimings(t *models.ProcessingTimings) {
	p.logger.Debugw("processing times",
		"request_id", t.RequestID,
		"normalize", t.Normalize,
		"propose", t.Propose,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"fusion", t.Fusion,
		"tagging", t.Tagging,
		"persist", t.Persist,
		"total", t.Total,
	)
}
