package detections

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"

	"github.com/Tutortoise/detection-relay/models"
)

// ErrTimeout marks a classifier call that exceeded its deadline. The frame
// may be retried by the caller.
var ErrTimeout = errors.New("processing timeout")

// Classifier scores a packed batch of crops. It returns one probability row
// per sample.
type Classifier interface {
	Predict(ctx context.Context, batch Batch) ([][]float32, error)
}

type Config struct {
	InputWidth  int
	InputHeight int
	Layout      Layout
	BGR         bool
	MinProb     float64
	NumClasses  int
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InputWidth:  InputWidth,
		InputHeight: InputHeight,
		Layout:      LayoutNHWC,
		MinProb:     MinProb,
		NumClasses:  NumClasses,
		Timeout:     DefaultInferTimeout,
	}
}

// ProposalClassifier turns region proposals into labelled detections with a
// single batched classifier call per frame.
type ProposalClassifier struct {
	cfg   Config
	model Classifier
	pre   *Preprocessor
}

func NewProposalClassifier(cfg Config, model Classifier) *ProposalClassifier {
	return &ProposalClassifier{
		cfg:   cfg,
		model: model,
		pre:   NewPreprocessor(cfg.InputWidth, cfg.InputHeight, cfg.Layout, cfg.BGR),
	}
}

// Classify returns detections with boxes normalized to [0,1] of the frame.
func (c *ProposalClassifier) Classify(ctx context.Context, frame image.Image, rects []image.Rectangle, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if len(rects) == 0 {
		return nil, nil
	}

	prepStart := time.Now()
	batch := c.pre.Prepare(frame, rects)
	defer c.pre.Release(batch)
	timings.Preprocess = time.Since(prepStart)

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	inferStart := time.Now()
	probs, err := c.model.Predict(ctx, batch)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(ErrTimeout, err.Error())
		}
		return nil, errors.Wrap(err, "model inference")
	}
	if len(probs) != len(rects) {
		return nil, errors.Errorf("unexpected predictions length: got %d, want %d", len(probs), len(rects))
	}

	bounds := frame.Bounds()
	boxes := make([]models.Box, len(rects))
	for i, r := range rects {
		boxes[i] = models.BoxFromRect(r.Sub(bounds.Min)).Normalize(bounds.Dx(), bounds.Dy())
	}
	return Decode(probs, boxes, c.cfg.MinProb, c.cfg.NumClasses), nil
}

// Decode keeps boxes with at least one class probability above minProb.
// The label is the 1-based argmax over the first numClasses outputs.
func Decode(probs [][]float32, boxes []models.Box, minProb float64, numClasses int) []models.Detection {
	var out []models.Detection
	for i, row := range probs {
		limit := numClasses
		if limit > len(row) {
			limit = len(row)
		}
		best, bestProb := -1, float32(0)
		for j := 0; j < limit; j++ {
			if row[j] > bestProb {
				best, bestProb = j, row[j]
			}
		}
		if best < 0 || float64(bestProb) <= minProb {
			continue
		}
		out = append(out, models.Detection{
			Box:   boxes[i],
			Label: best + 1,
			Score: float64(bestProb),
		})
	}
	return out
}
