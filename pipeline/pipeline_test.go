package pipeline

import (
	"context"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/Tutortoise/detection-relay/brightness"
	"github.com/Tutortoise/detection-relay/detections"
	"github.com/Tutortoise/detection-relay/mosaic"
	"github.com/Tutortoise/detection-relay/sections"
	"github.com/Tutortoise/detection-relay/store"
)

const middleTags = "R0:C0:R0:C1:R0:C2"

type fixedProposals []image.Rectangle

func (f fixedProposals) Propose(context.Context, image.Image) ([]image.Rectangle, error) {
	return f, nil
}

// classRows answers every sample with prob for the given 0-based class.
type classRows struct {
	class int
	prob  float32
	calls int
}

func (c *classRows) Predict(_ context.Context, b detections.Batch) ([][]float32, error) {
	c.calls++
	out := make([][]float32, b.Size)
	for i := range out {
		out[i] = make([]float32, detections.NumOutputs)
		out[i][c.class] = c.prob
	}
	return out, nil
}

type blockingClassifier struct{}

func (blockingClassifier) Predict(ctx context.Context, _ detections.Batch) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenStore struct{ store.Store }

func (brokenStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func newPipeline(t *testing.T, s store.Store, model detections.Classifier) *Pipeline {
	t.Helper()
	logger := zap.NewNop().Sugar()
	cfg := detections.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	return New(
		fixedProposals{image.Rect(200, 100, 300, 200)},
		detections.NewProposalClassifier(cfg, model),
		brightness.New(),
		mosaic.NewComposer(s, logger),
		s,
		DefaultOptions(),
		logger,
	)
}

func darkFrame() image.Image {
	return imaging.New(500, 300, color.NRGBA{10, 10, 10, 255})
}

func keysWithPrefix(t *testing.T, s store.Store, prefix string) []string {
	t.Helper()
	keys, err := s.List(context.Background(), prefix)
	test.That(t, err, test.ShouldBeNil)
	return keys
}

func TestProcessFrameReportsMiddleSection(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	model := &classRows{class: 2, prob: 0.999}
	p := newPipeline(t, s, model)

	res, err := p.ProcessFrame(ctx, darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldResemble, []string{"3, (R0, C1)"})
	test.That(t, res.Detections, test.ShouldHaveLength, 1)
	test.That(t, res.Detections[0].Box.X0, test.ShouldAlmostEqual, 200.0, 1e-6)
	test.That(t, model.calls, test.ShouldEqual, 1)

	test.That(t, keysWithPrefix(t, s, CapturedPrefix+"/"), test.ShouldHaveLength, 1)
	crops := keysWithPrefix(t, s, ProcessedPrefix+"/"+res.SessionID+"/")
	test.That(t, crops, test.ShouldHaveLength, 1)
	test.That(t, strings.HasSuffix(crops[0], mosaic.CropSuffix), test.ShouldBeTrue)

	// same label again in the same session is not reported and not archived
	res, err = p.ProcessFrame(ctx, darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldBeEmpty)
	test.That(t, res.Detections, test.ShouldHaveLength, 1)
	test.That(t, keysWithPrefix(t, s, ProcessedPrefix+"/"+res.SessionID+"/"), test.ShouldHaveLength, 1)
	test.That(t, keysWithPrefix(t, s, CapturedPrefix+"/"), test.ShouldHaveLength, 2)

	m := p.GetMetrics()
	test.That(t, m.Frames, test.ShouldEqual, 2)
	test.That(t, m.Reported, test.ShouldEqual, 1)
}

func TestProcessFrameConfiguredFloor(t *testing.T) {
	logger := zap.NewNop().Sugar()
	s := store.NewMemory()
	cfg := detections.DefaultConfig()
	cfg.MinProb = 0.5
	opts := DefaultOptions()
	opts.Resize = false

	p := New(
		fixedProposals{image.Rect(100, 100, 200, 200)},
		detections.NewProposalClassifier(cfg, &classRows{class: 2, prob: 0.9}),
		brightness.New(),
		mosaic.NewComposer(s, logger),
		s,
		opts,
		logger,
	)
	frame := imaging.New(300, 300, color.NRGBA{10, 10, 10, 255})
	res, err := p.ProcessFrame(context.Background(), frame, middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldResemble, []string{"3, (R0, C1)"})
}

func TestProcessFrameBelowMinProb(t *testing.T) {
	p := newPipeline(t, store.NewMemory(), &classRows{class: 2, prob: 0.9})
	res, err := p.ProcessFrame(context.Background(), darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldBeEmpty)
	test.That(t, res.Detections, test.ShouldBeEmpty)
}

func TestProcessFrameSuppressedSection(t *testing.T) {
	s := store.NewMemory()
	p := newPipeline(t, s, &classRows{class: 2, prob: 0.999})
	res, err := p.ProcessFrame(context.Background(), darkFrame(), "R0:C0:R0:-1:R0:C2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldBeEmpty)
	test.That(t, res.Detections[0].Tag, test.ShouldBeNil)
	test.That(t, keysWithPrefix(t, s, ProcessedPrefix+"/"), test.ShouldBeEmpty)
}

func TestProcessFrameMalformedTags(t *testing.T) {
	model := &classRows{class: 2, prob: 0.999}
	p := newPipeline(t, store.NewMemory(), model)
	_, err := p.ProcessFrame(context.Background(), darkFrame(), "R0:C0")
	test.That(t, errors.Is(err, sections.ErrMalformedTagMap), test.ShouldBeTrue)
	test.That(t, model.calls, test.ShouldEqual, 0)
}

func TestProcessFrameTimeout(t *testing.T) {
	p := newPipeline(t, store.NewMemory(), blockingClassifier{})
	_, err := p.ProcessFrame(context.Background(), darkFrame(), middleTags)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsTimeout(err), test.ShouldBeTrue)
	test.That(t, p.GetMetrics().Timeouts, test.ShouldEqual, 1)
}

func TestPersistFailureDoesNotFailFrame(t *testing.T) {
	p := newPipeline(t, brokenStore{store.NewMemory()}, &classRows{class: 2, prob: 0.999})
	res, err := p.ProcessFrame(context.Background(), darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldResemble, []string{"3, (R0, C1)"})
	test.That(t, p.GetMetrics().StoreFailures, test.ShouldEqual, 2)
}

func TestTerminateComposesAndResets(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := newPipeline(t, s, &classRows{class: 2, prob: 0.999})

	first, err := p.ProcessFrame(ctx, darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)

	out, err := p.Terminate(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Crops, test.ShouldEqual, 1)
	test.That(t, out.SessionID, test.ShouldEqual, first.SessionID)

	img, err := store.GetImage(ctx, s, DefaultMosaic)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, mosaic.DefaultFrameWidth)

	// the label is new again in the next session
	test.That(t, p.SessionID(), test.ShouldNotEqual, first.SessionID)
	res, err := p.ProcessFrame(ctx, darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldResemble, []string{"3, (R0, C1)"})
}

func TestTerminateWithoutCrops(t *testing.T) {
	p := newPipeline(t, store.NewMemory(), &classRows{class: 2, prob: 0.999})
	before := p.SessionID()
	_, err := p.Terminate(context.Background())
	test.That(t, errors.Is(err, mosaic.ErrNoCrops), test.ShouldBeTrue)
	test.That(t, p.SessionID(), test.ShouldNotEqual, before)
}

func TestStartSession(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, store.NewMemory(), &classRows{class: 2, prob: 0.999})
	_, err := p.ProcessFrame(ctx, darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)

	id := p.StartSession()
	test.That(t, id, test.ShouldEqual, p.SessionID())
	res, err := p.ProcessFrame(ctx, darkFrame(), middleTags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Entries, test.ShouldHaveLength, 1)
}
