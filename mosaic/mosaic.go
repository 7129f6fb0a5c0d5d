// Package mosaic tiles annotated crops into one composite image.
package mosaic

import (
	"context"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-relay/store"
)

const (
	DefaultFrameWidth   = 1920
	DefaultImagesPerRow = 5
	DefaultPadding      = 0
	// CropSuffix marks annotated crops eligible for the mosaic.
	CropSuffix = "_processed.png"
)

var ErrNoCrops = errors.New("no annotated crops to compose")

type Composer struct {
	FrameWidth   int
	ImagesPerRow int
	Padding      int

	store  store.Store
	logger *zap.SugaredLogger
}

func NewComposer(s store.Store, logger *zap.SugaredLogger) *Composer {
	return &Composer{
		FrameWidth:   DefaultFrameWidth,
		ImagesPerRow: DefaultImagesPerRow,
		Padding:      DefaultPadding,
		store:        s,
		logger:       logger,
	}
}

// Layout describes where tiles land on the canvas.
type Layout struct {
	Scale        float64
	TileWidth    int
	TileHeight   int
	Rows         int
	CanvasWidth  int
	CanvasHeight int
}

// Plan sizes the canvas for n tiles whose source size is first.
func (c *Composer) Plan(n int, first image.Point) Layout {
	perRow := c.ImagesPerRow
	scale := float64(c.FrameWidth-(perRow-1)*c.Padding) / float64(perRow*first.X)
	rows := int(math.Ceil(float64(n) / float64(perRow)))
	return Layout{
		Scale:        scale,
		TileWidth:    int(math.Ceil(float64(first.X) * scale)),
		TileHeight:   int(math.Ceil(float64(first.Y) * scale)),
		Rows:         rows,
		CanvasWidth:  c.FrameWidth,
		CanvasHeight: int(math.Ceil(scale * float64(first.Y) * float64(rows))),
	}
}

// Compose tiles imgs left to right, top to bottom.
func (c *Composer) Compose(imgs []image.Image) (*image.NRGBA, error) {
	if len(imgs) == 0 {
		return nil, ErrNoCrops
	}
	if c.ImagesPerRow <= 0 || c.FrameWidth <= 0 {
		return nil, errors.Errorf("invalid mosaic geometry: width %d, per row %d", c.FrameWidth, c.ImagesPerRow)
	}
	first := imgs[0].Bounds().Size()
	if first.X == 0 || first.Y == 0 {
		return nil, errors.New("first crop is empty")
	}

	layout := c.Plan(len(imgs), first)
	canvas := imaging.New(layout.CanvasWidth, layout.CanvasHeight, color.Black)
	for i, img := range imgs {
		tile := imaging.Resize(img, layout.TileWidth, layout.TileHeight, imaging.Lanczos)
		x := (i % c.ImagesPerRow) * (layout.TileWidth + c.Padding)
		y := (i / c.ImagesPerRow) * layout.TileHeight
		canvas = imaging.Paste(canvas, tile, image.Pt(x, y))
	}
	return canvas, nil
}

// ComposeSession loads every crop under prefix, composes them and writes the
// result to outKey. Unreadable crops are skipped and reported together.
func (c *Composer) ComposeSession(ctx context.Context, prefix, outKey string) (int, error) {
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var imgs []image.Image
	var loadErr error
	for _, key := range keys {
		if !strings.HasSuffix(key, CropSuffix) {
			continue
		}
		img, err := store.GetImage(ctx, c.store, key)
		if err != nil {
			loadErr = multierr.Append(loadErr, err)
			continue
		}
		imgs = append(imgs, img)
	}
	if loadErr != nil {
		c.logger.Warnw("skipped unreadable crops", "error", loadErr)
	}

	out, err := c.Compose(imgs)
	if err != nil {
		return 0, err
	}
	if err := store.PutPNG(ctx, c.store, outKey, out); err != nil {
		return 0, err
	}
	c.logger.Infow("mosaic written", "key", outKey, "crops", len(imgs),
		"width", out.Bounds().Dx(), "height", out.Bounds().Dy())
	return len(imgs), nil
}
