// Package proposals adapts external region proposal generators.
package proposals

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Generator produces candidate boxes in pixel coordinates of frame.
type Generator interface {
	Propose(ctx context.Context, frame image.Image) ([]image.Rectangle, error)
}

// Limit clips rects to bounds, drops empty ones and keeps at most limit.
func Limit(rects []image.Rectangle, bounds image.Rectangle, limit int) []image.Rectangle {
	clipped := lo.FilterMap(rects, func(r image.Rectangle, _ int) (image.Rectangle, bool) {
		r = r.Canon().Intersect(bounds)
		return r, !r.Empty()
	})
	if limit > 0 && len(clipped) > limit {
		clipped = clipped[:limit]
	}
	return clipped
}

// Capped wraps a generator and truncates its output.
type Capped struct {
	Generator Generator
	Max       int
	Timeout   time.Duration
}

var ErrTimeout = errors.New("proposal timeout")

func (c Capped) Propose(ctx context.Context, frame image.Image) ([]image.Rectangle, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	rects, err := c.Generator.Propose(ctx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(ErrTimeout, err.Error())
		}
		return nil, err
	}
	return Limit(rects, frame.Bounds(), c.Max), nil
}

// Remote forwards frames to an external proposal service, which answers
// with {"rects": [[x, y, w, h], ...]}.
type Remote struct {
	url    string
	client *http.Client
}

func NewRemote(url string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{url: url, client: client}
}

type remoteResponse struct {
	Rects [][4]int `json:"rects"`
}

func (r *Remote) Propose(ctx context.Context, frame image.Image) ([]image.Rectangle, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "frame.png")
	if err != nil {
		return nil, errors.Wrap(err, "create form file")
	}
	if err := imaging.Encode(part, frame, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	if err := writer.WriteField("strategy", "single"); err != nil {
		return nil, errors.Wrap(err, "write strategy")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("proposal service failed with status: %d", resp.StatusCode)
	}

	var result remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}

	origin := frame.Bounds().Min
	return lo.Map(result.Rects, func(r [4]int, _ int) image.Rectangle {
		return image.Rect(r[0], r[1], r[0]+r[2], r[1]+r[3]).Add(origin)
	}), nil
}

// Grid proposes square windows of several sizes on a regular stride. It is
// deterministic and needs no external service.
type Grid struct {
	Sizes  []int
	Stride float64
}

func NewGrid() *Grid {
	return &Grid{Sizes: []int{64, 100, 160}, Stride: 0.5}
}

func (g *Grid) Propose(ctx context.Context, frame image.Image) ([]image.Rectangle, error) {
	b := frame.Bounds()
	var out []image.Rectangle
	for _, size := range g.Sizes {
		if size > b.Dx() || size > b.Dy() {
			continue
		}
		step := int(float64(size) * g.Stride)
		if step < 1 {
			step = 1
		}
		for y := b.Min.Y; y+size <= b.Max.Y; y += step {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for x := b.Min.X; x+size <= b.Max.X; x += step {
				out = append(out, image.Rect(x, y, x+size, y+size))
			}
		}
	}
	return out, nil
}
