package proposals

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

type staticGenerator struct {
	rects []image.Rectangle
	delay time.Duration
}

func (s staticGenerator) Propose(ctx context.Context, _ image.Image) ([]image.Rectangle, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.rects, nil
}

func TestLimit(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 100)
	rects := []image.Rectangle{
		image.Rect(10, 10, 20, 20),
		image.Rect(90, 90, 150, 150),
		image.Rect(200, 200, 210, 210),
		image.Rect(30, 30, 40, 40),
	}
	out := Limit(rects, bounds, 2)
	test.That(t, out, test.ShouldResemble, []image.Rectangle{
		image.Rect(10, 10, 20, 20),
		image.Rect(90, 90, 100, 100),
	})
	test.That(t, Limit(nil, bounds, 5), test.ShouldBeEmpty)
}

func TestCappedTimeout(t *testing.T) {
	c := Capped{Generator: staticGenerator{delay: time.Second}, Max: 10, Timeout: 5 * time.Millisecond}
	_, err := c.Propose(context.Background(), imaging.New(10, 10, color.White))
	test.That(t, errors.Is(err, ErrTimeout), test.ShouldBeTrue)
}

func TestCappedZeroProposals(t *testing.T) {
	c := Capped{Generator: staticGenerator{}, Max: 10}
	out, err := c.Propose(context.Background(), imaging.New(10, 10, color.White))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)
}

func TestRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		if _, err := imaging.Decode(file); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rects": [][4]int{{1, 2, 10, 20}, {5, 5, 3, 3}},
		})
	}))
	defer srv.Close()

	out, err := NewRemote(srv.URL, srv.Client()).Propose(context.Background(), imaging.New(40, 40, color.White))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []image.Rectangle{
		image.Rect(1, 2, 11, 22),
		image.Rect(5, 5, 8, 8),
	})
}

func TestRemoteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, nil).Propose(context.Background(), imaging.New(4, 4, color.White))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "502")
}

func TestGrid(t *testing.T) {
	g := &Grid{Sizes: []int{50}, Stride: 1}
	out, err := g.Propose(context.Background(), imaging.New(100, 50, color.White))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []image.Rectangle{
		image.Rect(0, 0, 50, 50),
		image.Rect(50, 0, 100, 50),
	})

	out, err = NewGrid().Propose(context.Background(), imaging.New(20, 20, color.White))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)
}
