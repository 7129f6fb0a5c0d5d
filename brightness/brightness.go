// Package brightness darkens overexposed frames before detection.
package brightness

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

const (
	DefaultThreshold = 125.0
	DefaultFactor    = 0.9
	// WorkingWidth is the width frames are resized to before any detection work.
	WorkingWidth  = 500
	maxIterations = 64
)

// Normalizer scales the HSV value channel by Factor until the frame's mean
// brightness is at most Threshold.
type Normalizer struct {
	Threshold float64
	Factor    float64
}

func New() *Normalizer {
	return &Normalizer{Threshold: DefaultThreshold, Factor: DefaultFactor}
}

// Brightness is the mean per-pixel Euclidean norm of (R,G,B) divided by √3,
// on a 0-255 scale.
func Brightness(img image.Image) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}

	src := imaging.Clone(img)
	var sum float64
	for i := 0; i < len(src.Pix); i += 4 {
		r := float64(src.Pix[i])
		g := float64(src.Pix[i+1])
		bl := float64(src.Pix[i+2])
		sum += math.Sqrt(r*r + g*g + bl*bl)
	}
	return sum / float64(n) / math.Sqrt(3)
}

// Normalize returns img unchanged when it is already at or under the
// threshold, otherwise a darkened copy.
func (n *Normalizer) Normalize(img image.Image) image.Image {
	current := Brightness(img)
	if current <= n.Threshold {
		return img
	}

	out := imaging.Clone(img)
	for i := 0; i < maxIterations && current > n.Threshold; i++ {
		n.darken(out)
		next := Brightness(out)
		if next >= current {
			// uint8 rounding can pin near-black pixels; nothing left to lower.
			break
		}
		current = next
	}
	return out
}

func (n *Normalizer) darken(img *image.NRGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		c, _ := colorful.MakeColor(color.NRGBA{R: img.Pix[i], G: img.Pix[i+1], B: img.Pix[i+2], A: 255})
		h, s, v := c.Hsv()
		r, g, b := colorful.Hsv(h, s, v*n.Factor).Clamped().RGB255()
		// Rounding would pin small channels; force every lit channel down by one.
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = minByte(r, img.Pix[i]), minByte(g, img.Pix[i+1]), minByte(b, img.Pix[i+2])
	}
}

func minByte(scaled, orig uint8) uint8 {
	if scaled >= orig && orig > 0 {
		return orig - 1
	}
	return scaled
}

// Resize scales a frame to WorkingWidth keeping its aspect ratio.
func Resize(img image.Image) image.Image {
	if img.Bounds().Dx() == WorkingWidth {
		return img
	}
	return imaging.Resize(img, WorkingWidth, 0, imaging.Lanczos)
}
