// Package annotate draws detections onto frames.
package annotate

import (
	"image"
	"image/color"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Tutortoise/detection-relay/models"
	"github.com/Tutortoise/detection-relay/session"
)

var (
	font *truetype.Font

	BoxColor = color.NRGBA{0, 255, 0, 255}
)

const (
	lineWidth = 2
	fontSize  = 12
	textGap   = 10
)

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Label is the text drawn above a detection: the class id, plus its section
// tag when it has one.
func Label(d models.TaggedDetection) string {
	if d.Tag == nil {
		return strconv.Itoa(d.Label)
	}
	return session.FormatEntry(d.Label, *d.Tag)
}

// Draw returns a copy of frame with every detection's box and label.
func Draw(frame image.Image, dets []models.TaggedDetection) image.Image {
	dc := gg.NewContextForImage(frame)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))
	dc.SetColor(BoxColor)
	dc.SetLineWidth(lineWidth)

	origin := frame.Bounds().Min
	for _, d := range dets {
		r := d.Box.Rect().Sub(origin)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()

		y := r.Min.Y - textGap
		if y <= textGap {
			y = r.Min.Y + textGap
		}
		dc.DrawString(Label(d), float64(r.Min.X), float64(y))
	}
	return dc.Image()
}
