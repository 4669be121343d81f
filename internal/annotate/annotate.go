// Package annotate draws detection boxes and labels onto images.
package annotate

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/example/helmet-detect/internal/detector"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
}

// ColorFor returns the box colour used for label. Equal labels always get
// the same colour.
func ColorFor(label string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Render decodes src, draws every detection on it and encodes the result in
// the format implied by ext (".png" or JPEG for anything else).
func Render(src []byte, ext string, detections []detector.Detection) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return Encode(Draw(img, detections), ext)
}

// Draw returns a copy of img with detections drawn on it.
func Draw(img image.Image, detections []detector.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	bounds := img.Bounds()
	short := bounds.Dx()
	if bounds.Dy() < short {
		short = bounds.Dy()
	}
	lineWidth := maxFloat(2, float64(short)/200)
	fontSize := maxFloat(12, float64(short)/40)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))

	for _, d := range detections {
		c := ColorFor(d.Label)
		r := d.Box.Intersect(bounds)
		if r.Empty() {
			continue
		}

		dc.SetColor(c)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()

		text := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		tw, th := dc.MeasureString(text)
		pad := lineWidth
		top := float64(r.Min.Y) - th - 2*pad
		if top < 0 {
			top = float64(r.Min.Y)
		}
		dc.DrawRectangle(float64(r.Min.X), top, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawString(text, float64(r.Min.X)+pad, top+pad+th)
	}
	return dc.Image()
}

// Encode writes img as PNG when ext is ".png", JPEG otherwise.
func Encode(img image.Image, ext string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if strings.EqualFold(ext, ".png") {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
