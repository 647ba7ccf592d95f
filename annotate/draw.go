package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/c360/framestream/inference"
)

// Palette holds the box colours, indexed by class id modulo its length
var Palette = []color.RGBA{
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 128, A: 255},
	{R: 0, G: 128, B: 255, A: 255},
	{R: 255, G: 128, B: 0, A: 255},
	{R: 0, G: 255, B: 128, A: 255},
}

const (
	boxThickness = 2
	labelPadding = 5
	textLift     = 2
)

var labelFace font.Face = basicfont.Face7x13

// ColorFor returns the palette colour of a class id
func ColorFor(classID int) color.RGBA {
	i := classID % len(Palette)
	if i < 0 {
		i += len(Palette)
	}
	return Palette[i]
}

// Label formats a detection as "name: 0.00"
func Label(det inference.Detection) string {
	return fmt.Sprintf("%s: %.2f", det.ClassName, det.Confidence)
}

// Draw returns a copy of img with a box and a label for every detection.
// Shapes falling outside the frame are clipped.
func Draw(img image.Image, detections []inference.Detection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	metrics := labelFace.Metrics()
	textHeight := metrics.Ascent.Ceil()
	baseline := metrics.Descent.Ceil()

	for _, det := range detections {
		x1, y1 := int(det.X1), int(det.Y1)
		x2, y2 := int(det.X2), int(det.Y2)
		if x2 < x1 {
			x1, x2 = x2, x1
		}
		if y2 < y1 {
			y1, y2 = y2, y1
		}
		fill := image.NewUniform(ColorFor(det.ClassID))

		drawBox(out, image.Rect(x1, y1, x2+1, y2+1), fill)

		label := Label(det)
		width := font.MeasureString(labelFace, label).Ceil()
		bg := image.Rect(x1, y1-textHeight-baseline-labelPadding, x1+width, y1)
		draw.Draw(out, bg, fill, image.Point{}, draw.Src)

		d := font.Drawer{
			Dst:  out,
			Src:  image.White,
			Face: labelFace,
			Dot:  fixed.P(x1, y1-baseline-textLift),
		}
		d.DrawString(label)
	}
	return out
}

// drawBox strokes r from its edges inwards
func drawBox(dst draw.Image, r image.Rectangle, src image.Image) {
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
