package detector

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxThickness = 3
	jpegQuality  = 90
)

var palette = []color.NRGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
}

// AnnotatedImage is a source image plus the boxes to draw on it
type AnnotatedImage struct {
	SourcePath string
	Boxes      []BoundingBox
}

// Save draws the boxes with class labels and writes a JPEG to path
func (a *AnnotatedImage) Save(path string) error {
	src, err := imaging.Open(a.SourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrDetector, a.SourcePath, err)
	}

	dst := Annotate(src, a.Boxes)
	if err := imaging.Save(dst, path, imaging.JPEGQuality(jpegQuality)); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Annotate returns a copy of img with every box and its label drawn on it
func Annotate(img image.Image, boxes []BoundingBox) *image.NRGBA {
	dst := imaging.Clone(img)
	bounds := dst.Bounds()

	for _, b := range boxes {
		rect := image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		c := ClassColor(b.Class)
		drawRect(dst, rect, c)
		drawLabel(dst, rect, fmt.Sprintf("%s %.2f", b.Class, b.Conf), c)
	}
	return dst
}

// ClassColor picks a stable palette color for a class name
func ClassColor(class string) color.NRGBA {
	h := fnv.New32a()
	h.Write([]byte(class))
	return palette[h.Sum32()%uint32(len(palette))]
}

func drawRect(dst *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	u := image.NewUniform(c)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.NRGBA, box image.Rectangle, text string, bg color.NRGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	// Above the box when there is room, otherwise inside its top edge
	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	label := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, label, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(label.Min.X+2, label.Min.Y+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(text)
}
