package compositor

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Layout is the fixed 2-up arrangement: the local source on the left half,
// the remote source on the right, a vertical separator between them.
type Layout struct {
	Width     int
	Height    int
	Separator int

	Background       color.Color
	SeparatorColor   color.Color
	PlaceholderColor color.Color
	TextColor        color.Color

	// Placeholder holds the text shown in each half until its source has a frame.
	Placeholder [2]string
}

// DefaultLayout is 1280x360: two 640x360 halves and a 4px separator.
func DefaultLayout() Layout {
	return Layout{
		Width:            1280,
		Height:           360,
		Separator:        4,
		Background:       color.RGBA{A: 0xff},
		SeparatorColor:   color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		PlaceholderColor: color.RGBA{R: 0x22, G: 0x22, B: 0x2a, A: 0xff},
		TextColor:        color.RGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff},
		Placeholder:      [2]string{"Waiting for your camera...", "Waiting for opponent..."},
	}
}

func (l Layout) withDefaults() Layout {
	d := DefaultLayout()
	if l.Width <= 0 || l.Height <= 0 {
		l.Width, l.Height = d.Width, d.Height
	}
	if l.Separator < 0 {
		l.Separator = 0
	}
	if l.Background == nil {
		l.Background = d.Background
	}
	if l.SeparatorColor == nil {
		l.SeparatorColor = d.SeparatorColor
	}
	if l.PlaceholderColor == nil {
		l.PlaceholderColor = d.PlaceholderColor
	}
	if l.TextColor == nil {
		l.TextColor = d.TextColor
	}
	if l.Placeholder[0] == "" && l.Placeholder[1] == "" {
		l.Placeholder = d.Placeholder
	}
	return l
}

// Halves returns the left and right drawing rectangles.
func (l Layout) Halves() [2]image.Rectangle {
	half := l.Width / 2
	return [2]image.Rectangle{
		image.Rect(0, 0, half, l.Height),
		image.Rect(half, 0, l.Width, l.Height),
	}
}

// Letterbox returns the largest rectangle with src's aspect ratio centred in dst.
func Letterbox(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return image.Rectangle{}
	}
	w, h := dw, dw*sh/sw
	if h > dh {
		w, h = dh*sw/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// Render draws one composite frame into dst. A nil frame means the source has
// nothing decoded yet and its half gets the placeholder panel.
func (l Layout) Render(dst *image.RGBA, frames [2]image.Image) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(l.Background), image.Point{}, draw.Src)

	for i, r := range l.Halves() {
		if frames[i] == nil {
			l.drawPlaceholder(dst, r, l.Placeholder[i])
			continue
		}
		target := Letterbox(frames[i].Bounds(), r)
		if target.Empty() {
			l.drawPlaceholder(dst, r, l.Placeholder[i])
			continue
		}
		draw.ApproxBiLinear.Scale(dst, target, frames[i], frames[i].Bounds(), draw.Src, nil)
	}

	if l.Separator > 0 {
		mid := l.Width / 2
		sep := image.Rect(mid-l.Separator/2, 0, mid-l.Separator/2+l.Separator, l.Height)
		draw.Draw(dst, sep, image.NewUniform(l.SeparatorColor), image.Point{}, draw.Src)
	}
}

func (l Layout) drawPlaceholder(dst *image.RGBA, r image.Rectangle, text string) {
	draw.Draw(dst, r, image.NewUniform(l.PlaceholderColor), image.Point{}, draw.Src)
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(l.TextColor), Face: face}
	width := d.MeasureString(text).Ceil()
	x := r.Min.X + (r.Dx()-width)/2
	if x < r.Min.X {
		x = r.Min.X
	}
	y := r.Min.Y + (r.Dy()+face.Metrics().Ascent.Ceil())/2
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}
