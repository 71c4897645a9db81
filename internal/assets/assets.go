// Package assets renders the two fixed images slothtab serves: the
// placeholder substituted for blocked requests and the inline loading
// indicator shown while a deferred fetch is outstanding.
package assets

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	PlaceholderWidth  = 96
	PlaceholderHeight = 64
	LoadingWidth      = 32
	LoadingHeight     = 18

	PlaceholderContentType = "image/png"
)

var (
	background = color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
	border     = color.RGBA{R: 0xbb, G: 0xbb, B: 0xbb, A: 0xff}
	ink        = color.RGBA{R: 0x66, G: 0x66, B: 0x66, A: 0xff}
	accent     = color.RGBA{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff}
)

var (
	placeholderOnce sync.Once
	placeholderPNG  []byte

	loadingOnce sync.Once
	loadingURI  string
)

// PlaceholderPNG returns the encoded placeholder image. The bytes are
// rendered once and shared; callers must not modify them.
func PlaceholderPNG() []byte {
	placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, PlaceholderWidth, PlaceholderHeight))
		draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
		frame(img, border)
		label(img, "zzz", ink)
		placeholderPNG = mustEncode(img)
	})
	return placeholderPNG
}

// LoadingDataURI returns the loading indicator as a data: URI. The value is
// identical across calls so it can be compared against an element's source.
func LoadingDataURI() string {
	loadingOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, LoadingWidth, LoadingHeight))
		draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
		for i := 0; i < 3; i++ {
			x := 7 + i*8
			dot := image.Rect(x, 7, x+3, 10)
			draw.Draw(img, dot, image.NewUniform(accent), image.Point{}, draw.Src)
		}
		loadingURI = DataURI("image/png", mustEncode(img))
	})
	return loadingURI
}

// DataURI encodes b as a base64 data: URI.
func DataURI(contentType string, b []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(b)
}

func frame(img *image.RGBA, c color.Color) {
	b := img.Bounds()
	u := image.NewUniform(c)
	draw.Draw(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+1), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(b.Min.X, b.Max.Y-1, b.Max.X, b.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(b.Min.X, b.Min.Y, b.Min.X+1, b.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(b.Max.X-1, b.Min.Y, b.Max.X, b.Max.Y), u, image.Point{}, draw.Src)
}

// label centers text using the fixed-width basic font.
func label(img *image.RGBA, text string, c color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(c), Face: face}
	width := d.MeasureString(text).Ceil()
	b := img.Bounds()
	x := (b.Dx() - width) / 2
	y := (b.Dy()+face.Ascent-face.Descent)/2 + 1
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

func mustEncode(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic("assets: encode png: " + err.Error())
	}
	return buf.Bytes()
}
