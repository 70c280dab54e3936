// Package preview prepares worker preview images for MJPEG clients.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Format is an image container detected from leading magic bytes.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatBMP
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	bmpMagic  = []byte{'B', 'M'}
)

// ErrUnknownFormat is returned for payloads that are not a supported image.
var ErrUnknownFormat = errors.New("preview: unknown image format")

// Sniff identifies the image container of data.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	case bytes.HasPrefix(data, bmpMagic):
		return FormatBMP
	default:
		return FormatUnknown
	}
}

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatBMP:
		return "bmp"
	default:
		return "unknown"
	}
}

// Normalizer turns previews into JPEG no wider than MaxWidth.
type Normalizer struct {
	MaxWidth int // zero keeps the original size
	Quality  int // JPEG quality for re-encoded images
}

// JPEG returns data unchanged when it already is a JPEG within MaxWidth,
// and a re-encoded JPEG otherwise.
func (n Normalizer) JPEG(data []byte) ([]byte, error) {
	format := Sniff(data)
	if format == FormatUnknown {
		return nil, ErrUnknownFormat
	}

	if format == FormatJPEG {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
		if n.MaxWidth <= 0 || cfg.Width <= n.MaxWidth {
			return data, nil
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("preview: decode %s: %w", format, err)
	}

	return encodeJPEG(n.scale(img), n.quality())
}

func (n Normalizer) quality() int {
	if n.Quality <= 0 || n.Quality > 100 {
		return jpeg.DefaultQuality
	}
	return n.Quality
}

func (n Normalizer) scale(img image.Image) image.Image {
	b := img.Bounds()
	if n.MaxWidth <= 0 || b.Dx() <= n.MaxWidth {
		return img
	}

	h := max(b.Dy()*n.MaxWidth/b.Dx(), 1)
	dst := image.NewRGBA(image.Rect(0, 0, n.MaxWidth, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Placeholder renders color bars with a caption strip, shown to preview
// clients while no session is producing images.
func Placeholder(width, height int, caption string) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("preview: invalid placeholder size %dx%d", width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	bars := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}
	barWidth := max(width/len(bars), 1)
	for i, c := range bars {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, height)
		if i == len(bars)-1 {
			r.Max.X = width
		}
		xdraw.Draw(img, r, image.NewUniform(c), image.Point{}, xdraw.Src)
	}

	if caption != "" {
		face := basicfont.Face7x13
		stripH := face.Height * 3
		strip := image.Rect(0, height-stripH, width, height)
		xdraw.Draw(img, strip, image.NewUniform(color.RGBA{A: 200}), image.Point{}, xdraw.Over)

		d := &font.Drawer{Dst: img, Src: image.White, Face: face}
		textW := d.MeasureString(caption).Ceil()
		d.Dot = fixed.P(max((width-textW)/2, 0), height-stripH/2+face.Ascent/2)
		d.DrawString(caption)
	}

	return encodeJPEG(img, 75)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("preview: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
