// Package imaging normalises uploaded item pictures. Input is sniffed rather
// than trusted, decoded, downscaled and always re-encoded as JPEG.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxDimension = 1600
	DefaultMaxBytes     = 8 << 20
	DefaultMaxPixels    = 40_000_000
	DefaultQuality      = 82
)

// OutputMIME is the type of every processed image.
const OutputMIME = "image/jpeg"

// Processing errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooLarge          = errors.New("image too large")
)

type decoder struct {
	decode func(io.Reader) (image.Image, error)
	config func(io.Reader) (image.Config, error)
}

var decoders = map[string]decoder{
	"image/jpeg": {jpeg.Decode, jpeg.DecodeConfig},
	"image/png":  {png.Decode, png.DecodeConfig},
	"image/webp": {webp.Decode, webp.DecodeConfig},
}

// Options tune Process.
type Options struct {
	MaxDimension int
	MaxBytes     int64
	// MaxPixels bounds the declared width times height, checked before
	// the image is decoded.
	MaxPixels int64
	Quality   int
}

func (o Options) withDefaults() Options {
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// Image is a processed picture ready to be stored.
type Image struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Process reads an upload of at most opts.MaxBytes, checks that it is a
// JPEG, PNG or WebP image of at most opts.MaxPixels and returns it as a JPEG
// no larger than opts.MaxDimension on either side.
func Process(r io.Reader, opts Options) (*Image, error) {
	opts = opts.withDefaults()

	data, err := io.ReadAll(io.LimitReader(r, opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, opts.MaxBytes)
	}

	detected := sniff(data)
	dec, ok := decoders[detected]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, detected)
	}

	cfg, err := dec.config(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s header: %v", ErrUnsupportedFormat, detected, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s has no pixels", ErrUnsupportedFormat, detected)
	}
	if int64(cfg.Width)*int64(cfg.Height) > opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, opts.MaxPixels)
	}

	img, err := dec.decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrUnsupportedFormat, detected, err)
	}

	img = flatten(fit(img, opts.MaxDimension))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}

	b := img.Bounds()
	return &Image{Data: buf.Bytes(), MIME: OutputMIME, Width: b.Dx(), Height: b.Dy()}, nil
}

// sniff extends http.DetectContentType, which only knows WebP through the
// RIFF container header.
func sniff(data []byte) string {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}
	return http.DetectContentType(data)
}

// fit scales img down so neither side exceeds maxDim, keeping the aspect
// ratio.
func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	nw, nh := maxDim, maxDim
	if w > h {
		nh = max(1, h*maxDim/w)
	} else {
		nw = max(1, w*maxDim/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// flatten paints img over white so transparent PNG and WebP areas do not
// turn black in the JPEG.
func flatten(img image.Image) image.Image {
	if _, opaque := img.(*image.YCbCr); opaque {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
