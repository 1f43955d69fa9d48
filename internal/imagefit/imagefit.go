// Package imagefit measures archive images and prepares them for display:
// decoded, fitted into a box, flattened onto white and converted to gray.
package imagefit

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "golang.org/x/image/webp"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/errs"
)

const (
	defaultMaxPixels = 16 * 1000 * 1000
	defaultMaxBytes  = 8 << 20
	sizeCacheSize    = 128
)

// ErrTooLarge is returned for images whose pixel count or file size exceeds
// the fitter's limits.
var ErrTooLarge = errors.New("image too large")

type size struct{ w, h int }

// Fitter decodes images from one archive.
type Fitter struct {
	MaxPixels int   // Decoded pixel limit (width * height)
	MaxBytes  int64 // Encoded size limit

	arc   *archive.Archive
	sizes *lru.Cache[string, size]
}

// New returns a fitter with default limits.
func New(arc *archive.Archive) *Fitter {
	sizes, _ := lru.New[string, size](sizeCacheSize)
	return &Fitter{
		MaxPixels: defaultMaxPixels,
		MaxBytes:  defaultMaxBytes,
		arc:       arc,
		sizes:     sizes,
	}
}

// Size reports the intrinsic size of the image at path. Only the image
// header is read.
func (f *Fitter) Size(path string) (width, height int, ok bool) {
	if s, hit := f.sizes.Get(path); hit {
		return s.w, s.h, s.w > 0
	}
	var s size
	if rc, err := f.arc.Stream(path); err == nil {
		if cfg, _, err := image.DecodeConfig(rc); err == nil {
			s = size{cfg.Width, cfg.Height}
		}
		rc.Close()
	}
	f.sizes.Add(path, s)
	return s.w, s.h, s.w > 0
}

// Decode returns the image at path.
func (f *Fitter) Decode(path string) (image.Image, error) {
	data, err := f.arc.ReadAll(path, f.MaxBytes)
	if err != nil {
		if errors.Is(err, archive.ErrEntryTooLarge) {
			return nil, errs.E(errs.KindContent, "imagefit.Decode", fmt.Errorf("%s: %w", path, ErrTooLarge))
		}
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errs.E(errs.KindContent, "imagefit.Decode", fmt.Errorf("%s: %w", path, err))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); f.MaxPixels > 0 && pixels > int64(f.MaxPixels) {
		return nil, errs.E(errs.KindContent, "imagefit.Decode",
			fmt.Errorf("%s is %dx%d: %w", path, cfg.Width, cfg.Height, ErrTooLarge))
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errs.E(errs.KindContent, "imagefit.Decode", fmt.Errorf("%s: %w", path, err))
	}
	return img, nil
}

// Fit decodes the image at path and scales it to fit within width x height,
// keeping its aspect ratio. Images already inside the box are not enlarged.
func (f *Fitter) Fit(path string, width, height int) (*image.Gray, error) {
	img, err := f.Decode(path)
	if err != nil {
		return nil, err
	}
	return Gray(img, width, height), nil
}

// Gray fits img into width x height and converts it to grayscale on a white
// background. A non-positive dimension leaves that side unconstrained.
func Gray(img image.Image, width, height int) *image.Gray {
	b := img.Bounds()
	if width <= 0 {
		width = b.Dx()
	}
	if height <= 0 {
		height = b.Dy()
	}
	if b.Dx() > width || b.Dy() > height {
		img = imaging.Fit(img, width, height, imaging.Lanczos)
	}

	flat := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Point{}, 1.0)
	gray := imaging.Grayscale(flat)

	out := image.NewGray(gray.Bounds())
	draw.Draw(out, out.Bounds(), gray, gray.Bounds().Min, draw.Src)
	return out
}
