package imagefit

import (
	"archive/zip"
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/errs"
)

func makeSolidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func mustEncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func buildArchive(t *testing.T, files map[string][]byte) *archive.Archive {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	a, err := archive.Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSize(t *testing.T) {
	a := buildArchive(t, map[string][]byte{
		"img/wide.png": mustEncodePNG(t, makeSolidNRGBA(120, 40, color.NRGBA{A: 255})),
		"img/bad.png":  []byte("not an image"),
	})
	f := New(a)
	tests := []struct {
		path   string
		w, h   int
		wantOK bool
	}{
		{"img/wide.png", 120, 40, true},
		{"img/wide.png", 120, 40, true}, // cached
		{"img/bad.png", 0, 0, false},
		{"img/missing.png", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := f.Size(tt.path)
		if w != tt.w || h != tt.h || ok != tt.wantOK {
			t.Errorf("Size(%s) = %d, %d, %v", tt.path, w, h, ok)
		}
	}
}

func TestFit(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	a := buildArchive(t, map[string][]byte{
		"big.png":   mustEncodePNG(t, makeSolidNRGBA(400, 200, red)),
		"small.png": mustEncodePNG(t, makeSolidNRGBA(10, 10, red)),
		"clear.png": mustEncodePNG(t, makeSolidNRGBA(10, 10, color.NRGBA{})),
	})
	f := New(a)
	tests := []struct {
		name string
		path string
		w, h int
		want image.Point
	}{
		{"shrinks to width", "big.png", 100, 100, image.Pt(100, 50)},
		{"shrinks to height", "big.png", 400, 20, image.Pt(40, 20)},
		{"never enlarges", "small.png", 100, 100, image.Pt(10, 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := f.Fit(tt.path, tt.w, tt.h)
			if err != nil {
				t.Fatal(err)
			}
			if got := g.Bounds().Size(); got != tt.want {
				t.Errorf("size = %v, want %v", got, tt.want)
			}
		})
	}

	g, err := f.Fit("clear.png", 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if c := g.GrayAt(5, 5); c.Y != 0xff {
		t.Errorf("transparent pixel = %v, want white", c)
	}
}

func TestDecode_Limits(t *testing.T) {
	a := buildArchive(t, map[string][]byte{
		"big.png": mustEncodePNG(t, makeSolidNRGBA(300, 300, color.NRGBA{A: 255})),
		"bad.png": []byte("garbage"),
	})
	f := New(a)
	f.MaxPixels = 10000
	if _, err := f.Decode("big.png"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("pixel limit err = %v", err)
	}
	f.MaxPixels = 0
	f.MaxBytes = 10
	if _, err := f.Decode("big.png"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("byte limit err = %v", err)
	}
	f.MaxBytes = defaultMaxBytes
	if _, err := f.Decode("bad.png"); !errs.Is(err, errs.KindContent) {
		t.Errorf("garbage err = %v", err)
	}
}
