package store

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/errs"
	"github.com/yuanying/epubpager/internal/pagemap"
)

func newStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return New(fsys, "/cache", [32]byte{0xab, 0xcd}), fsys
}

func TestPalmDocRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"literal", []byte("Hello, World! This is a test.")},
		{"back references", []byte("abcdefghij abcdefghij abcdefghij")},
		{"space plus char", []byte("word word word word")},
		{"high bytes", []byte("café 日本語 éééé")},
		{"control bytes", []byte{0x01, 0x02, 0x03, 0x08, 0x80, 0xff, 0x00, 'a'}},
		{"full record", bytes.Repeat([]byte("The quick brown fox. "), RecordSize/21)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := compressRecord(tt.data)
			got, err := decompressRecord(packed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Fatalf("round-trip mismatch:\n  got:  %q\n  want: %q", got, tt.data)
			}
		})
	}

	if packed := compressRecord(bytes.Repeat([]byte("abc"), 200)); len(packed) >= 600 {
		t.Errorf("repetitive text did not shrink: %d bytes", len(packed))
	}
}

func TestPalmDocCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"block overflow", []byte{0x05, 'a'}},
		{"truncated reference", []byte{'a', 0x80}},
		{"distance before start", []byte{'a', 0x80, 0x10}},
		{"expands past record", bytes.Repeat([]byte{'a', 'b', 'c', 0x80, 0x1F}, 2000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decompressRecord(tt.data); err == nil {
				t.Error("corrupt record decoded")
			}
		})
	}
}

func sampleStream(t *testing.T) *content.Stream {
	t.Helper()
	markup := `<h1 style="text-align: center">Title</h1><p>Some <em>emphasised</em> text.</p>` +
		`<ul><li>one</li><li>two</li></ul><p><img src="pic.png" width="30" height="40"/></p>` +
		`<p style="font-family: Serif; font-weight: bold">` + strings.Repeat("long text ", 1000) + `</p>`
	s, err := content.Tokenize(strings.NewReader(markup), content.Options{Path: "OEBPS/ch1.xhtml"})
	if err != nil {
		t.Fatal(err)
	}
	s.Warnings = append(s.Warnings, "a warning")
	return s
}

func TestTokens(t *testing.T) {
	s, fsys := newStore(t)
	src := [16]byte{1, 2, 3}
	want := sampleStream(t)
	if err := s.SaveTokens(4, src, want); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.Exists(fsys, s.Dir()+"/ch0004.tok"); !ok {
		t.Fatal("token file not written")
	}
	if ok, _ := afero.Exists(fsys, s.Dir()+"/ch0004.tok.tmp"); ok {
		t.Error("temporary file left behind")
	}

	got, err := s.LoadTokens(4, src)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Tokens, want.Tokens) {
		t.Error("tokens differ after reload")
	}
	if !reflect.DeepEqual(got.Styles.Styles(), want.Styles.Styles()) {
		t.Error("styles differ after reload")
	}
	if got.Path != want.Path || !reflect.DeepEqual(got.Warnings, want.Warnings) || got.Text() != want.Text() {
		t.Errorf("reloaded stream = %q %v", got.Path, got.Warnings)
	}

	if _, err := s.LoadTokens(4, [16]byte{9}); !errors.Is(err, ErrStale) {
		t.Errorf("other fingerprint err = %v", err)
	}
	if _, err := s.LoadTokens(5, src); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing chapter err = %v", err)
	}
}

func TestTokens_Damaged(t *testing.T) {
	src := [16]byte{7}
	tests := []struct {
		name   string
		damage func(b []byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:len(b)/2] }},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"version", func(b []byte) []byte { b[5] = 99; return b }},
		{"token count", func(b []byte) []byte { b[28] = 0xff; return b }},
		{"short last record", func(b []byte) []byte { return b[:len(b)-1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fsys := newStore(t)
			if err := s.SaveTokens(0, src, sampleStream(t)); err != nil {
				t.Fatal(err)
			}
			name := s.Dir() + "/ch0000.tok"
			b, err := afero.ReadFile(fsys, name)
			if err != nil {
				t.Fatal(err)
			}
			if err := afero.WriteFile(fsys, name, tt.damage(b), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := s.LoadTokens(0, src); !errors.Is(err, ErrStale) {
				t.Errorf("err = %v, want ErrStale", err)
			}
		})
	}
}

func TestPageMap(t *testing.T) {
	s, _ := newStore(t)
	fp, src := [32]byte{5}, [16]byte{7}
	m := &pagemap.Map{Chapter: 2, Fingerprint: fp, Source: src, Offsets: []content.Offset{0, 40, content.MakeOffset(9, 12)}, Complete: true}
	if err := s.SavePageMap(m); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadPageMap(2, fp, src)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("LoadPageMap = %+v, want %+v", got, m)
	}
	if _, err := s.LoadPageMap(2, [32]byte{6}, src); !errors.Is(err, ErrStale) {
		t.Errorf("other fingerprint err = %v", err)
	}
	if _, err := s.LoadPageMap(2, fp, [16]byte{8}); !errors.Is(err, ErrStale) {
		t.Errorf("other token stream err = %v", err)
	}
	if _, err := s.LoadPageMap(3, fp, src); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}

	bad := &pagemap.Map{Chapter: 1, Fingerprint: fp, Source: src, Offsets: []content.Offset{0, 50, 50}}
	if err := s.SavePageMap(bad); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPageMap(1, fp, src); !errors.Is(err, ErrStale) {
		t.Errorf("non-increasing map err = %v", err)
	}
}

func TestPosition(t *testing.T) {
	s, fsys := newStore(t)
	if _, err := s.LoadPosition(); !errors.Is(err, ErrNotFound) {
		t.Errorf("fresh store err = %v", err)
	}
	want := Position{Chapter: 3, Offset: content.MakeOffset(17, 5), Page: 2, Time: time.Unix(1700000000, 0).UTC()}
	if err := s.SavePosition(want); err != nil {
		t.Fatal(err)
	}
	b, err := afero.ReadFile(fsys, s.Dir()+"/position")
	if err != nil || len(b) != PositionSize || string(b[:4]) != "EPRP" {
		t.Fatalf("position file = %x, %v", b, err)
	}
	got, err := s.LoadPosition()
	if err != nil || got != want {
		t.Errorf("LoadPosition = %+v, %v; want %+v", got, err, want)
	}

	if err := afero.WriteFile(fsys, s.Dir()+"/position", b[:20], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPosition(); !errors.Is(err, ErrStale) {
		t.Errorf("short record err = %v", err)
	}
}

type failingFs struct{ afero.Fs }

func (failingFs) Create(string) (afero.File, error) { return nil, io.ErrClosedPipe }

func TestStorageErrors(t *testing.T) {
	s := New(failingFs{afero.NewMemMapFs()}, "/cache", [32]byte{})
	err := s.SavePosition(Position{})
	if !errs.Is(err, errs.KindStorage) || !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("err = %v, want storage error", err)
	}
}

func TestUsageAndPurge(t *testing.T) {
	s, fsys := newStore(t)
	if n, err := s.Usage(); err != nil || n != 0 {
		t.Errorf("empty usage = %d, %v", n, err)
	}
	if err := s.SavePosition(Position{Chapter: 1}); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Usage(); err != nil || n != PositionSize {
		t.Errorf("usage = %d, %v", n, err)
	}
	if err := s.Purge(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.DirExists(fsys, s.Dir()); ok {
		t.Error("purge left the directory")
	}
}
