package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestLoad_Defaults(t *testing.T) {
	opts, err := Load(New(afero.NewMemMapFs()), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts != Defaults() {
		t.Errorf("opts = %+v, want defaults", opts)
	}
	if opts.Layout().FontSize != 20 || opts.QueueSize != 8 {
		t.Errorf("layout = %+v", opts.Layout())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := `
font_size: 24
line_spacing: 1.25
metrics: face
cache_dir: /var/cache/epubpager
flush_interval: 5s
max_tokens: 5000
log_level: debug
`
	if err := afero.WriteFile(fsys, "/etc/epubpager.yaml", []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EPUBPAGER_CACHE_CHAPTERS", "3")
	t.Setenv("EPUBPAGER_FONT_SIZE", "28")

	opts, err := Load(New(fsys), "/etc/epubpager.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"env beats file", opts.FontSize, 28},
		{"file", opts.LineSpacing, 1.25},
		{"metrics", opts.Metrics, "face"},
		{"cache dir", opts.CacheDir, "/var/cache/epubpager"},
		{"duration", opts.FlushInterval, 5 * time.Second},
		{"max tokens", opts.MaxTokens, 5000},
		{"env only", opts.CacheChapters, 3},
		{"default kept", opts.Width, 480},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if _, ok := opts.MetricsSource().(interface{ ID() string }); !ok {
		t.Error("no metrics source")
	}
}

func TestLoad_Errors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	afero.WriteFile(fsys, "/bad.yaml", []byte("metrics: ruler\n"), 0o644)
	afero.WriteFile(fsys, "/neg.yaml", []byte("max_tokens: -1\n"), 0o644)
	afero.WriteFile(fsys, "/tiny.yaml", []byte("width: 30\nmargin_left: 20\nmargin_right: 20\n"), 0o644)

	tests := []struct {
		name string
		file string
	}{
		{"missing file", "/nope.yaml"},
		{"unknown metrics", "/bad.yaml"},
		{"no content area", "/tiny.yaml"},
		{"negative token limit", "/neg.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(New(fsys), tt.file); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
