package main

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yuanying/epubpager/internal/config"
)

const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>CLI Test</dc:title><dc:creator>A. Writer</dc:creator><dc:language>en</dc:language>
  </metadata>
  <manifest>
    <item id="c1" href="c1.xhtml" media-type="application/xhtml+xml"/>
    <item id="c2" href="c2.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine><itemref idref="c1"/><itemref idref="c2"/></spine>
</package>`

const testContainer = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

func writeBook(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name, data string
		method     uint16
	}{
		{"mimetype", "application/epub+zip", zip.Store},
		{"META-INF/container.xml", testContainer, zip.Deflate},
		{"OEBPS/content.opf", testOPF, zip.Deflate},
		{"OEBPS/c1.xhtml", "<html><body><h1>One</h1><p>The first chapter.</p></body></html>", zip.Deflate},
		{"OEBPS/c2.xhtml", "<html><body><h1>Two</h1><p>The second chapter.</p></body></html>", zip.Deflate},
	}
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: f.method})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(f.data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "book.epub")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReadCLIOptions_Defaults(t *testing.T) {
	cmd := newRootCmd()
	opts, err := readCLIOptions(cmd)
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}
	if opts != config.Defaults() {
		t.Fatalf("opts = %+v, want defaults", opts)
	}
}

func TestReadCLIOptions_Flags(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{
		"--width", "600",
		"--height", "900",
		"--font-size", "24",
		"--metrics", "face",
		"--cache-dir", "/tmp/pages",
		"--ceiling", "524288",
		"--max-tokens", "300",
		"--log-level", "debug",
	}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	opts, err := readCLIOptions(cmd)
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"width", opts.Width, 600},
		{"height", opts.Height, 900},
		{"font size", opts.FontSize, 24},
		{"metrics", opts.Metrics, "face"},
		{"cache dir", opts.CacheDir, "/tmp/pages"},
		{"ceiling", opts.Ceiling, int64(524288)},
		{"max tokens", opts.MaxTokens, 300},
		{"log level", opts.LogLevel, "debug"},
		{"unset flag keeps default", opts.FlushInterval, 30 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestReadCLIOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"metrics", []string{"--metrics", "ruler"}, "metrics"},
		{"ceiling", []string{"--ceiling", "-1"}, "ceiling"},
		{"max tokens", []string{"--max-tokens", "-1"}, "max_tokens"},
		{"no content area", []string{"--width", "30"}, "layout"},
		{"config file", []string{"--config", "/does/not/exist.yaml"}, "config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags() error = %v", err)
			}
			_, err := readCLIOptions(cmd)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	book := writeBook(t)
	cache := filepath.Join(t.TempDir(), "cache")
	common := []string{"--cache-dir", cache, "--log-level", "error"}
	with := func(args ...string) []string {
		return append(args, common...)
	}

	out, err := run(t, with("info", book)...)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{"Title:    CLI Test", "Creator:  A. Writer", "Chapters: 2", "OEBPS/c2.xhtml", "Position: chapter 0, page 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output lacks %q:\n%s", want, out)
		}
	}

	out, err = run(t, with("paginate", "--chapter", "1", book)...)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if !strings.Contains(out, "1 pages;") || !strings.Contains(out, "Two") {
		t.Errorf("paginate output:\n%s", out)
	}

	// The position written on close is picked up by the next open.
	out, err = run(t, with("info", book)...)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(out, "Position: chapter 1, page 1,") {
		t.Errorf("position not restored:\n%s", out)
	}

	out, err = run(t, with("tokens", "--chapter", "0", book)...)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if !strings.Contains(out, `"The first chapter."`) && !strings.Contains(out, `"first"`) {
		t.Errorf("tokens output lacks chapter text:\n%s", out)
	}
	if _, err := run(t, with("tokens", "--chapter", "5", book)...); err == nil {
		t.Error("tokens accepted an out of range chapter")
	}

	out, err = run(t, with("cache", "--purge", book)...)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if !strings.Contains(out, "purged") {
		t.Errorf("cache output:\n%s", out)
	}
	entries, err := os.ReadDir(cache)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("cache dir still holds %d entries after purge", len(entries))
	}
}

func TestRead_WritesPNG(t *testing.T) {
	book := writeBook(t)
	dir := t.TempDir()
	out, err := run(t, "read", "-n", "3", "-o", dir, "--cache-dir", filepath.Join(dir, "cache"), "--log-level", "error", book)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Two single page chapters: the third page runs into the end of the book.
	for _, name := range []string{"page-000-0001.png", "page-001-0001.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: %v\n%s", name, err, out)
		}
	}
}

func TestOpenMissingBook(t *testing.T) {
	_, err := run(t, "info", "--log-level", "error", filepath.Join(t.TempDir(), "none.epub"))
	if err == nil {
		t.Fatal("info on a missing file succeeded")
	}
}
