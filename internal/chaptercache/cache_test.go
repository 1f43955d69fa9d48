package chaptercache

import (
	"archive/zip"
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/budget"
	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/errs"
	"github.com/yuanying/epubpager/internal/store"
	"github.com/yuanying/epubpager/internal/style"
)

func buildArchive(t *testing.T, files map[string]string) *archive.Archive {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
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

func chapter(body string) string {
	return `<html><head><link rel="stylesheet" type="text/css" href="style.css"/></head><body>` + body + `</body></html>`
}

var testFiles = map[string]string{
	"OEBPS/style.css": `.c { text-align: center }`,
	"OEBPS/c0.xhtml":  chapter(`<p class="c">Zero</p>`),
	"OEBPS/c1.xhtml":  chapter(`<p>One</p>`),
	"OEBPS/c2.xhtml":  chapter(`<p>Two <em>and</em> more</p>`),
}

var testChapters = []string{"OEBPS/c0.xhtml", "OEBPS/c1.xhtml", "OEBPS/c2.xhtml", "OEBPS/missing.xhtml"}

func newCache(t *testing.T, a *archive.Archive, st *store.Store, b *budget.Budget) *Cache {
	t.Helper()
	c, err := New(Config{Archive: a, Chapters: testChapters, Store: st, Budget: b})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGet_Sources(t *testing.T) {
	a := buildArchive(t, testFiles)
	st := store.New(afero.NewMemMapFs(), "/cache", a.Fingerprint())
	ctx := context.Background()

	c := newCache(t, a, st, budget.New(1<<20))
	first, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 || s.Tokenizations != 1 || s.DiskLoads != 0 {
		t.Errorf("stats = %+v", s)
	}
	if got := first.Text(); got != "Zero" {
		t.Errorf("text = %q", got)
	}
	if al := first.Style(first.At(0)).Align; al != style.AlignCenter {
		t.Errorf("linked stylesheet not applied: align = %v", al)
	}

	reopened := newCache(t, a, st, budget.New(1<<20))
	again, err := reopened.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s := reopened.Stats(); s.DiskLoads != 1 || s.Tokenizations != 0 {
		t.Errorf("reopened stats = %+v", s)
	}
	if !reflect.DeepEqual(again.Tokens, first.Tokens) {
		t.Error("persisted stream differs")
	}
}

func TestGet_UnreadableChapter(t *testing.T) {
	a := buildArchive(t, testFiles)
	c := newCache(t, a, nil, budget.New(1<<20))
	s, err := c.Get(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 || len(s.Warnings) == 0 {
		t.Errorf("missing chapter = %d tokens, warnings %v", s.Len(), s.Warnings)
	}
	if _, err := c.Get(context.Background(), 4); !strings.Contains(err.Error(), "out of range") {
		t.Errorf("out of range err = %v", err)
	}
}

func TestEviction(t *testing.T) {
	a := buildArchive(t, testFiles)
	b := budget.New(1 << 20)
	c := newCache(t, a, nil, b)
	ctx := context.Background()

	c.Pin(0)
	for _, ch := range []int{0, 1, 2} {
		if _, err := c.Get(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}
	if !c.Resident(0) || c.Resident(1) || !c.Resident(2) {
		t.Errorf("resident = %v %v %v, want pinned 0 and newest 2", c.Resident(0), c.Resident(1), c.Resident(2))
	}
	s := c.Stats()
	if s.Evictions != 1 || s.Resident != 2 || s.ResidentBytes != b.InUse() {
		t.Errorf("stats = %+v, budget in use %d", s, b.InUse())
	}

	c.EvictAll()
	if !c.Resident(0) || c.Resident(2) {
		t.Error("EvictAll dropped a pinned chapter or kept an unpinned one")
	}
	c.Unpin(0)
	c.Close()
	if b.InUse() != 0 {
		t.Errorf("in use after close = %d", b.InUse())
	}
}

func TestUnpin_TrimsToCapacity(t *testing.T) {
	a := buildArchive(t, testFiles)
	b := budget.New(1 << 20)
	c := newCache(t, a, nil, b)
	ctx := context.Background()

	c.Pin(0)
	s0, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s0.Source != c.Source(0) || !s0.Persistent() {
		t.Errorf("stream source %x, want %x", s0.Source, c.Source(0))
	}
	// Switching chapters: the pinned chapter and the new one overlap.
	if _, err := c.Get(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !c.Resident(0) || !c.Resident(1) {
		t.Fatal("pinned or new chapter not resident")
	}
	c.Pin(1)
	c.Unpin(0)
	if c.Resident(0) || !c.Resident(1) || c.Stats().Resident != DefaultCapacity {
		t.Errorf("after switch: resident %v %v, stats %+v", c.Resident(0), c.Resident(1), c.Stats())
	}
	if got := c.Stats().ResidentBytes; got != b.InUse() {
		t.Errorf("resident bytes %d, budget in use %d", got, b.InUse())
	}
}

func longChapter(word string) string {
	return chapter(`<p>` + strings.Repeat(word+" ", 4000) + `</p>`)
}

func TestGet_OutOfBudget(t *testing.T) {
	files := map[string]string{
		"OEBPS/c0.xhtml": longChapter("alpha"),
		"OEBPS/c1.xhtml": longChapter("gamma"),
	}
	a := buildArchive(t, files)
	sample, err := content.Tokenize(strings.NewReader(files["OEBPS/c0.xhtml"]), content.Options{})
	if err != nil {
		t.Fatal(err)
	}
	size := int64(sample.SizeBytes())
	ctx := context.Background()

	t.Run("evicts and retries", func(t *testing.T) {
		b := budget.New(size * 3 / 2)
		st := store.New(afero.NewMemMapFs(), "/cache", a.Fingerprint())
		c, err := New(Config{Archive: a, Chapters: []string{"OEBPS/c0.xhtml", "OEBPS/c1.xhtml"}, Store: st, Budget: b, Capacity: 2})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Get(ctx, 0); err != nil {
			t.Fatal(err)
		}
		s1, err := c.Get(ctx, 1)
		if err != nil {
			t.Fatalf("degraded retry failed: %v", err)
		}
		if s := c.Stats(); s.Degraded != 1 || c.Resident(0) || !c.Resident(1) {
			t.Errorf("stats = %+v", s)
		}
		if !s1.Degraded || s1.Persistent() || s1.Source == c.Source(1) {
			t.Errorf("degraded stream: degraded %v source %x, full source %x", s1.Degraded, s1.Source, c.Source(1))
		}
		if _, err := st.LoadTokens(1, s1.Source); err == nil {
			t.Error("degraded stream persisted")
		}
		if b.Peak() > b.Ceiling() {
			t.Errorf("peak %d over ceiling %d", b.Peak(), b.Ceiling())
		}
	})

	t.Run("fails twice", func(t *testing.T) {
		b := budget.New(size / 4)
		c, err := New(Config{Archive: a, Chapters: []string{"OEBPS/c0.xhtml"}, Budget: b})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Get(ctx, 0); !errs.Is(err, errs.KindOutOfBudget) {
			t.Errorf("err = %v, want OutOfBudget", err)
		}
		if b.InUse() != 0 || c.Stats().Degraded != 1 {
			t.Errorf("in use %d, stats %+v", b.InUse(), c.Stats())
		}
	})
}

func TestGet_Canceled(t *testing.T) {
	a := buildArchive(t, testFiles)
	c := newCache(t, a, nil, budget.New(1<<20))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Get(ctx, 1); err != context.Canceled {
		t.Errorf("err = %v", err)
	}
	if c.Resident(1) {
		t.Error("canceled load admitted")
	}
}
