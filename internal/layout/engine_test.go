package layout

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/errs"
)

// grid returns settings whose content area holds cols x rows cells of the
// default 10x20 cell metrics.
func grid(cols, rows int) Settings {
	return Settings{
		Width:            cols * 10,
		Height:           rows * 20,
		FontSize:         20,
		LineSpacing:      1,
		ParagraphSpacing: 1,
	}
}

func newEngine(t *testing.T, s Settings) *Engine {
	t.Helper()
	e, err := NewEngine(s, DefaultCellMetrics())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func stream(t *testing.T, markup string) *content.Stream {
	t.Helper()
	s, err := content.Tokenize(strings.NewReader(markup), content.Options{})
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	return s
}

func paginate(t *testing.T, e *Engine, s *content.Stream) []*Page {
	t.Helper()
	var pages []*Page
	if err := e.Paginate(s, func(p *Page) error {
		pages = append(pages, p)
		return nil
	}); err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	return pages
}

func TestLayoutPage_GreedyLines(t *testing.T) {
	s := stream(t, `<p>aaaa bbbb cccc dddd eeee ffff gggg</p>`)
	pages := paginate(t, newEngine(t, grid(10, 3)), s)

	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	if got := pages[0].Text(); got != "aaaa bbbb\ncccc dddd\neeee ffff" {
		t.Errorf("page 0 = %q", got)
	}
	if got := pages[1].Text(); got != "gggg" {
		t.Errorf("page 1 = %q", got)
	}
	if want := content.MakeOffset(1, 30); pages[0].End != want || pages[1].Start != want {
		t.Errorf("boundary = %v / %v, want %v", pages[0].End, pages[1].Start, want)
	}
	if pages[1].End != s.End() || pages[1].Index != 1 {
		t.Errorf("last page end = %v index = %d", pages[1].End, pages[1].Index)
	}
	for i, l := range pages[0].Lines {
		if l.Y != i*20 || l.Height != 20 {
			t.Errorf("line %d at y=%d h=%d", i, l.Y, l.Height)
		}
	}
}

func TestLayoutPage_Restartable(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "<p>Paragraph %d has <em>some</em> words, and <b>more</b>words that wrap around.</p>", i)
		if i%7 == 0 {
			sb.WriteString("<h2>Heading</h2><pre>a  b\nc</pre>")
		}
	}
	s := stream(t, sb.String())
	e := newEngine(t, grid(17, 9))
	pages := paginate(t, e, s)
	if len(pages) < 5 {
		t.Fatalf("only %d pages", len(pages))
	}

	var laid, source strings.Builder
	for i, p := range pages {
		if i > 0 && p.Start <= pages[i-1].Start {
			t.Fatalf("page %d start %v not after %v", i, p.Start, pages[i-1].Start)
		}
		again, err := e.LayoutPage(s, p.Start)
		if err != nil {
			t.Fatal(err)
		}
		again.Index = p.Index
		if !reflect.DeepEqual(again, p) {
			t.Fatalf("page %d differs when laid out from its start", i)
		}
		for _, l := range p.Lines {
			for _, r := range l.Runs {
				laid.WriteString(r.Text)
			}
		}
	}
	for _, tok := range s.Tokens {
		if tok.Kind == content.KindText {
			source.WriteString(tok.Text)
		}
	}
	if laid.String() != source.String() {
		t.Error("text was lost or duplicated across page boundaries")
	}
}

func TestLayoutPage_Breaking(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   string
	}{
		{"long word split", `<p>abcdefghijklmnopqrstuvwxyz</p>`, "abcdefghij\nklmnopqrst\nuvwxyz"},
		{"glued inline", `<p>aaaaaa <em>bb</em>cc</p>`, "aaaaaa\nbbcc"},
		{"hard breaks", `<p>a<br/><br/>b</p>`, "a\n\nb"},
		{"soft break", `<p>aaaaaaaa<wbr/>bbbb</p>`, "aaaaaaaa\nbbbb"},
		{"wide characters", `<p>日本語のテキスト</p>`, "日本語のテ\nキスト"},
	}
	e := newEngine(t, grid(10, 20))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := e.LayoutPage(stream(t, tt.markup), 0)
			if err != nil {
				t.Fatal(err)
			}
			if got := p.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLayoutPage_BlockSpacing(t *testing.T) {
	p, err := newEngine(t, grid(10, 20)).LayoutPage(stream(t, `<p>a</p><p>b</p><h1>c</h1>`), 0)
	if err != nil {
		t.Fatal(err)
	}
	var ys []int
	for _, l := range p.Lines {
		ys = append(ys, l.Y)
	}
	// p margins are 1em (20px); h1 top margin is 0.67 * 2em.
	want := []int{0, 40, 60 + 27}
	if !reflect.DeepEqual(ys, want) {
		t.Errorf("line y = %v, want %v", ys, want)
	}
	if h := p.Lines[2].Height; h != 40 {
		t.Errorf("heading line height = %d, want 40", h)
	}
}

func TestLayoutPage_Alignment(t *testing.T) {
	tests := []struct {
		align string
		wantX int
	}{
		{"left", 0},
		{"center", 40},
		{"right", 80},
		{"justify", 0},
	}
	e := newEngine(t, grid(10, 5))
	for _, tt := range tests {
		t.Run(tt.align, func(t *testing.T) {
			p, err := e.LayoutPage(stream(t, `<p style="text-align: `+tt.align+`">ab</p>`), 0)
			if err != nil {
				t.Fatal(err)
			}
			if x := p.Lines[0].Runs[0].X; x != tt.wantX {
				t.Errorf("X = %d, want %d", x, tt.wantX)
			}
		})
	}

	p, err := newEngine(t, grid(20, 5)).LayoutPage(stream(t, `<blockquote>aaaa bbbb cccc</blockquote>`), 0)
	if err != nil {
		t.Fatal(err)
	}
	// 2.5em indents of 50px on each side leave 10 columns.
	if p.Text() != "aaaa bbbb\ncccc" || p.Lines[0].Runs[0].X != 50 {
		t.Errorf("indented = %q at x=%d", p.Text(), p.Lines[0].Runs[0].X)
	}
}

func TestLayoutPage_Images(t *testing.T) {
	markup := `<p>a</p><p><img src="big.png" width="400" height="200"/></p><p><img src="tall.png" width="50" height="500"/></p>`
	e := newEngine(t, grid(10, 10))
	pages := paginate(t, e, stream(t, markup))
	if len(pages) != 2 {
		t.Fatalf("got %d pages", len(pages))
	}
	im := pages[0].Images[0]
	if im.Width != 100 || im.Height != 50 || im.X != 0 || im.Y != 40 {
		t.Errorf("scaled image = %+v", im)
	}
	tall := pages[1].Images[0]
	if tall.Path != "tall.png" || tall.Height != 200 || tall.Width != 20 || tall.Y != 0 {
		t.Errorf("tall image = %+v", tall)
	}
}

func TestLayoutPage_EmptyStream(t *testing.T) {
	s := stream(t, ``)
	p, err := newEngine(t, grid(10, 10)).LayoutPage(s, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Empty() || p.End != s.End() {
		t.Errorf("page = %+v", p)
	}
}

type brokenMetrics struct{}

func (brokenMetrics) ID() string { return "broken" }

func (brokenMetrics) Advance(string, Face) (int, error) { return 0, ErrMetricsUnavailable }

func (brokenMetrics) LineHeight(Face) (int, error) { return 20, nil }

func TestLayoutPage_MetricsError(t *testing.T) {
	e, err := NewEngine(grid(10, 10), brokenMetrics{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.LayoutPage(stream(t, `<p>text</p>`), 0)
	if !errors.Is(err, ErrMetricsUnavailable) || !errs.Is(err, errs.KindLayout) {
		t.Errorf("err = %v", err)
	}

	if _, err := NewEngine(grid(10, 10), nil); !errs.Is(err, errs.KindLayout) {
		t.Errorf("nil metrics err = %v", err)
	}
	if _, err := NewEngine(Settings{Width: 10, Height: 10, MarginLeft: 10, FontSize: 20, LineSpacing: 1}, DefaultCellMetrics()); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("invalid settings err = %v", err)
	}
}

func TestPaginate_Stop(t *testing.T) {
	s := stream(t, `<p>aaaa bbbb cccc dddd eeee ffff gggg</p>`)
	calls := 0
	err := newEngine(t, grid(10, 1)).Paginate(s, func(*Page) error {
		calls++
		if calls == 2 {
			return ErrStop
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v calls = %d", err, calls)
	}
}
