package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/budget"
	"github.com/yuanying/epubpager/internal/chaptercache"
	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/epub"
	"github.com/yuanying/epubpager/internal/errs"
	"github.com/yuanying/epubpager/internal/imagefit"
	"github.com/yuanying/epubpager/internal/layout"
	"github.com/yuanying/epubpager/internal/pagemap"
	"github.com/yuanying/epubpager/internal/store"
)

// loop is the session worker. It exits when the queue is closed.
func (s *Session) loop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for req := range s.queue {
		if s.closing.Load() {
			req.ticket.finish(Result{Op: req.Op, Err: ErrClosed})
			continue
		}
		req.ticket.finish(s.serve(ctx, req))
	}
}

func (s *Session) serve(ctx context.Context, req request) Result {
	s.requests++
	defer s.publishStats()

	if s.superseded(req) {
		s.dropped++
		return Result{Op: req.Op, Err: ErrSuperseded}
	}

	var res Result
	var pc panics.Catcher
	pc.Try(func() { res = s.handle(ctx, req) })
	if r := pc.Recovered(); r != nil {
		err := r.AsError()
		s.log.Error("request panicked", zap.Stringer("op", req.Op), zap.String("panic", r.String()))
		s.fail(req.Op, err, true)
		return Result{Op: req.Op, Err: err}
	}
	return res
}

func (s *Session) handle(ctx context.Context, req request) Result {
	res := Result{Op: req.Op}
	if req.Op == OpOpen {
		res.Err = s.open(ctx)
		res.Page, res.Position = s.CurrentPage(), s.Position()
		return res
	}
	if req.Op != OpRetry && s.State() == StateError {
		res.Err = fmt.Errorf("%w: %v", ErrNotReady, s.Err())
		return res
	}

	var p *layout.Page
	var err error
	switch req.Op {
	case OpNextPage:
		p, err = s.next(ctx)
	case OpPrevPage:
		p, err = s.prev(ctx)
	case OpGotoChapter:
		p, err = s.gotoChapter(ctx, req.Chapter)
	case OpApplySettings:
		p, err = s.applySettings(ctx, req.Settings)
	case OpRetry:
		p, err = s.retry(ctx)
	}
	if err == nil {
		if s.beforeCommit != nil {
			s.beforeCommit(req.Request)
		}
		if s.superseded(req) {
			s.dropped++
			res.Err = ErrSuperseded
			return res
		}
		err = s.commit(p, req.Op == OpRetry)
	}
	if err != nil {
		s.fail(req.Op, err, false)
		res.Err = err
		return res
	}
	if req.Op == OpRetry {
		s.setState(StateReady)
		s.log.Info("recovered", zap.Int("chapter", p.Chapter), zap.Int("page", p.Index))
	}
	res.Page, res.Position = p, s.Position()
	return res
}

func (s *Session) superseded(req request) bool {
	switch req.Op {
	case OpNextPage, OpPrevPage:
		return req.epoch != s.epoch.Load() || req.gen != s.latest[req.Op].Load()
	case OpGotoChapter:
		return req.gen != s.latest[req.Op].Load()
	}
	return false
}

// fail records err. Storage failures and panics move the session to the
// Error state; other failures only fail the request.
func (s *Session) fail(op Op, err error, panicked bool) {
	if !panicked && !errs.Is(err, errs.KindStorage) {
		s.log.Debug("request failed", zap.Stringer("op", op), zap.Error(err))
		return
	}
	s.log.Error("session failed", zap.Stringer("op", op), zap.Error(err))
	s.mu.Lock()
	s.state = StateError
	s.lastErr = err
	s.mu.Unlock()
}

// open loads the book. Errors returned are fatal to the session; a position
// that cannot be restored leaves the session in the Error state instead.
func (s *Session) open(ctx context.Context) error {
	if s.arc == nil {
		arc, err := archive.Open(s.src, s.size)
		if err != nil {
			return err
		}
		s.arc = arc
	}
	_, pkg, err := epub.Open(s.arc, s.log)
	if err != nil {
		return err
	}
	for _, w := range pkg.Warnings {
		s.log.Warn("package", zap.String("warning", w))
	}
	engine, err := layout.NewEngine(s.opts.Settings, s.opts.Metrics)
	if err != nil {
		return err
	}
	s.pkg, s.engine = pkg, engine

	if s.toc, err = epub.LoadTOC(s.arc, pkg); err != nil {
		s.log.Warn("table of contents unavailable", zap.Error(err))
	}
	s.cover = pkg.DetectCover()
	s.fitter = imagefit.New(s.arc)
	s.store = store.New(s.opts.Fs, s.opts.CacheDir, s.arc.Fingerprint())
	s.budget = budget.New(s.opts.Ceiling)

	chapters := make([]string, len(pkg.Spine))
	for i, e := range pkg.Spine {
		chapters[i] = e.Path
	}
	s.cache, err = chaptercache.New(chaptercache.Config{
		Archive:   s.arc,
		Chapters:  chapters,
		Store:     s.store,
		Budget:    s.budget,
		Logger:    s.log,
		Capacity:  s.opts.CacheChapters,
		MaxTokens: s.opts.MaxTokens,
		ImageSize: s.fitter.Size,
	})
	if err != nil {
		return err
	}
	if s.maps, err = simplelru.NewLRU[int, *pagemap.Map](maxMaps, s.dropMap); err != nil {
		return err
	}

	pos := s.loadPosition()
	s.mu.Lock()
	s.pos = pos
	s.mu.Unlock()

	p, err := s.locate(ctx, s.engine, pos.Chapter, pos.Offset)
	if err == nil {
		err = s.commit(p, false)
	}
	if err != nil {
		s.log.Error("reading position not restored", zap.Error(err))
		s.mu.Lock()
		s.state = StateError
		s.lastErr = err
		s.mu.Unlock()
		return nil
	}
	s.setState(StateReady)
	return nil
}

// loadPosition returns the persisted position, clamped to the spine, or the
// start of the book.
func (s *Session) loadPosition() store.Position {
	pos, err := s.store.LoadPosition()
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return store.Position{}
	default:
		s.log.Warn("ignoring reading position", zap.Error(err))
		return store.Position{}
	}
	if n := len(s.pkg.Spine); pos.Chapter >= n {
		s.log.Warn("reading position past the last chapter", zap.Int("chapter", pos.Chapter), zap.Int("chapters", n))
		return store.Position{Chapter: n - 1}
	}
	return pos
}

func (s *Session) next(ctx context.Context) (*layout.Page, error) {
	if s.cur == nil {
		return nil, ErrNotReady
	}
	st, m, err := s.chapter(ctx, s.engine, s.cur.Chapter)
	if err != nil {
		return nil, err
	}
	p, err := s.resolve(m, s.engine, st, s.cur.Index+1)
	if !errors.Is(err, pagemap.ErrPastEnd) {
		return p, err
	}
	for ch := s.cur.Chapter + 1; ch < s.cache.Len(); ch++ {
		st, m, err := s.chapter(ctx, s.engine, ch)
		if err != nil {
			return nil, err
		}
		p, err := s.resolve(m, s.engine, st, 0)
		if err != nil {
			return nil, err
		}
		if !blank(p, m) {
			return p, nil
		}
		s.log.Debug("skipping empty chapter", zap.Int("chapter", ch))
	}
	return nil, ErrEndOfBook
}

func (s *Session) prev(ctx context.Context) (*layout.Page, error) {
	if s.cur == nil {
		return nil, ErrNotReady
	}
	if s.cur.Index > 0 {
		st, m, err := s.chapter(ctx, s.engine, s.cur.Chapter)
		if err != nil {
			return nil, err
		}
		return s.resolve(m, s.engine, st, s.cur.Index-1)
	}
	for ch := s.cur.Chapter - 1; ch >= 0; ch-- {
		st, m, err := s.chapter(ctx, s.engine, ch)
		if err != nil {
			return nil, err
		}
		// Only this chapter is replayed, never the book.
		for !m.Complete {
			last, _ := m.Last()
			if _, err := s.resolve(m, s.engine, st, last); err != nil {
				return nil, err
			}
		}
		p, err := s.resolve(m, s.engine, st, m.Len()-1)
		if err != nil {
			return nil, err
		}
		if !blank(p, m) {
			return p, nil
		}
	}
	return nil, ErrStartOfBook
}

func (s *Session) gotoChapter(ctx context.Context, chapter int) (*layout.Page, error) {
	st, m, err := s.chapter(ctx, s.engine, chapter)
	if err != nil {
		return nil, err
	}
	return s.resolve(m, s.engine, st, 0)
}

func (s *Session) applySettings(ctx context.Context, settings layout.Settings) (*layout.Page, error) {
	e, err := layout.NewEngine(settings, s.opts.Metrics)
	if err != nil {
		return nil, err
	}
	pos := s.Position()
	if s.cur != nil {
		pos.Chapter, pos.Offset = s.cur.Chapter, s.cur.Start
	}
	p, err := s.locate(ctx, e, pos.Chapter, pos.Offset)
	if err != nil {
		return nil, err
	}
	if e.Fingerprint() != s.engine.Fingerprint() {
		// Maps of other chapters are rebuilt, or reloaded if persisted
		// with the same fingerprint.
		for _, ch := range s.maps.Keys() {
			if m, ok := s.maps.Peek(ch); ok && m.Fingerprint != e.Fingerprint() {
				s.maps.Remove(ch)
			}
		}
		s.log.Info("layout changed", zap.Int("font_size", settings.FontSize), zap.Int("width", settings.Width), zap.Int("height", settings.Height))
	}
	s.engine = e
	s.mu.Lock()
	s.opts.Settings = settings
	s.mu.Unlock()
	return p, nil
}

func (s *Session) retry(ctx context.Context) (*layout.Page, error) {
	pos := s.Position()
	return s.locate(ctx, s.engine, pos.Chapter, pos.Offset)
}

// locate returns the page of chapter containing off.
func (s *Session) locate(ctx context.Context, e *layout.Engine, chapter int, off content.Offset) (*layout.Page, error) {
	st, m, err := s.chapter(ctx, e, chapter)
	if err != nil {
		return nil, err
	}
	off = st.Clamp(off)
	for i := m.PageOf(off); ; i++ {
		p, err := s.resolve(m, e, st, i)
		if err != nil {
			return nil, err
		}
		if p.End > off || p.End >= st.End() {
			return p, nil
		}
	}
}

// chapter returns the stream of chapter and its page map for e.
func (s *Session) chapter(ctx context.Context, e *layout.Engine, chapter int) (*content.Stream, *pagemap.Map, error) {
	st, err := s.cache.Get(ctx, chapter)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.pageMap(chapter, e.Fingerprint(), st.Source)
	if err != nil {
		return nil, nil, err
	}
	return st, m, nil
}

// pageMap returns the map of chapter for fp over the stream src from memory
// or the store, or a fresh one.
func (s *Session) pageMap(chapter int, fp [32]byte, src [16]byte) (*pagemap.Map, error) {
	if m, ok := s.maps.Get(chapter); ok && m.Matches(chapter, fp, src) {
		return m, nil
	}
	m, err := s.store.LoadPageMap(chapter, fp, src)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
	case errors.Is(err, store.ErrStale):
		s.log.Debug("rebuilding page map", zap.Int("chapter", chapter), zap.Error(err))
	default:
		return nil, err
	}
	m = pagemap.For(m, chapter, fp, src)
	s.maps.Add(chapter, m)
	if err := s.charge(m); err != nil {
		s.maps.Remove(chapter)
		return nil, err
	}
	return m, nil
}

// resolve lays out page and persists whatever it taught the map. Maps of
// truncated or degraded streams stay in memory only.
func (s *Session) resolve(m *pagemap.Map, e *layout.Engine, st *content.Stream, page int) (*layout.Page, error) {
	n, complete := m.Len(), m.Complete
	p, err := pagemap.Resolve(m, e, st, page)
	if m.Len() != n {
		if cerr := s.charge(m); cerr != nil {
			return nil, cerr
		}
	}
	if (m.Len() != n || m.Complete != complete) && st.Persistent() {
		if serr := s.store.SavePageMap(m); serr != nil {
			return nil, serr
		}
	}
	return p, err
}

// charge brings the budget reservation for the in-memory map m up to date.
// When the budget is exhausted the other maps are dropped and the
// reservation retried once.
func (s *Session) charge(m *pagemap.Map) error {
	want, have := m.SizeBytes(), s.mapBytes[m.Chapter]
	if want <= have {
		s.budget.Release(have - want)
		s.mapBytes[m.Chapter] = want
		return nil
	}
	err := s.budget.Reserve(want - have)
	if errs.Is(err, errs.KindOutOfBudget) {
		for _, ch := range s.maps.Keys() {
			if ch != m.Chapter {
				s.maps.Remove(ch)
			}
		}
		err = s.budget.Reserve(want - have)
	}
	if err != nil {
		return err
	}
	s.mapBytes[m.Chapter] = want
	return nil
}

// dropMap returns the reservation of an evicted map.
func (s *Session) dropMap(chapter int, _ *pagemap.Map) {
	s.budget.Release(s.mapBytes[chapter])
	delete(s.mapBytes, chapter)
}

// blank reports whether p is the only page of a chapter and shows nothing.
func blank(p *layout.Page, m *pagemap.Map) bool {
	return p.Empty() && m.Complete && m.Len() == 1
}

// commit makes p the visible page.
func (s *Session) commit(p *layout.Page, forceFlush bool) error {
	if p.Chapter != s.pinned {
		s.cache.Pin(p.Chapter)
		s.cache.Unpin(s.pinned)
		s.pinned = p.Chapter
	}
	s.cur = p

	frac := 0.0
	if m, ok := s.maps.Peek(p.Chapter); ok && m.Complete {
		frac = float64(p.Index+1) / float64(m.Len())
	}
	s.mu.Lock()
	s.page = p
	s.pos = store.Position{
		Chapter: p.Chapter,
		Offset:  p.Start,
		Page:    p.Index,
		Time:    time.Now().UTC().Truncate(time.Second),
	}
	s.progress = s.pkg.Progress(p.Chapter, frac)
	s.mu.Unlock()

	s.dirty = true
	return s.flush(forceFlush)
}

// flush writes the position when it changed, at most once per
// FlushInterval unless forced.
func (s *Session) flush(force bool) error {
	if !s.dirty || s.store == nil {
		return nil
	}
	now := time.Now()
	if !force && now.Sub(s.lastFlush) < s.opts.FlushInterval {
		return nil
	}
	if err := s.store.SavePosition(s.Position()); err != nil {
		return err
	}
	s.dirty = false
	s.lastFlush = now
	return nil
}

func (s *Session) publishStats() {
	st := Stats{Requests: s.requests, Superseded: s.dropped}
	if s.cache != nil {
		st.Stats = s.cache.Stats()
		st.InUse, st.Peak, st.Ceiling = s.budget.InUse(), s.budget.Peak(), s.budget.Ceiling()
	}
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}
