// Package session runs one open book: a single background worker owns the
// chapter cache and page maps and serves navigation requests from a bounded
// queue, while callers read the committed page without blocking.
//
// Requests are stamped with a generation when submitted. GotoChapter and
// ApplySettings start a new epoch, which supersedes every older NextPage and
// PrevPage; a newer NextPage or PrevPage supersedes older ones of its kind,
// and a newer GotoChapter older GotoChapters. The worker checks for this
// before starting a request and again before committing it, and reports a
// superseded request with ErrSuperseded without touching the visible state.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/budget"
	"github.com/yuanying/epubpager/internal/chaptercache"
	"github.com/yuanying/epubpager/internal/epub"
	"github.com/yuanying/epubpager/internal/imagefit"
	"github.com/yuanying/epubpager/internal/layout"
	"github.com/yuanying/epubpager/internal/pagemap"
	"github.com/yuanying/epubpager/internal/store"
)

var (
	// ErrClosed is returned for requests to a closed session.
	ErrClosed = errors.New("session closed")

	// ErrQueueFull is returned by Submit when the request queue is full.
	ErrQueueFull = errors.New("request queue full")

	// ErrSuperseded is the result of a request overtaken by a newer one.
	ErrSuperseded = errors.New("request superseded")

	// ErrNotReady is returned for navigation while the session is in the
	// Error state; Retry first.
	ErrNotReady = errors.New("session not ready")

	// ErrEndOfBook and ErrStartOfBook are returned when paging past the
	// last or before the first page.
	ErrEndOfBook   = errors.New("end of book")
	ErrStartOfBook = errors.New("start of book")
)

// State is the session lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// maxMaps bounds the page maps kept in memory; the rest are reloaded from
// the store. Their offsets are charged to the budget like token streams.
const maxMaps = 16

// Stats is a snapshot of session activity.
type Stats struct {
	chaptercache.Stats
	InUse      int64 // Budget bytes reserved
	Peak       int64 // Highest InUse seen
	Ceiling    int64
	Requests   int
	Superseded int
}

// Session is an open book.
type Session struct {
	id   string
	opts Options
	log  *zap.Logger

	src    io.ReaderAt
	size   int64
	closer io.Closer

	// Set by the open request and read-only afterwards.
	arc    *archive.Archive
	pkg    *epub.Package
	toc    *epub.TOC
	cover  *epub.CoverInfo
	fitter *imagefit.Fitter

	queue     chan request
	wg        conc.WaitGroup
	submitMu  sync.Mutex
	closed    bool
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	gen    atomic.Uint64
	epoch  atomic.Uint64
	latest [numOps]atomic.Uint64

	// Visible state.
	mu       sync.RWMutex
	state    State
	page     *layout.Page
	pos      store.Position
	progress int
	lastErr  error
	stats    Stats

	// Owned by the worker.
	store     *store.Store
	budget    *budget.Budget
	cache     *chaptercache.Cache
	engine    *layout.Engine
	maps      *simplelru.LRU[int, *pagemap.Map]
	mapBytes  map[int]int64 // Budget reserved per cached map
	cur       *layout.Page
	pinned    int
	dirty     bool
	lastFlush time.Time
	requests  int
	dropped   int

	// beforeCommit runs on the worker between computing and committing a
	// navigation result.
	beforeCommit func(Request)
}

// Open opens the book held in src and returns a Ready session. Container
// and package errors are returned without a session. When only the reading
// position could not be restored the session starts in the Error state.
func Open(ctx context.Context, src io.ReaderAt, size int64, opts Options) (*Session, error) {
	s := newSession(opts)
	s.src, s.size = src, size
	return s.start(ctx)
}

// OpenFile opens the book stored at path on fsys. Close releases the file.
func OpenFile(ctx context.Context, fsys afero.Fs, path string, opts Options) (*Session, error) {
	arc, err := archive.OpenFile(fsys, path)
	if err != nil {
		return nil, err
	}
	s := newSession(opts)
	s.arc, s.closer = arc, arc
	return s.start(ctx)
}

func newSession(opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:       id,
		opts:     opts,
		log:      opts.Logger.Named("session").With(zap.String("session", id)),
		queue:    make(chan request, opts.QueueSize),
		pinned:   -1,
		mapBytes: make(map[int]int64),
	}
}

func (s *Session) start(ctx context.Context) (*Session, error) {
	s.setState(StateOpening)
	s.wg.Go(s.loop)

	t, err := s.Submit(Request{Op: OpOpen})
	if err == nil {
		_, err = t.Wait(ctx)
	}
	if err != nil {
		s.log.Warn("open failed", zap.Error(err))
		s.Close()
		return nil, err
	}
	s.log.Info("opened",
		zap.String("title", s.pkg.Metadata.Title),
		zap.Int("chapters", len(s.pkg.Spine)),
		zap.Stringer("state", s.State()))
	return s, nil
}

// Submit queues r without blocking.
func (s *Session) Submit(r Request) (*Ticket, error) {
	if r.Op >= numOps {
		return nil, fmt.Errorf("unknown request %v", r.Op)
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	// Only submitters send, under submitMu, so a free slot stays free.
	if len(s.queue) == cap(s.queue) {
		return nil, ErrQueueFull
	}

	req := request{Request: r, gen: s.gen.Add(1), ticket: newTicket(r.Op)}
	if r.Op == OpGotoChapter || r.Op == OpApplySettings {
		req.epoch = s.epoch.Add(1)
	} else {
		req.epoch = s.epoch.Load()
	}
	s.latest[r.Op].Store(req.gen)
	s.queue <- req
	return req.ticket, nil
}

// NextPage moves to the next page, crossing into the next non-empty chapter
// at the end of the current one.
func (s *Session) NextPage(ctx context.Context) (*layout.Page, error) {
	return s.do(ctx, Request{Op: OpNextPage})
}

// PrevPage moves to the previous page, crossing into the last page of the
// previous non-empty chapter at the start of the current one.
func (s *Session) PrevPage(ctx context.Context) (*layout.Page, error) {
	return s.do(ctx, Request{Op: OpPrevPage})
}

// GotoChapter moves to the first page of chapter.
func (s *Session) GotoChapter(ctx context.Context, chapter int) (*layout.Page, error) {
	return s.do(ctx, Request{Op: OpGotoChapter, Chapter: chapter})
}

// ApplySettings switches to new layout settings, keeping the reading
// position. Page maps built for the old settings are not reused.
func (s *Session) ApplySettings(ctx context.Context, settings layout.Settings) (*layout.Page, error) {
	return s.do(ctx, Request{Op: OpApplySettings, Settings: settings})
}

// Retry restores the current position after a failure and returns the
// session to Ready on success.
func (s *Session) Retry(ctx context.Context) (*layout.Page, error) {
	return s.do(ctx, Request{Op: OpRetry})
}

func (s *Session) do(ctx context.Context, r Request) (*layout.Page, error) {
	t, err := s.Submit(r)
	if err != nil {
		return nil, err
	}
	res, err := t.Wait(ctx)
	return res.Page, err
}

// CurrentPage returns the committed page, or nil before one exists.
func (s *Session) CurrentPage() *layout.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

// Position returns the committed reading position.
func (s *Session) Position() store.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos
}

// Progress returns how far into the book the current page is, in percent.
func (s *Session) Progress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure that moved the session to the Error state.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Stats returns the snapshot taken after the last request.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Metadata returns the book's metadata.
func (s *Session) Metadata() epub.Metadata {
	return s.pkg.Metadata
}

// Spine returns the chapters in reading order.
func (s *Session) Spine() []epub.SpineEntry {
	return s.pkg.Spine
}

// TOC returns the table of contents, or nil when the book has none.
func (s *Session) TOC() *epub.TOC {
	return s.toc
}

// Cover returns the detected cover image, or nil.
func (s *Session) Cover() *epub.CoverInfo {
	return s.cover
}

// Image returns the image at path fitted into width x height in grayscale.
// It may be called concurrently with navigation.
func (s *Session) Image(path string, width, height int) (*image.Gray, error) {
	return s.fitter.Fit(path, width, height)
}

// LoadImage decodes the image at path, for layout.Render.
func (s *Session) LoadImage(path string) (image.Image, error) {
	return s.fitter.Decode(path)
}

// Settings returns the settings the session was opened with or last
// switched to.
func (s *Session) Settings() layout.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.Settings
}

// Close stops the worker, flushes the reading position and releases the
// book. Pending requests fail with ErrClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Session) shutdown() error {
	s.submitMu.Lock()
	s.closed = true
	s.closing.Store(true)
	close(s.queue)
	s.submitMu.Unlock()
	s.wg.Wait()

	// The worker has exited; its state is ours now.
	var err error
	if s.cache != nil {
		err = multierr.Append(err, s.flush(true))
		s.cache.Close()
	}
	if s.maps != nil {
		s.maps.Purge()
	}
	if s.closer != nil {
		err = multierr.Append(err, s.closer.Close())
	}
	s.setState(StateClosed)
	s.log.Debug("closed", zap.Error(err))
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st != StateError {
		s.lastErr = nil
	}
	s.mu.Unlock()
}
