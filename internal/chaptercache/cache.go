// Package chaptercache keeps a bounded number of tokenized chapters resident,
// backed by the persistent token store.
//
// A chapter is served from memory when resident, else from a persisted token
// file whose source fingerprint matches, else by tokenizing the chapter from
// the archive. Every resident chapter holds a reservation in the session's
// byte budget for its estimated size.
package chaptercache

import (
	"context"
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/budget"
	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/errs"
	"github.com/yuanying/epubpager/internal/store"
	"github.com/yuanying/epubpager/internal/style"
)

const (
	// DefaultCapacity is the number of chapters kept resident once the
	// reader settles on a chapter. While switching, the pinned chapter and
	// the one being loaded are both resident.
	DefaultCapacity = 1

	// maxResident bounds the LRU itself; pinned chapters may push the
	// resident count past Capacity but never past this.
	maxResident = 16

	sheetCacheSize = 16

	// tokenizerVersion is folded into source fingerprints; bump it when
	// tokenization output changes.
	tokenizerVersion = 1
)

// ErrNoChapter is returned for chapter indexes outside the spine.
var ErrNoChapter = errors.New("chapter out of range")

// Config configures a Cache.
type Config struct {
	Archive  *archive.Archive
	Chapters []string // Archive path of each spine entry
	Store    *store.Store
	Budget   *budget.Budget
	Logger   *zap.Logger

	Capacity int // Default DefaultCapacity

	// Tokenizer limits; zero selects the content package defaults. They
	// are halved for a degraded retry after the budget runs out.
	MaxBuf     int
	MaxTextRun int
	MaxTokens  int

	// ImageSize is passed to the tokenizer for images without declared
	// dimensions.
	ImageSize func(path string) (width, height int, ok bool)
}

// Stats counts cache activity.
type Stats struct {
	Hits          int
	Misses        int
	DiskLoads     int
	Tokenizations int
	Evictions     int
	Degraded      int
	Resident      int
	ResidentBytes int64
}

type entry struct {
	stream *content.Stream
	size   int64
}

// Cache is a chapter cache. It is not safe for concurrent use; the session
// worker owns it.
type Cache struct {
	cfg    Config
	log    *zap.Logger
	lru    *simplelru.LRU[int, *entry]
	pinned map[int]bool
	sheets *lru.Cache[string, *style.Stylesheet]
	stats  Stats
}

// New returns an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Archive == nil || cfg.Budget == nil {
		return nil, errors.New("chaptercache: archive and budget are required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxBuf <= 0 {
		cfg.MaxBuf = content.DefaultMaxBuf
	}
	if cfg.MaxTextRun <= 0 {
		cfg.MaxTextRun = content.DefaultMaxTextRun
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Cache{
		cfg:    cfg,
		log:    cfg.Logger.Named("chaptercache"),
		pinned: make(map[int]bool),
	}
	var err error
	c.lru, err = simplelru.NewLRU[int, *entry](max(cfg.Capacity, maxResident), c.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "chaptercache: create lru")
	}
	c.sheets, err = lru.New[string, *style.Stylesheet](sheetCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "chaptercache: create stylesheet cache")
	}
	return c, nil
}

// Len returns the number of chapters in the book.
func (c *Cache) Len() int {
	return len(c.cfg.Chapters)
}

// Path returns the archive path of chapter.
func (c *Cache) Path(chapter int) string {
	if chapter < 0 || chapter >= len(c.cfg.Chapters) {
		return ""
	}
	return c.cfg.Chapters[chapter]
}

// Pin keeps chapter resident until Unpin.
func (c *Cache) Pin(chapter int) {
	c.pinned[chapter] = true
}

// Unpin makes chapter evictable again and trims the cache back to its
// capacity.
func (c *Cache) Unpin(chapter int) {
	delete(c.pinned, chapter)
	c.shrink(c.cfg.Capacity)
}

// Resident reports whether chapter is in memory.
func (c *Cache) Resident(chapter int) bool {
	return c.lru.Contains(chapter)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Resident = c.lru.Len()
	s.ResidentBytes = 0
	for _, e := range c.lru.Values() {
		s.ResidentBytes += e.size
	}
	return s
}

// Get returns the token stream of chapter.
func (c *Cache) Get(ctx context.Context, chapter int) (*content.Stream, error) {
	if chapter < 0 || chapter >= len(c.cfg.Chapters) {
		return nil, fmt.Errorf("chapter %d of %d: %w", chapter, len(c.cfg.Chapters), ErrNoChapter)
	}
	if e, ok := c.lru.Get(chapter); ok {
		c.stats.Hits++
		return e.stream, nil
	}
	c.stats.Misses++
	c.makeRoom()

	e, err := c.admit(ctx, chapter, c.cfg.MaxBuf, c.cfg.MaxTextRun, false)
	if errs.Is(err, errs.KindOutOfBudget) {
		c.log.Warn("budget exhausted, retrying degraded",
			zap.Int("chapter", chapter), zap.Int64("in_use", c.cfg.Budget.InUse()), zap.Error(err))
		c.EvictAll()
		c.stats.Degraded++
		e, err = c.admit(ctx, chapter, c.cfg.MaxBuf/2, c.cfg.MaxTextRun/2, true)
	}
	if err != nil {
		return nil, err
	}
	c.lru.Add(chapter, e)
	return e.stream, nil
}

// Evict drops chapter if it is resident and not pinned.
func (c *Cache) Evict(chapter int) bool {
	if c.pinned[chapter] {
		return false
	}
	return c.lru.Remove(chapter)
}

// EvictAll drops every chapter that is not pinned.
func (c *Cache) EvictAll() {
	for _, k := range c.lru.Keys() {
		c.Evict(k)
	}
}

// Close drops every chapter, pinned or not, returning their reservations.
func (c *Cache) Close() {
	clear(c.pinned)
	c.lru.Purge()
	c.sheets.Purge()
}

// makeRoom evicts least recently used chapters until one more fits.
func (c *Cache) makeRoom() {
	c.shrink(c.cfg.Capacity - 1)
}

// shrink evicts least recently used chapters until at most n are resident
// or only pinned ones remain.
func (c *Cache) shrink(n int) {
	for c.lru.Len() > n {
		evicted := false
		for _, k := range c.lru.Keys() { // oldest first
			if c.Evict(k) {
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (c *Cache) onEvict(chapter int, e *entry) {
	c.cfg.Budget.Release(e.size)
	c.stats.Evictions++
	c.log.Debug("evicted chapter", zap.Int("chapter", chapter), zap.Int64("bytes", e.size))
}

// admit produces the stream of chapter and reserves its size.
func (c *Cache) admit(ctx context.Context, chapter, maxBuf, maxTextRun int, degraded bool) (*entry, error) {
	path := c.cfg.Chapters[chapter]
	src := c.sourceFingerprint(path, maxBuf, maxTextRun)

	st, err := c.loadPersisted(chapter, src)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st, err = c.tokenize(ctx, path, maxBuf, maxTextRun)
		if err != nil {
			return nil, err
		}
		st.Source, st.Degraded = src, degraded
		if c.cfg.Store != nil && st.Persistent() {
			if err := c.cfg.Store.SaveTokens(chapter, src, st); err != nil {
				return nil, err
			}
		}
	}

	st.Source, st.Degraded = src, degraded

	size := int64(st.SizeBytes())
	if err := c.cfg.Budget.Reserve(size); err != nil {
		return nil, err
	}
	for _, w := range st.Warnings {
		c.log.Warn("content", zap.String("chapter", path), zap.String("warning", w))
	}
	return &entry{stream: st, size: size}, nil
}

// loadPersisted returns nil without error when nothing usable is stored.
func (c *Cache) loadPersisted(chapter int, src [16]byte) (*content.Stream, error) {
	if c.cfg.Store == nil {
		return nil, nil
	}
	st, err := c.cfg.Store.LoadTokens(chapter, src)
	switch {
	case err == nil:
		c.stats.DiskLoads++
		return st, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case errors.Is(err, store.ErrStale):
		c.log.Info("rebuilding stale token cache", zap.Int("chapter", chapter), zap.Error(err))
		return nil, nil
	}
	return nil, err
}

func (c *Cache) tokenize(ctx context.Context, path string, maxBuf, maxTextRun int) (*content.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.stats.Tokenizations++

	rc, err := c.cfg.Archive.Stream(path)
	if err != nil {
		// An unreadable chapter shows as empty rather than failing the book.
		c.log.Warn("chapter unreadable", zap.String("chapter", path), zap.Error(err))
		return &content.Stream{
			Path:      path,
			Styles:    style.NewTable(),
			Warnings:  []string{err.Error()},
			Truncated: true,
		}, nil
	}
	defer rc.Close()

	b := c.cfg.Budget
	st, err := content.Tokenize(rc, content.Options{
		Path:           path,
		Resolver:       style.NewResolver(),
		LoadStylesheet: c.stylesheet,
		ImageSize:      c.cfg.ImageSize,
		MaxBuf:         maxBuf,
		MaxTextRun:     maxTextRun,
		MaxTokens:      c.cfg.MaxTokens,
		MaxBytes:       int(max(b.Ceiling()-b.InUse(), 1)),
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

// stylesheet loads and parses a linked stylesheet, sharing parsed sheets
// between chapters.
func (c *Cache) stylesheet(path string) (*style.Stylesheet, error) {
	if s, ok := c.sheets.Get(path); ok {
		return s, nil
	}
	data, err := c.cfg.Archive.ReadAll(path, 4*style.MaxSheetBytes)
	if err != nil {
		return nil, err
	}
	s := style.ParseStylesheet(string(data))
	c.sheets.Add(path, s)
	return s, nil
}

// Source returns the fingerprint a full tokenization of chapter carries in
// Stream.Source.
func (c *Cache) Source(chapter int) [16]byte {
	return c.sourceFingerprint(c.Path(chapter), c.cfg.MaxBuf, c.cfg.MaxTextRun)
}

func (c *Cache) sourceFingerprint(path string, maxBuf, maxTextRun int) [16]byte {
	h := blake3.New()
	if fp, ok := c.cfg.Archive.EntryFingerprint(path); ok {
		h.Write(fp[:])
	}
	var buf [8]byte
	for _, v := range []int{tokenizerVersion, maxBuf, maxTextRun, c.cfg.MaxTokens} {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
