package session

import (
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yuanying/epubpager/internal/chaptercache"
	"github.com/yuanying/epubpager/internal/config"
	"github.com/yuanying/epubpager/internal/layout"
)

const (
	DefaultCeiling       = 1 << 20
	DefaultQueueSize     = 8
	DefaultFlushInterval = 30 * time.Second
	DefaultCacheDir      = ".epubpager"
)

// Options configures a session. Zero values select the defaults.
type Options struct {
	Settings layout.Settings
	Metrics  layout.Metrics // Default layout.DefaultCellMetrics()

	// Fs holds persisted token streams, page maps and the reading position
	// under CacheDir. Default an in-memory filesystem.
	Fs       afero.Fs
	CacheDir string

	Ceiling       int64 // Resident byte budget
	CacheChapters int   // Resident chapters
	QueueSize     int
	FlushInterval time.Duration // Minimum time between position writes
	MaxTokens     int           // Per chapter; 0 is unlimited

	Logger *zap.Logger
}

// NewOptions converts loaded configuration into session options.
func NewOptions(c config.Options, fsys afero.Fs, logger *zap.Logger) Options {
	return Options{
		Settings:      c.Layout(),
		Metrics:       c.MetricsSource(),
		Fs:            fsys,
		CacheDir:      c.CacheDir,
		Ceiling:       c.Ceiling,
		CacheChapters: c.CacheChapters,
		QueueSize:     c.QueueSize,
		FlushInterval: c.FlushInterval,
		MaxTokens:     c.MaxTokens,
		Logger:        logger,
	}
}

func (o Options) withDefaults() Options {
	if o.Settings == (layout.Settings{}) {
		o.Settings = layout.DefaultSettings()
	}
	if o.Metrics == nil {
		o.Metrics = layout.DefaultCellMetrics()
	}
	if o.Fs == nil {
		o.Fs = afero.NewMemMapFs()
	}
	if o.CacheDir == "" {
		o.CacheDir = DefaultCacheDir
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	if o.CacheChapters <= 0 {
		o.CacheChapters = chaptercache.DefaultCapacity
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.FlushInterval < 0 {
		o.FlushInterval = 0
	} else if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
