// Package config loads reader options from defaults, an optional config
// file and EPUBPAGER_* environment variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/yuanying/epubpager/internal/layout"
)

// EnvPrefix prefixes environment overrides, e.g. EPUBPAGER_FONT_SIZE.
const EnvPrefix = "EPUBPAGER"

const (
	defaultCacheDir       = ".epubpager"
	defaultCeiling        = 1 << 20
	defaultCacheChapters  = 1
	defaultQueueSize      = 8
	defaultFlushInterval  = 30 * time.Second
	defaultLogLevel       = "info"
	defaultLogFileMaxSize = 5
	defaultLogMaxBackups  = 3
	defaultLogMaxAge      = 28
)

// Options is the full configuration. Field tags are mapstructure tags
// because viper decodes through mapstructure.
type Options struct {
	// Screen and typography
	Width            int     `mapstructure:"width"`
	Height           int     `mapstructure:"height"`
	MarginTop        int     `mapstructure:"margin_top"`
	MarginRight      int     `mapstructure:"margin_right"`
	MarginBottom     int     `mapstructure:"margin_bottom"`
	MarginLeft       int     `mapstructure:"margin_left"`
	FontSize         int     `mapstructure:"font_size"`
	FontFamily       string  `mapstructure:"font_family"`
	LineSpacing      float64 `mapstructure:"line_spacing"`
	ParagraphSpacing float64 `mapstructure:"paragraph_spacing"`
	// Metrics selects the measurement source: "cell" or "face"
	Metrics string `mapstructure:"metrics"`

	// CacheDir holds persisted token streams, page maps and positions
	CacheDir string `mapstructure:"cache_dir"`
	// Ceiling is the resident byte budget of a session
	Ceiling int64 `mapstructure:"ceiling"`
	// CacheChapters is the number of chapters kept resident
	CacheChapters int `mapstructure:"cache_chapters"`
	QueueSize     int `mapstructure:"queue_size"`
	// MaxTokens caps the tokens kept per chapter; 0 is unlimited
	MaxTokens int `mapstructure:"max_tokens"`
	// FlushInterval throttles reading position writes
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	LogLevel          string `mapstructure:"log_level"`
	LogFile           string `mapstructure:"log_file"`
	LogFileMaxSize    int    `mapstructure:"log_file_max_size"` // megabytes
	LogFileMaxBackups int    `mapstructure:"log_file_max_backups"`
	LogFileMaxAge     int    `mapstructure:"log_file_max_age"` // days
	LogCompress       bool   `mapstructure:"log_compress"`
}

// Defaults returns the built-in options.
func Defaults() Options {
	s := layout.DefaultSettings()
	return Options{
		Width:             s.Width,
		Height:            s.Height,
		MarginTop:         s.MarginTop,
		MarginRight:       s.MarginRight,
		MarginBottom:      s.MarginBottom,
		MarginLeft:        s.MarginLeft,
		FontSize:          s.FontSize,
		FontFamily:        s.FontFamily,
		LineSpacing:       s.LineSpacing,
		ParagraphSpacing:  s.ParagraphSpacing,
		Metrics:           "cell",
		CacheDir:          defaultCacheDir,
		Ceiling:           defaultCeiling,
		CacheChapters:     defaultCacheChapters,
		QueueSize:         defaultQueueSize,
		FlushInterval:     defaultFlushInterval,
		LogLevel:          defaultLogLevel,
		LogFileMaxSize:    defaultLogFileMaxSize,
		LogFileMaxBackups: defaultLogMaxBackups,
		LogFileMaxAge:     defaultLogMaxAge,
	}
}

// New returns a viper instance reading from fsys with every default and
// environment binding registered.
func New(fsys afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fsys)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	for key, val := range map[string]any{
		"width":                d.Width,
		"height":               d.Height,
		"margin_top":           d.MarginTop,
		"margin_right":         d.MarginRight,
		"margin_bottom":        d.MarginBottom,
		"margin_left":          d.MarginLeft,
		"font_size":            d.FontSize,
		"font_family":          d.FontFamily,
		"line_spacing":         d.LineSpacing,
		"paragraph_spacing":    d.ParagraphSpacing,
		"metrics":              d.Metrics,
		"cache_dir":            d.CacheDir,
		"ceiling":              d.Ceiling,
		"cache_chapters":       d.CacheChapters,
		"queue_size":           d.QueueSize,
		"max_tokens":           d.MaxTokens,
		"flush_interval":       d.FlushInterval,
		"log_level":            d.LogLevel,
		"log_file":             d.LogFile,
		"log_file_max_size":    d.LogFileMaxSize,
		"log_file_max_backups": d.LogFileMaxBackups,
		"log_file_max_age":     d.LogFileMaxAge,
		"log_compress":         d.LogCompress,
	} {
		v.SetDefault(key, val)
	}
	return v
}

// Load reads file (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Options, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, errors.Wrapf(err, "unable to read config file %s", file)
		}
	}
	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, errors.Wrap(err, "unable to decode options")
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks the options that would otherwise fail deep inside a
// session.
func (o Options) Validate() error {
	if err := o.Layout().Validate(); err != nil {
		return errors.Wrap(err, "invalid layout options")
	}
	switch {
	case o.Metrics != "cell" && o.Metrics != "face":
		return errors.Errorf("unknown metrics %q", o.Metrics)
	case o.Ceiling <= 0:
		return errors.Errorf("ceiling must be positive, got %d", o.Ceiling)
	case o.CacheChapters <= 0 || o.QueueSize <= 0:
		return errors.New("cache_chapters and queue_size must be positive")
	case o.MaxTokens < 0:
		return errors.Errorf("max_tokens must not be negative, got %d", o.MaxTokens)
	}
	return nil
}

// Layout returns the layout settings the options describe.
func (o Options) Layout() layout.Settings {
	return layout.Settings{
		Width:            o.Width,
		Height:           o.Height,
		MarginTop:        o.MarginTop,
		MarginRight:      o.MarginRight,
		MarginBottom:     o.MarginBottom,
		MarginLeft:       o.MarginLeft,
		FontSize:         o.FontSize,
		FontFamily:       o.FontFamily,
		LineSpacing:      o.LineSpacing,
		ParagraphSpacing: o.ParagraphSpacing,
	}
}

// MetricsSource returns the measurement source the options select.
func (o Options) MetricsSource() layout.Metrics {
	if o.Metrics == "face" {
		return layout.DefaultFaceMetrics()
	}
	return layout.DefaultCellMetrics()
}
