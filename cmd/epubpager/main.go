package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yuanying/epubpager/internal/config"
	"github.com/yuanying/epubpager/internal/log"
	"github.com/yuanying/epubpager/internal/session"
)

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"width":      "width",
	"height":     "height",
	"font-size":  "font_size",
	"metrics":    "metrics",
	"cache-dir":  "cache_dir",
	"ceiling":    "ceiling",
	"max-tokens": "max_tokens",
	"log-level":  "log_level",
	"log-file":   "log_file",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "epubpager",
		Short: "Paginate EPUB books for small screens",
		Long: `epubpager opens EPUB books with a bounded memory budget, lays their
chapters out into fixed-size pages and remembers where you stopped reading.

Options come from defaults, an optional config file, EPUBPAGER_* environment
variables and flags, in increasing precedence.`,
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.String("config", "", "Config file (yaml, toml or json)")
	f.Int("width", 0, "Screen width in pixels")
	f.Int("height", 0, "Screen height in pixels")
	f.Int("font-size", 0, "Base font size in pixels")
	f.String("metrics", "", "Text measurement: cell or face")
	f.String("cache-dir", "", "Directory for page maps, token caches and reading positions")
	f.Int64("ceiling", 0, "Resident memory budget in bytes")
	f.Int("max-tokens", 0, "Tokens kept per chapter, 0 for no limit")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	f.String("log-file", "", "Also write JSON logs to this file")

	root.AddCommand(newInfoCmd(), newTokensCmd(), newPaginateCmd(), newReadCmd(), newCacheCmd())
	return root
}

// readCLIOptions resolves the configuration for cmd.
func readCLIOptions(cmd *cobra.Command) (config.Options, error) {
	v := config.New(afero.NewOsFs())
	if err := bindFlags(v, cmd); err != nil {
		return config.Options{}, err
	}
	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		fl := cmd.Flags().Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func newLogger(opts config.Options) *zap.Logger {
	return log.New(log.Options{
		Level:      opts.LogLevel,
		File:       opts.LogFile,
		MaxSize:    opts.LogFileMaxSize,
		MaxBackups: opts.LogFileMaxBackups,
		MaxAge:     opts.LogFileMaxAge,
		Compress:   opts.LogCompress,
	}, os.Stderr)
}

// openBook opens the book at path with the options of cmd. The returned
// function closes the session and flushes the logger.
func openBook(cmd *cobra.Command, path string) (*session.Session, config.Options, func() error, error) {
	opts, err := readCLIOptions(cmd)
	if err != nil {
		return nil, opts, nil, err
	}
	logger := newLogger(opts)
	fsys := afero.NewOsFs()
	s, err := session.OpenFile(cmd.Context(), fsys, path, session.NewOptions(opts, fsys, logger))
	if err != nil {
		logger.Sync()
		return nil, opts, nil, fmt.Errorf("open %s: %w", path, err)
	}
	done := func() error {
		err := s.Close()
		logger.Sync()
		return err
	}
	return s, opts, done, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
