package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/epub"
	"github.com/yuanying/epubpager/internal/imagefit"
	"github.com/yuanying/epubpager/internal/layout"
	"github.com/yuanying/epubpager/internal/session"
	"github.com/yuanying/epubpager/internal/store"
	"github.com/yuanying/epubpager/internal/style"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <book.epub>",
		Short: "Show metadata, reading order and table of contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, done, err := openBook(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			md := s.Metadata()
			fmt.Fprintf(out, "Title:    %s\n", md.Title)
			for _, c := range md.Creators {
				fmt.Fprintf(out, "Creator:  %s\n", c.Name)
			}
			if md.Language != "" {
				fmt.Fprintf(out, "Language: %s\n", md.Language)
			}
			if c := s.Cover(); c != nil {
				fmt.Fprintf(out, "Cover:    %s (%s)\n", c.Href, c.DetectionMethod)
			}
			fmt.Fprintf(out, "Chapters: %d\n", len(s.Spine()))
			for i, e := range s.Spine() {
				fmt.Fprintf(out, "  %3d  %s\n", i, e.Path)
			}
			if toc := s.TOC(); toc != nil {
				fmt.Fprintln(out, "Contents:")
				toc.Walk(func(depth int, np epub.NavPoint) {
					fmt.Fprintf(out, "%s%s (chapter %d)\n", strings.Repeat("  ", depth+1), np.Label, np.SpineIndex)
				})
			}
			pos := s.Position()
			fmt.Fprintf(out, "Position: chapter %d, page %d, %d%%\n", pos.Chapter, pos.Page+1, s.Progress())
			return nil
		},
	}
}

func newTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens <book.epub>",
		Short: "Dump the token stream of a chapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chapter, _ := cmd.Flags().GetInt("chapter")
			opts, err := readCLIOptions(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(opts)
			defer logger.Sync()

			arc, err := archive.OpenFile(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}
			defer arc.Close()
			_, pkg, err := epub.Open(arc, logger)
			if err != nil {
				return err
			}
			if chapter < 0 || chapter >= len(pkg.Spine) {
				return fmt.Errorf("chapter %d out of range [0, %d)", chapter, len(pkg.Spine))
			}
			path := pkg.Spine[chapter].Path
			rc, err := arc.Stream(path)
			if err != nil {
				return err
			}
			defer rc.Close()

			st, err := content.Tokenize(rc, content.Options{
				Path: path,
				LoadStylesheet: func(p string) (*style.Stylesheet, error) {
					data, err := arc.ReadAll(p, 4*style.MaxSheetBytes)
					if err != nil {
						return nil, err
					}
					return style.ParseStylesheet(string(data)), nil
				},
				ImageSize: imagefit.New(arc).Size,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, tok := range st.Tokens {
				switch tok.Kind {
				case content.KindImage:
					fmt.Fprintf(out, "%6d %-14s %s %dx%d\n", i, tok.Kind, tok.Text, tok.Width, tok.Height)
				case content.KindText:
					fmt.Fprintf(out, "%6d %-14s s%-3d %q\n", i, tok.Kind, tok.Style, tok.Text)
				default:
					fmt.Fprintf(out, "%6d %-14s s%-3d level %d space %.2f\n", i, tok.Kind, tok.Style, tok.Level, tok.Space)
				}
			}
			for _, w := range st.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "%s tokens, %d styles, %s resident\n",
				humanize.Comma(int64(st.Len())), st.Styles.Len(), humanize.IBytes(uint64(st.SizeBytes())))
			return nil
		},
	}
	cmd.Flags().IntP("chapter", "c", 0, "Spine index of the chapter")
	return cmd
}

func newPaginateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paginate <book.epub>",
		Short: "List the pages of a chapter",
		Long:  "List the pages of a chapter. The reading position moves to the chapter's last page.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chapter, _ := cmd.Flags().GetInt("chapter")
			s, _, done, err := openBook(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			p, err := s.GotoChapter(ctx, chapter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pages := 0
			for p.Chapter == chapter {
				pages++
				first, _, _ := strings.Cut(p.Text(), "\n")
				fmt.Fprintf(out, "%4d  %#016x  %2d lines %d images  %s\n", p.Index+1, uint64(p.Start), len(p.Lines), len(p.Images), first)
				p, err = s.NextPage(ctx)
				if errors.Is(err, session.ErrEndOfBook) {
					break
				}
				if err != nil {
					return err
				}
			}
			if p != nil && p.Chapter != chapter {
				// Stay on the chapter's last page.
				if _, err := s.PrevPage(ctx); err != nil {
					return err
				}
			}
			st := s.Stats()
			fmt.Fprintf(out, "%d pages; %s resident, peak %s of %s\n", pages,
				humanize.IBytes(uint64(st.InUse)), humanize.IBytes(uint64(st.Peak)), humanize.IBytes(uint64(st.Ceiling)))
			return nil
		},
	}
	cmd.Flags().IntP("chapter", "c", 0, "Spine index of the chapter")
	return cmd
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <book.epub>",
		Short: "Render pages from the reading position to PNG files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pages, _ := cmd.Flags().GetInt("pages")
			dir, _ := cmd.Flags().GetString("out")
			back, _ := cmd.Flags().GetBool("back")
			chapter, _ := cmd.Flags().GetInt("goto")

			s, opts, done, err := openBook(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			p := s.CurrentPage()
			if chapter >= 0 {
				if p, err = s.GotoChapter(ctx, chapter); err != nil {
					return err
				}
			}
			if p == nil {
				return fmt.Errorf("no page to show: %w", s.Err())
			}
			var r layout.Rasterizer = layout.DefaultFaceMetrics()
			if m, ok := opts.MetricsSource().(layout.Rasterizer); ok {
				r = m
			}
			out := cmd.OutOrStdout()
			for i := 0; i < pages; i++ {
				img := layout.Render(p, s.Settings(), r, s.LoadImage)
				name := filepath.Join(dir, fmt.Sprintf("page-%03d-%04d.png", p.Chapter, p.Index+1))
				if err := imaging.Save(img, name); err != nil {
					return fmt.Errorf("save %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s  chapter %d page %d  %d%%\n", name, p.Chapter, p.Index+1, s.Progress())
				if i == pages-1 {
					break
				}
				if back {
					p, err = s.PrevPage(ctx)
				} else {
					p, err = s.NextPage(ctx)
				}
				if errors.Is(err, session.ErrEndOfBook) || errors.Is(err, session.ErrStartOfBook) {
					break
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntP("pages", "n", 1, "Number of pages to render")
	cmd.Flags().StringP("out", "o", ".", "Output directory")
	cmd.Flags().Bool("back", false, "Page backwards")
	cmd.Flags().Int("goto", -1, "Start at the first page of this chapter")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache <book.epub>",
		Short: "Show or purge the persisted caches of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			purge, _ := cmd.Flags().GetBool("purge")
			opts, err := readCLIOptions(cmd)
			if err != nil {
				return err
			}
			fsys := afero.NewOsFs()
			arc, err := archive.OpenFile(fsys, args[0])
			if err != nil {
				return err
			}
			defer arc.Close()

			st := store.New(fsys, opts.CacheDir, arc.Fingerprint())
			n, err := st.Usage()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", st.Dir(), humanize.IBytes(uint64(n)))
			if purge {
				if err := st.Purge(); err != nil {
					return err
				}
				fmt.Fprintln(out, "purged")
			}
			return nil
		},
	}
	cmd.Flags().Bool("purge", false, "Remove the cached files")
	return cmd
}
