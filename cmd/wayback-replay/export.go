package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigman78/wayback-replay/internal/config"
	"github.com/sigman78/wayback-replay/internal/rewrite"
	"github.com/sigman78/wayback-replay/internal/wayback"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		baseURL     string
		outDir      string
		pretty      bool
		cdxFile     string
		cssMode     string
		threads     int
		stopOnError bool
		noProgress  bool
	)
	cmd := &cobra.Command{
		Use:   "export <archive-dir>",
		Short: "Write an offline copy with links rewritten to relative paths",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				return usageError{fmt.Errorf("--base-url is required")}
			}
			if outDir == "" {
				return usageError{fmt.Errorf("--out is required")}
			}
			if threads <= 0 {
				return usageError{fmt.Errorf("--threads must be greater than 0")}
			}
			log, err := g.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := openArchive(config.ArchiveConfig{
				BaseURL:    baseURL,
				Directory:  args[0],
				PrettyPath: pretty,
				CDXFile:    cdxFile,
				CSSMode:    cssMode,
			}, log)
			if err != nil {
				return err
			}

			rc := config.RewriteConfig{CSSMode: "stream"}
			if cssMode != "" {
				rc.CSSMode = cssMode
			}
			d, err := rewrite.NewDispatcher(rewriteConfig(rc, log, nil))
			if err != nil {
				return usageError{err}
			}

			exp := wayback.NewExporter(wayback.ExportConfig{
				Threads:      threads,
				StopOnError:  stopOnError,
				Output:       wayback.NewLocalStorage(outDir),
				Logger:       log,
				ShowProgress: !noProgress,
			}, d)
			stats, err := exp.Export(cmd.Context(), a)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d files (%d rewritten, %d copied, %d failed) to %s\n",
				stats.Files, stats.Rewritten, stats.Copied, stats.Failed, outDir)
			if stats.Failed > 0 {
				log.Warn("some files could not be exported", zap.Int("failed", stats.Failed))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&baseURL, "base-url", "", "URL or domain the archive was downloaded from")
	f.StringVar(&outDir, "out", "", "Output directory")
	f.BoolVar(&pretty, "pretty-path", false, "Archive uses the pretty path layout")
	f.StringVar(&cdxFile, "cdx", "", "CDX manifest (default: <archive-dir>/cdx.json when present)")
	f.StringVar(&cssMode, "css-mode", "", "CSS rewriter: stream|rules")
	f.IntVar(&threads, "threads", 3, "Concurrent export workers")
	f.BoolVar(&stopOnError, "stop-on-error", false, "Stop on the first failed file")
	f.BoolVar(&noProgress, "no-progress", false, "Do not draw a progress bar")
	return cmd
}
