package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigman78/wayback-replay/internal/config"
	"github.com/sigman78/wayback-replay/internal/replay"
	"github.com/sigman78/wayback-replay/internal/rewrite"
	"github.com/sigman78/wayback-replay/internal/wayback"
)

func newRewriteCmd(g *globalFlags) *cobra.Command {
	var (
		baseURL   string
		docURL    string
		mimeType  string
		charset   string
		inPath    string
		cssMode   string
		target    string
		publicURL string
		timestamp string
	)
	cmd := &cobra.Command{
		Use:   "rewrite",
		Short: "Rewrite one HTML or CSS document from stdin (or --in) to stdout",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" || docURL == "" {
				return usageError{fmt.Errorf("--base-url and --url are required")}
			}
			base, err := wayback.NormalizeBaseURL(baseURL)
			if err != nil {
				return usageError{fmt.Errorf("invalid base URL: %w", err)}
			}
			log, err := g.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			var t rewrite.Target
			switch target {
			case replay.TargetServe:
				t = wayback.ServeContentTarget(publicURL)
			case replay.TargetWayback:
				t = wayback.WaybackTarget(nil, timestamp)
			default:
				return usageError{fmt.Errorf("--target must be serve or wayback, got %q", target)}
			}

			d, err := rewrite.NewDispatcher(rewriteConfig(config.RewriteConfig{CSSMode: cssMode}, log, nil))
			if err != nil {
				return usageError{err}
			}

			var in io.ReadCloser = io.NopCloser(cmd.InOrStdin())
			if inPath != "" {
				f, err := os.Open(inPath) //nolint:gosec // G304: path given on the command line
				if err != nil {
					return err
				}
				in = f
			}
			rc, err := d.CreateLinkRewriter(mimeType, rewrite.StemSet(base.Stems), in, charset, docURL, t)
			if err != nil {
				_ = in.Close()
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&baseURL, "base-url", "", "URL or domain of the archived site")
	f.StringVar(&docURL, "url", "", "Absolute URL the document was captured from")
	f.StringVar(&mimeType, "mime", "text/html", "Media type: text/html or text/css")
	f.StringVar(&charset, "charset", "utf-8", "Document character encoding")
	f.StringVar(&inPath, "in", "", "Input file (default: stdin)")
	f.StringVar(&cssMode, "css-mode", "stream", "CSS rewriter: stream|rules")
	f.StringVar(&target, "target", replay.TargetServe, "Link target: serve|wayback")
	f.StringVar(&publicURL, "public-url", "http://localhost:8080/", "Replay server root for the serve target")
	f.StringVar(&timestamp, "timestamp", "2", "Wayback timestamp for the wayback target")
	return cmd
}
