package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigman78/wayback-replay/internal/wayback"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	var (
		dir        string
		from, to   string
		exactURL   bool
		cdxRate    int
		cdxRetries int
		endpoint   string
		noProgress bool
	)
	cmd := &cobra.Command{
		Use:   "index <url>",
		Short: "Fetch the CDX capture manifest of a site into its archive directory",
		Long: `Fetch the list of captures for a site from the Wayback Machine CDX API and
store it as cdx.json in the archive directory. The manifest tells the server
which capture a link should point at and lets pretty-path archives be exported.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := wayback.NormalizeBaseURL(args[0])
			if err != nil {
				return usageError{fmt.Errorf("invalid URL: %w", err)}
			}
			if dir == "" {
				dir = "websites/" + base.BareHost
			}
			log, err := g.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			c := wayback.NewCDXClient(cdxRate, cdxRetries, log)
			if endpoint != "" {
				c.Endpoint = endpoint
			}
			c.From, c.To = from, to
			if !noProgress {
				c.Progress = wayback.NewIndexProgress()
			}
			entries, err := c.FetchAll(cmd.Context(), base.Variants, exactURL)
			c.Progress.Finish()
			if err != nil {
				return err
			}
			if err := wayback.WriteCDXFile(wayback.NewLocalStorage(dir), defaultCDXFile, entries); err != nil {
				return err
			}
			log.Info("cdx manifest written",
				zap.String("url", base.CanonicalURL),
				zap.String("directory", dir),
				zap.Int("captures", len(entries)))
			fmt.Fprintf(cmd.OutOrStdout(), "%d captures written to %s/%s\n", len(entries), dir, defaultCDXFile)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "directory", "", "Archive directory (default: websites/<host>)")
	f.StringVar(&from, "from", "", "Start timestamp YYYYMMDDhhmmss")
	f.StringVar(&to, "to", "", "End timestamp YYYYMMDDhhmmss")
	f.BoolVar(&exactURL, "exact-url", false, "Only the exact URL, no wildcard /*")
	f.IntVar(&cdxRate, "cdx-rate", 60, "CDX API requests per minute")
	f.IntVar(&cdxRetries, "cdx-retries", 5, "Max retries on CDX throttle or 5xx")
	f.StringVar(&endpoint, "cdx-endpoint", "", "CDX API endpoint (default: Wayback Machine)")
	f.BoolVar(&noProgress, "no-progress", false, "Do not draw a progress spinner")
	return cmd
}
