package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigman78/wayback-replay/internal/config"
	"github.com/sigman78/wayback-replay/internal/logging"
	"github.com/sigman78/wayback-replay/internal/metrics"
	"github.com/sigman78/wayback-replay/internal/replay"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured archives over HTTP",
		Long: `Serve every archive of the config file. Archived HTML and CSS are rewritten
on the fly; everything else is streamed unchanged.

Endpoints:
  GET /ServeContent?url=<archived URL>
  GET /archives
  GET /healthz
  GET /metrics`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			level := cfg.Logging.Level
			if g.debug {
				level = "debug"
			}
			log, err := logging.New(level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			reg, err := openRegistry(cfg, log)
			if err != nil {
				return err
			}
			m := metrics.NewCollector()
			srv, err := replay.New(replay.Options{
				Registry:        reg,
				Rewrite:         rewriteConfig(cfg.Rewrite, log, m),
				PublicURL:       cfg.PublicURL,
				Target:          cfg.Target,
				ListenAddr:      cfg.ListenAddr,
				ReadTimeout:     cfg.ReadTimeout,
				WriteTimeout:    cfg.WriteTimeout,
				ShutdownTimeout: cfg.ShutdownTimeout,
				RateLimit: replay.RateLimit{
					Enabled: cfg.RateLimit.Enabled,
					RPS:     cfg.RateLimit.RPS,
					Burst:   cfg.RateLimit.Burst,
				},
				Logger:  log,
				Metrics: m,
			})
			if err != nil {
				return err
			}
			log.Info("starting replay", zap.String("public_url", cfg.PublicURL), zap.String("target", cfg.Target))
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override listen_addr")
	return cmd
}
