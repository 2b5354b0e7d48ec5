// Command wayback-replay serves and exports wayback-dl archives with their
// links rewritten to stay inside the archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigman78/wayback-replay/internal/logging"
)

// usageError marks command-line mistakes, which exit with code 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	debug      bool
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	level := g.logLevel
	if g.debug {
		level = "debug"
	}
	return logging.New(level, g.logFormat)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "wayback-replay",
		Short: "Replay and export archived websites with rewritten links",
		Long: `wayback-replay serves sites downloaded by wayback-dl, rewriting links in
HTML and CSS so that they resolve inside the archive instead of the live web.

Examples:
  # Serve every archive listed in a config file
  wayback-replay serve --config replay.yaml

  # Fetch the capture manifest for an archive directory
  wayback-replay index example.com --directory websites/example.com

  # Write a browsable offline copy
  wayback-replay export websites/example.com --base-url example.com --out mirror/

  # Rewrite one document from stdin
  wayback-replay rewrite --base-url example.com --url http://example.com/a.css --mime text/css < a.css`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "console", "Log format: json|console")
	pf.BoolVar(&g.debug, "debug", false, "Enable verbose debug logging")

	root.AddCommand(
		newServeCmd(g),
		newExportCmd(g),
		newIndexCmd(g),
		newRewriteCmd(g),
		newVersionCmd(),
	)
	return root
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
