package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigman78/wayback-replay/internal/config"
	"github.com/sigman78/wayback-replay/internal/rewrite"
	"github.com/sigman78/wayback-replay/internal/wayback"
)

// defaultCDXFile is where `index` stores the manifest inside an archive.
const defaultCDXFile = "cdx.json"

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// rewriteConfig turns the rewrite section of the configuration into a
// dispatcher configuration.
func rewriteConfig(rc config.RewriteConfig, log *zap.Logger, obs rewrite.Observer) rewrite.Config {
	var rules []rewrite.Rule
	if len(rc.ScriptDenylist) > 0 {
		rules = append(rules, rewrite.Rule{Kind: rewrite.RuleScriptStrip, Denylist: rc.ScriptDenylist})
	}
	rules = append(rules, rewrite.DefaultHTMLRules()...)
	if rc.InjectScript {
		rules = append(rules, rewrite.Rule{Kind: rewrite.RuleScriptInject})
	}
	// The config file carries its own default, so an explicit 0 there
	// means no overlap.
	overlap := rc.Overlap
	if overlap == 0 {
		overlap = rewrite.NoOverlap
	}
	return rewrite.Config{
		CSSMode: rewrite.CSSMode(rc.CSSMode),
		CSS: rewrite.CSSOptions{
			MaxBuffer: rc.MaxBuffer,
			Overlap:   overlap,
		},
		HTML:     rewrite.HTMLOptions{Rules: rules},
		Logger:   log,
		Observer: obs,
	}
}

// openArchive builds an archive rooted at ac.Directory and loads its CDX
// manifest. An explicitly configured manifest must exist; the default one
// is optional.
func openArchive(ac config.ArchiveConfig, log *zap.Logger) (*wayback.Archive, error) {
	fi, err := os.Stat(ac.Directory)
	if err != nil {
		return nil, fmt.Errorf("archive directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("archive directory %s is not a directory", ac.Directory)
	}

	a, err := wayback.NewArchive(ac.Name, ac.BaseURL, wayback.NewLocalStorage(ac.Directory), ac.PrettyPath)
	if err != nil {
		return nil, err
	}
	a.CSSMode = ac.CSSMode

	cdx, required := ac.CDXFile, true
	if cdx == "" {
		cdx, required = defaultCDXFile, false
	}
	if !filepath.IsAbs(cdx) {
		cdx = filepath.Join(ac.Directory, cdx)
	}
	idx, err := wayback.LoadCDXFile(cdx)
	switch {
	case err == nil:
		a.Index = idx
	case !required && errors.Is(err, fs.ErrNotExist):
		log.Debug("archive has no cdx manifest", zap.String("archive", a.Name))
	default:
		return nil, fmt.Errorf("archive %s: %w", a.Name, err)
	}

	log.Info("archive loaded",
		zap.String("archive", a.Name),
		zap.String("base_url", a.Base.CanonicalURL),
		zap.String("directory", ac.Directory),
		zap.Int("manifest_entries", a.Index.Len()))
	return a, nil
}

func openRegistry(cfg *config.Config, log *zap.Logger) (*wayback.Registry, error) {
	if len(cfg.Archives) == 0 {
		return nil, errors.New("no archives configured")
	}
	archives := make([]*wayback.Archive, 0, len(cfg.Archives))
	for _, ac := range cfg.Archives {
		a, err := openArchive(ac, log)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return wayback.NewRegistry(archives...), nil
}
