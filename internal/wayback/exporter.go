package wayback

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sigman78/wayback-replay/internal/rewrite"
)

// Rewriter is the part of rewrite.Dispatcher the exporter needs.
type Rewriter interface {
	rewrite.LinkRewriterFactory
	Supports(mimeType string) bool
}

// ExportConfig holds the runtime configuration of an export run.
type ExportConfig struct {
	Threads     int
	StopOnError bool
	Output      Storage
	Logger      *zap.Logger
	// ShowProgress draws a progress bar on stderr.
	ShowProgress bool
}

// ExportStats summarises an export run.
type ExportStats struct {
	Files     int
	Rewritten int
	Copied    int
	Failed    int
}

// Exporter writes a self-contained copy of an archive whose links point at
// relative local paths instead of the live site.
type Exporter struct {
	cfg ExportConfig
	rw  Rewriter
	log *zap.Logger
}

// NewExporter returns an exporter that rewrites with rw.
func NewExporter(cfg ExportConfig, rw Rewriter) *Exporter {
	if cfg.Threads <= 0 {
		cfg.Threads = 3
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{cfg: cfg, rw: rw, log: log}
}

// Export copies every entry of a into the output storage, rewriting HTML and
// CSS on the way. Individual failures are counted and logged unless
// StopOnError is set.
func (e *Exporter) Export(ctx context.Context, a *Archive) (ExportStats, error) {
	if e.cfg.Output == nil {
		return ExportStats{}, fmt.Errorf("export %s: no output storage", a.Name)
	}
	entries, err := a.Entries()
	if err != nil {
		return ExportStats{}, err
	}
	stats := ExportStats{Files: len(entries)}
	if len(entries) == 0 {
		return stats, nil
	}

	pool, err := ants.NewPool(e.cfg.Threads)
	if err != nil {
		return stats, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var prog *Progress
	if e.cfg.ShowProgress {
		prog = NewExportProgress(len(entries))
	}

	g, ctx := errgroup.WithContext(ctx)
	var rewritten, copied, failed atomic.Int32

	for _, entry := range entries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errCh := make(chan error, 1)
			if err := pool.Submit(func() {
				did, err := e.exportOne(a, entry)
				if err == nil {
					if did {
						rewritten.Add(1)
					} else {
						copied.Add(1)
					}
				}
				errCh <- err
			}); err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			err := <-errCh
			prog.Inc()
			if err != nil {
				if e.cfg.StopOnError {
					return fmt.Errorf("export %s: %w", entry.URL, err)
				}
				failed.Add(1)
				e.log.Warn("export failed", zap.String("url", entry.URL), zap.String("path", entry.Path), zap.Error(err))
			}
			return nil
		})
	}

	err = g.Wait()
	prog.Finish()
	stats.Rewritten = int(rewritten.Load())
	stats.Copied = int(copied.Load())
	stats.Failed = int(failed.Load())
	e.log.Info("export finished",
		zap.String("archive", a.Name),
		zap.Int("files", stats.Files),
		zap.Int("rewritten", stats.Rewritten),
		zap.Int("copied", stats.Copied),
		zap.Int("failed", stats.Failed))
	return stats, err
}

// exportOne writes one entry and reports whether it was rewritten.
func (e *Exporter) exportOne(a *Archive, entry Entry) (bool, error) {
	f, err := a.Store.Open(entry.Path)
	if err != nil {
		return false, err
	}
	res, err := sniff(entry.URL, entry.Path, f)
	if err != nil {
		return false, err
	}
	if !e.rw.Supports(res.MimeType) {
		defer res.Body.Close()
		return false, e.cfg.Output.Put(entry.Path, res.Body)
	}

	var body io.ReadCloser
	body, err = e.rw.CreateLinkRewriter(res.MimeType, a, res.Body, res.Charset, entry.URL, LocalPathTarget(a, entry.URL))
	if err != nil {
		_ = res.Body.Close()
		return false, err
	}
	defer body.Close()
	if err := e.cfg.Output.Put(entry.Path, body); err != nil {
		return false, err
	}
	return true, nil
}
