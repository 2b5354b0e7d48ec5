package rewrite

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// CSSMode selects the CSS rewriter variant used by a Dispatcher.
type CSSMode string

const (
	CSSModeStream CSSMode = "stream"
	CSSModeRules  CSSMode = "rules"
)

// Config configures a Dispatcher. Logger and Observer are handed down to
// the variant options that leave them unset.
type Config struct {
	CSSMode  CSSMode
	CSS      CSSOptions
	CSSRules []StringRule
	HTML     HTMLOptions
	Logger   *zap.Logger
	Observer Observer
}

// Dispatcher routes a rewrite request to the variant registered for its
// mime type.
type Dispatcher struct {
	html LinkRewriterFactory
	css  LinkRewriterFactory
}

// NewDispatcher validates cfg and builds the variants it names.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	htmlOpts := cfg.HTML
	if htmlOpts.Logger == nil {
		htmlOpts.Logger = cfg.Logger
	}
	if htmlOpts.Observer == nil {
		htmlOpts.Observer = cfg.Observer
	}
	for _, r := range htmlOpts.Rules {
		for _, pat := range r.Denylist {
			if _, err := regexp2.Compile(pat, regexp2.IgnoreCase); err != nil {
				return nil, fmt.Errorf("script denylist %q: %w", pat, err)
			}
		}
	}
	d := &Dispatcher{html: &HTMLRewriterFactory{Options: htmlOpts}}

	switch cfg.CSSMode {
	case "", CSSModeStream:
		opts := cfg.CSS
		if opts.Logger == nil {
			opts.Logger = cfg.Logger
		}
		if opts.Observer == nil {
			opts.Observer = cfg.Observer
		}
		d.css = &CSSStreamRewriterFactory{Options: opts}
	case CSSModeRules:
		if _, err := compileRules(cfg.CSSRules); err != nil {
			return nil, fmt.Errorf("css rules: %w", err)
		}
		d.css = &CSSRuleRewriterFactory{Rules: cfg.CSSRules, Logger: cfg.Logger, Observer: cfg.Observer}
	default:
		return nil, fmt.Errorf("unknown css mode %q", cfg.CSSMode)
	}
	return d, nil
}

// Supports reports whether CreateLinkRewriter accepts mimeType.
func (d *Dispatcher) Supports(mimeType string) bool {
	return d.factoryFor(mimeType) != nil
}

func (d *Dispatcher) factoryFor(mimeType string) LinkRewriterFactory {
	switch mediaType(mimeType) {
	case "text/html":
		return d.html
	case "text/css":
		return d.css
	}
	return nil
}

// CreateLinkRewriter implements LinkRewriterFactory. Unsupported mime types
// fail with an *Error wrapping ErrUnsupportedMimeType and in stays open.
func (d *Dispatcher) CreateLinkRewriter(mimeType string, ac ArchivalContext, in io.Reader,
	encoding, documentURL string, target Target) (io.ReadCloser, error) {

	f := d.factoryFor(mimeType)
	if f == nil {
		return nil, &Error{Op: "dispatch", MimeType: mimeType, Err: ErrUnsupportedMimeType}
	}
	return f.CreateLinkRewriter(mimeType, ac, in, encoding, documentURL, target)
}

// mediaType returns the lower-cased type/subtype of a Content-Type value.
func mediaType(v string) string {
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}
