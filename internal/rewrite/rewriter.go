// Package rewrite turns links inside archived HTML and CSS into links that
// resolve back into the archive when the content is replayed.
package rewrite

import (
	"io"
	"strings"
)

// Target turns an absolute URL that lives inside the archive into the URL the
// replay server exposes for it.
type Target interface {
	Rewrite(absoluteURL string) string
}

// TargetFunc adapts an ordinary function to the Target interface.
type TargetFunc func(absoluteURL string) string

// Rewrite calls f(absoluteURL).
func (f TargetFunc) Rewrite(absoluteURL string) string {
	return f(absoluteURL)
}

// WholeURLFunc is a Target whose output for a stem cannot be extended with
// the rest of a URL, such as a relative file path. The HTML absolute-link
// rule hands it the whole attribute value instead of only the stem.
type WholeURLFunc func(absoluteURL string) string

// Rewrite calls f(absoluteURL).
func (f WholeURLFunc) Rewrite(absoluteURL string) string {
	return f(absoluteURL)
}

// ArchivalContext identifies the archived unit being served.
type ArchivalContext interface {
	// URLStems returns the absolute URL prefixes considered inside the unit.
	URLStems() []string
}

// StemSet is a fixed ArchivalContext.
type StemSet []string

// URLStems returns the stems.
func (s StemSet) URLStems() []string {
	return s
}

// LinkRewriterFactory is the contract shared by every rewriter variant.
//
// The returned reader yields the rewritten document encoded in encoding.
// Closing it closes in when in is an io.Closer.
type LinkRewriterFactory interface {
	CreateLinkRewriter(mimeType string, ac ArchivalContext, in io.Reader,
		encoding, documentURL string, target Target) (io.ReadCloser, error)
}

// Outcome classifies what happened to one link occurrence.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeRewritten
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRewritten:
		return "rewritten"
	case OutcomeFailed:
		return "failed"
	default:
		return "unchanged"
	}
}

// Observer is notified once per link occurrence. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveLink(mimeType string, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveLink(string, Outcome) {}

// stemKey strips the scheme and lower-cases u so that http and https
// variants of the same host+path compare equal.
func stemKey(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	return strings.ToLower(u)
}

// stemKeys returns the comparison keys for the stems of ac, or ErrNoStems.
func stemKeys(ac ArchivalContext) ([]string, error) {
	if ac == nil {
		return nil, ErrNoStems
	}
	var keys []string
	for _, s := range ac.URLStems() {
		if s = strings.TrimSpace(s); s != "" {
			keys = append(keys, stemKey(s))
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoStems
	}
	return keys, nil
}

func inStems(keys []string, u string) bool {
	k := stemKey(u)
	for _, s := range keys {
		if strings.HasPrefix(k, s) {
			return true
		}
	}
	return false
}
