package rewrite

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// IsAbsolute reports whether u starts with a scheme followed by "://".
func IsAbsolute(u string) bool {
	n := schemeLen(u)
	return n > 0 && strings.HasPrefix(u[n:], "://")
}

// schemeLen returns the length of the leading RFC 3986 scheme of u (without
// the colon), or 0 when u does not start with "scheme:".
func schemeLen(u string) int {
	for i := 0; i < len(u); i++ {
		c := u[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9', c == '+', c == '-', c == '.':
			if i == 0 {
				return 0
			}
		case c == ':':
			return i
		default:
			return 0
		}
	}
	return 0
}

// hasOpaqueScheme reports references such as data:, javascript: or mailto:
// that carry a scheme but no authority.
func hasOpaqueScheme(u string) bool {
	return schemeLen(u) > 0 && !IsAbsolute(u)
}

// Resolve resolves ref against base using RFC 3986 reference resolution.
func Resolve(base, ref string) (string, error) {
	b, err := parseBase(base)
	if err != nil {
		return "", err
	}
	return resolveRef(b, ref)
}

func parseBase(base string) (*url.URL, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedURL, base, err)
	}
	if !b.IsAbs() || b.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrMalformedURL, base)
	}
	return b, nil
}

func resolveRef(base *url.URL, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedURL, ref, err)
	}
	return base.ResolveReference(r).String(), nil
}

// UnescapeCSSURL removes the backslash in front of , ' " ( ) and whitespace.
// Any other backslash sequence, hex escapes included, is left as is.
func UnescapeCSSURL(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && isCSSEscapable(s[i+1]) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isCSSEscapable(c byte) bool {
	switch c {
	case ',', '\'', '"', '(', ')', ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

// EscapeCSSURL puts a backslash in front of \ ( ) space ' and ".
func EscapeCSSURL(s string) string {
	if !strings.ContainsAny(s, `\() '"`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '(', ')', ' ', '\'', '"':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// linkScope selects which kinds of reference a linker may rewrite.
type linkScope uint8

const (
	scopeAbsolute linkScope = 1 << iota
	scopeRelative

	scopeAll = scopeAbsolute | scopeRelative
)

// linker holds the per-call state shared by every rewriter: the parsed
// document URL, the stem keys and the target.
type linker struct {
	base     *url.URL
	stems    []string
	target   Target
	mimeType string
	log      *zap.Logger
	obs      Observer
}

func newLinker(op, mimeType string, ac ArchivalContext, documentURL string, target Target,
	log *zap.Logger, obs Observer) (*linker, error) {

	stems, err := stemKeys(ac)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	base, err := parseBase(documentURL)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	if target == nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: fmt.Errorf("nil rewrite target")}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &linker{
		base:     base,
		stems:    stems,
		target:   target,
		mimeType: mimeType,
		log:      log,
		obs:      obs,
	}, nil
}

func (l *linker) inStems(u string) bool {
	return inStems(l.stems, u)
}

// rewrite decides what happens to one already-unescaped reference. The
// boolean is false when the reference must be copied through untouched.
func (l *linker) rewrite(ref string, scope linkScope) (string, bool) {
	out, outcome := l.decide(ref, scope)
	l.obs.ObserveLink(l.mimeType, outcome)
	return out, outcome == OutcomeRewritten
}

func (l *linker) decide(ref string, scope linkScope) (string, Outcome) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || hasOpaqueScheme(trimmed) {
		return ref, OutcomeUnchanged
	}
	if IsAbsolute(trimmed) {
		if scope&scopeAbsolute == 0 || !l.inStems(trimmed) {
			return ref, OutcomeUnchanged
		}
		return l.target.Rewrite(trimmed), OutcomeRewritten
	}
	if scope&scopeRelative == 0 {
		return ref, OutcomeUnchanged
	}
	abs, err := resolveRef(l.base, trimmed)
	if err != nil {
		l.log.Warn("leaving unresolvable link unrewritten",
			zap.String("url", ref),
			zap.String("document", l.base.String()),
			zap.Error(err))
		return ref, OutcomeFailed
	}
	// Network-path references leave the document's host, so they are gated
	// like absolute URLs.
	if strings.HasPrefix(trimmed, "//") && !l.inStems(abs) {
		return ref, OutcomeUnchanged
	}
	return l.target.Rewrite(abs), OutcomeRewritten
}
