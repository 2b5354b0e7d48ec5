package rewrite

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// StringRule is one line-level substitution of the rule-based CSS rewriter.
//
// A line is only searched with Pattern when it contains Anchor
// (case-insensitively). Pattern must define a named group "url"; only that
// group is replaced. Template builds the URL handed to the target from the
// placeholders ${url} (the unescaped capture), ${base} (document URL without
// its last path segment, ending in "/") and ${host} (scheme://host).
type StringRule struct {
	Anchor   string
	Pattern  string
	Template string
}

// DefaultStringRules rewrite url(...) and @import "..." references that are
// absolute, root-relative or path-relative.
var DefaultStringRules = []StringRule{
	{Anchor: "url(", Pattern: `url\(\s*(['"]?)(?<url>[a-z][a-z0-9+.-]*://[^'"()\s]+)\1\s*\)`, Template: "${url}"},
	{Anchor: "url(", Pattern: `url\(\s*(['"]?)(?<url>/(?!/)[^'"()\s]*)\1\s*\)`, Template: "${host}${url}"},
	{Anchor: "url(", Pattern: `url\(\s*(['"]?)(?<url>(?![a-z][a-z0-9+.-]*:)[^/'"()\s#][^'"()\s]*)\1\s*\)`, Template: "${base}${url}"},
	{Anchor: "@import", Pattern: `@import\s+(['"])(?<url>[a-z][a-z0-9+.-]*://[^'"]+)\1`, Template: "${url}"},
	{Anchor: "@import", Pattern: `@import\s+(['"])(?<url>/(?!/)[^'"]*)\1`, Template: "${host}${url}"},
	{Anchor: "@import", Pattern: `@import\s+(['"])(?<url>(?![a-z][a-z0-9+.-]*:)[^/'"#][^'"]*)\1`, Template: "${base}${url}"},
}

type compiledRule struct {
	anchor   string
	re       *regexp2.Regexp
	template string
	relative bool
}

func compileRules(rules []StringRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		re, err := regexp2.Compile(r.Pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if re.GroupNumberFromName("url") < 0 {
			return nil, fmt.Errorf("rule %d: pattern has no url group", i)
		}
		re.MatchTimeout = matchTimeout
		out = append(out, compiledRule{
			anchor:   strings.ToLower(r.Anchor),
			re:       re,
			template: r.Template,
			relative: strings.Contains(r.Template, "${base}") || strings.Contains(r.Template, "${host}"),
		})
	}
	return out, nil
}

// CSSRuleRewriterFactory rewrites text/css line by line from an ordered list
// of StringRules. It suits archives whose style sheets only need a closed
// set of anchors rewritten.
type CSSRuleRewriterFactory struct {
	// Rules defaults to DefaultStringRules.
	Rules    []StringRule
	Logger   *zap.Logger
	Observer Observer
}

// CreateLinkRewriter implements LinkRewriterFactory. documentURL must be an
// absolute http(s) URL. On error the caller keeps ownership of in.
func (f *CSSRuleRewriterFactory) CreateLinkRewriter(mimeType string, ac ArchivalContext, in io.Reader,
	encoding, documentURL string, target Target) (io.ReadCloser, error) {

	const op = "css rule rewriter"
	if mediaType(mimeType) != "text/css" {
		return nil, &Error{Op: op, MimeType: mimeType, Err: ErrUnsupportedMimeType}
	}
	base, host, err := ruleBases(documentURL)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	enc, err := lookupEncoding(encoding)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	rules := f.Rules
	if rules == nil {
		rules = DefaultStringRules
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	l, err := newLinker(op, "text/css", ac, documentURL, target, f.Logger, f.Observer)
	if err != nil {
		return nil, err
	}

	lr := &lineRewriter{
		src:   bufio.NewReader(decodeReader(in, enc)),
		rules: compiled,
		l:     l,
		base:  base,
		host:  host,
	}
	r := newPullReader(lr.pass, closeFunc(in))
	return &readCloser{Reader: encodeReader(r, enc), close: r.Close}, nil
}

// ruleBases derives urlBase and urlHost from the document URL. A URL that
// is too short to name a host fails on the empty host.
func ruleBases(documentURL string) (base, host string, err error) {
	lower := strings.ToLower(documentURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", "", fmt.Errorf("%w: %q is not an absolute http url", ErrMalformedURL, documentURL)
	}
	u, err := url.Parse(documentURL)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedURL, documentURL)
	}
	host = u.Scheme + "://" + u.Host
	dir := u.EscapedPath()
	dir = dir[:strings.LastIndex(dir, "/")+1]
	if dir == "" {
		dir = "/"
	}
	return host + dir, host, nil
}

type lineRewriter struct {
	src   *bufio.Reader
	rules []compiledRule
	l     *linker
	base  string
	host  string
}

func (lr *lineRewriter) pass(out *bytes.Buffer) (bool, error) {
	line, err := lr.src.ReadString('\n')
	if line != "" {
		out.WriteString(lr.rewriteLine(line))
	}
	if err == io.EOF {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read css: %w", err)
	}
	return false, nil
}

func (lr *lineRewriter) rewriteLine(line string) string {
	lower := strings.ToLower(line)
	var cands []*compiledRule
	for i := range lr.rules {
		if strings.Contains(lower, lr.rules[i].anchor) {
			cands = append(cands, &lr.rules[i])
		}
	}
	if len(cands) == 0 {
		return line
	}

	runes := []rune(line)
	var b strings.Builder
	b.Grow(len(line))
	pos := 0
	for pos < len(runes) {
		var best *regexp2.Match
		var rule *compiledRule
		for i, c := range cands {
			if c == nil {
				continue
			}
			m, err := c.re.FindRunesMatchStartingAt(runes, pos)
			if err != nil {
				// A rule that timed out is dropped for the rest of the line.
				lr.l.log.Warn("css rule match timed out, skipping rule on this line",
					zap.String("document", lr.l.base.String()),
					zap.String("anchor", c.anchor),
					zap.Duration("timeout", matchTimeout))
				lr.l.obs.ObserveLink(lr.l.mimeType, OutcomeFailed)
				cands[i] = nil
				continue
			}
			if m != nil && (best == nil || m.Index < best.Index) {
				best, rule = m, c
			}
		}
		if best == nil {
			break
		}
		end := best.Index + best.Length
		b.WriteString(string(runes[pos:best.Index]))
		g := best.GroupByName("url")
		if rewritten, ok := lr.expand(rule, g.String()); ok {
			b.WriteString(string(runes[best.Index:g.Index]))
			b.WriteString(EscapeCSSURL(rewritten))
			b.WriteString(string(runes[g.Index+g.Length : end]))
		} else {
			b.WriteString(string(runes[best.Index:end]))
		}
		if end == pos {
			// Empty match: step over one rune so the scan always advances.
			b.WriteRune(runes[pos])
			end++
		}
		pos = end
	}
	if pos < len(runes) {
		b.WriteString(string(runes[pos:]))
	}
	return b.String()
}

func (lr *lineRewriter) expand(rule *compiledRule, raw string) (string, bool) {
	ref := UnescapeCSSURL(raw)
	expanded := strings.NewReplacer(
		"${url}", ref,
		"${base}", lr.base,
		"${host}", lr.host,
	).Replace(rule.template)
	if !rule.relative {
		return lr.l.rewrite(expanded, scopeAbsolute)
	}

	// Normalise dot segments produced by ${base}../x.
	abs, err := resolveRef(lr.l.base, expanded)
	if err != nil {
		lr.l.log.Warn("leaving unresolvable link unrewritten",
			zap.String("url", raw),
			zap.String("document", lr.l.base.String()),
			zap.Error(err))
		lr.l.obs.ObserveLink(lr.l.mimeType, OutcomeFailed)
		return raw, false
	}
	lr.l.obs.ObserveLink(lr.l.mimeType, OutcomeRewritten)
	return lr.l.target.Rewrite(abs), true
}
