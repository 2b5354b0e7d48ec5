package rewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RuleKind names one transformation of the HTML rewriter.
type RuleKind int

const (
	// RuleScriptStrip removes <script src> elements whose src matches the
	// denylist. It always runs before any link rewriting.
	RuleScriptStrip RuleKind = iota
	// RuleAbsoluteLink rewrites href/src values that start with a stem.
	RuleAbsoluteLink
	// RuleRelativeLink rewrites host- and path-relative href/src values.
	RuleRelativeLink
	// RuleAbsoluteImport rewrites absolute url()/@import in inline CSS.
	RuleAbsoluteImport
	// RuleRelativeImport rewrites relative url()/@import in inline CSS.
	RuleRelativeImport
	// RuleScriptInject inserts a fixed script block at the top of <head>.
	RuleScriptInject
)

func (k RuleKind) String() string {
	switch k {
	case RuleScriptStrip:
		return "script-strip"
	case RuleAbsoluteLink:
		return "absolute-link"
	case RuleRelativeLink:
		return "relative-link"
	case RuleAbsoluteImport:
		return "absolute-import"
	case RuleRelativeImport:
		return "relative-import"
	case RuleScriptInject:
		return "script-inject"
	}
	return fmt.Sprintf("RuleKind(%d)", int(k))
}

// Rule is one entry of an HTML rewrite plan.
type Rule struct {
	Kind RuleKind
	// Denylist holds regexp2 patterns matched against script src values.
	// Only used by RuleScriptStrip.
	Denylist []string
}

// DefaultHTMLRules rewrites absolute and relative links in href/src
// attributes and in inline CSS.
func DefaultHTMLRules() []Rule {
	return []Rule{
		{Kind: RuleAbsoluteLink},
		{Kind: RuleRelativeLink},
		{Kind: RuleAbsoluteImport},
		{Kind: RuleRelativeImport},
	}
}

// HTMLOptions configures the HTML rewriter.
type HTMLOptions struct {
	// Rules defaults to DefaultHTMLRules.
	Rules    []Rule
	Logger   *zap.Logger
	Observer Observer
}

// HTMLRewriterFactory rewrites text/html by parsing the whole document into
// a tree, applying the rules and rendering it again.
type HTMLRewriterFactory struct {
	Options HTMLOptions
}

// CreateLinkRewriter implements LinkRewriterFactory. Configuration errors
// leave in open; once parsing has started in is always closed.
func (f *HTMLRewriterFactory) CreateLinkRewriter(mimeType string, ac ArchivalContext, in io.Reader,
	encoding, documentURL string, target Target) (io.ReadCloser, error) {

	const op = "html rewriter"
	if mediaType(mimeType) != "text/html" {
		return nil, &Error{Op: op, MimeType: mimeType, Err: ErrUnsupportedMimeType}
	}
	enc, err := lookupEncoding(encoding)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	p, err := newHTMLPlan(op, f.Options, ac, documentURL, target)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(decodeReader(in, enc))
	cerr := closeFunc(in)()
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if cerr != nil {
		return nil, fmt.Errorf("close html source: %w", cerr)
	}

	p.apply(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return io.NopCloser(encodeReader(&buf, enc)), nil
}

// htmlPlan is the immutable per-document form of the rule list.
type htmlPlan struct {
	l          *linker
	stems      []string
	origin     string // scheme://host used for root-relative links
	urlPrefix  string // document URL without its last path segment
	linkRules  []RuleKind
	styleScope linkScope
	denylist   []*regexp2.Regexp
	inject     bool
}

func newHTMLPlan(op string, opts HTMLOptions, ac ArchivalContext, documentURL string, target Target) (*htmlPlan, error) {
	l, err := newLinker(op, "text/html", ac, documentURL, target, opts.Logger, opts.Observer)
	if err != nil {
		return nil, err
	}
	p := &htmlPlan{
		l:         l,
		urlPrefix: urlPrefix(l.base),
		origin:    l.base.Scheme + "://" + l.base.Host,
	}
	for _, s := range ac.URLStems() {
		if s = strings.TrimSpace(s); s != "" {
			p.stems = append(p.stems, s)
		}
	}
	if !l.inStems(documentURL) {
		if u, err := url.Parse(p.stems[0]); err == nil && u.Host != "" {
			p.origin = u.Scheme + "://" + u.Host
		}
	}

	rules := opts.Rules
	if rules == nil {
		rules = DefaultHTMLRules()
	}
	for _, r := range rules {
		switch r.Kind {
		case RuleScriptStrip:
			for _, pat := range r.Denylist {
				re, err := regexp2.Compile(pat, regexp2.IgnoreCase)
				if err != nil {
					return nil, &Error{Op: op, MimeType: "text/html", Err: fmt.Errorf("script denylist %q: %w", pat, err)}
				}
				re.MatchTimeout = matchTimeout
				p.denylist = append(p.denylist, re)
			}
		case RuleAbsoluteLink, RuleRelativeLink:
			p.linkRules = append(p.linkRules, r.Kind)
		case RuleAbsoluteImport:
			p.styleScope |= scopeAbsolute
		case RuleRelativeImport:
			p.styleScope |= scopeRelative
		case RuleScriptInject:
			p.inject = true
		default:
			return nil, &Error{Op: op, MimeType: "text/html", Err: fmt.Errorf("unknown rule %v", r.Kind)}
		}
	}
	return p, nil
}

// urlPrefix drops query, fragment and the last path segment of u.
func urlPrefix(u *url.URL) string {
	p := u.EscapedPath()
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[:i]
	}
	return u.Scheme + "://" + u.Host + p
}

func (p *htmlPlan) apply(doc *html.Node) {
	if len(p.denylist) > 0 {
		p.stripScripts(doc)
	}
	p.walk(doc)
	if p.inject {
		p.injectScript(doc)
	}
}

func (p *htmlPlan) walk(n *html.Node) {
	if n.Type == html.ElementNode && n.DataAtom != atom.Base {
		for i, a := range n.Attr {
			switch a.Key {
			case "href", "src":
				if v, ok := p.rewriteLink(a.Val); ok {
					n.Attr[i].Val = v
				}
			case "style":
				if p.styleScope != 0 {
					n.Attr[i].Val = p.rewriteStyle(a.Val)
				}
			}
		}
		if n.DataAtom == atom.Style && p.styleScope != 0 {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = p.rewriteStyle(c.Data)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

// rewriteLink applies the link rules in order; the first one that changes
// the value wins.
func (p *htmlPlan) rewriteLink(val string) (string, bool) {
	v := strings.TrimSpace(val)
	if v == "" {
		return val, false
	}
	for _, k := range p.linkRules {
		var out string
		var ok bool
		if k == RuleAbsoluteLink {
			out, ok = p.absoluteLink(v)
		} else {
			out, ok = p.relativeLink(v)
		}
		if ok {
			return out, true
		}
	}
	return val, false
}

func (p *htmlPlan) absoluteLink(v string) (string, bool) {
	for _, stem := range p.stems {
		if strings.HasPrefix(v, stem) {
			p.l.obs.ObserveLink(p.l.mimeType, OutcomeRewritten)
			if _, whole := p.l.target.(WholeURLFunc); whole {
				return p.l.target.Rewrite(v), true
			}
			return p.l.target.Rewrite(stem) + v[len(stem):], true
		}
	}
	return v, false
}

func (p *htmlPlan) relativeLink(v string) (string, bool) {
	switch {
	case IsAbsolute(v):
		return v, false
	case strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//"):
		p.l.obs.ObserveLink(p.l.mimeType, OutcomeRewritten)
		return p.l.target.Rewrite(p.origin + v), true
	case startsWithLetter(v) && !hasOpaqueScheme(v):
		p.l.obs.ObserveLink(p.l.mimeType, OutcomeRewritten)
		return p.l.target.Rewrite(p.urlPrefix + "/" + v), true
	}
	return p.l.rewrite(v, scopeRelative)
}

func startsWithLetter(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsLetter(r)
}

func (p *htmlPlan) rewriteStyle(css string) string {
	return rewriteCSSText(css, p.l, p.styleScope)
}

func (p *htmlPlan) stripScripts(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && c.DataAtom == atom.Script && p.denied(c) {
			n.RemoveChild(c)
		} else {
			p.stripScripts(c)
		}
		c = next
	}
}

func (p *htmlPlan) denied(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key != "src" {
			continue
		}
		for _, re := range p.denylist {
			ok, err := re.MatchString(a.Val)
			if err != nil {
				p.l.log.Warn("script denylist match failed", zap.String("src", a.Val), zap.Error(err))
				continue
			}
			if ok {
				return true
			}
		}
	}
	return false
}

func (p *htmlPlan) injectScript(doc *html.Node) {
	head := findElement(doc, atom.Head)
	if head == nil {
		return
	}
	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: "type", Val: "text/javascript"}},
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: injectedScript(p.l.base.String())})
	head.InsertBefore(script, head.FirstChild)
}

// injectedScript is the fixed block inserted by RuleScriptInject. It records
// the URL the document was captured from so page scripts can recover it.
// json.Marshal escapes < and >, so the value cannot close the script early.
func injectedScript(documentURL string) string {
	b, _ := json.Marshal(documentURL)
	return "window.__archivedURL = " + string(b) + ";"
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
