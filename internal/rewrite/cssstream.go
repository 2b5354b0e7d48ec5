package rewrite

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
	"golang.org/x/text/transform"
)

const (
	DefaultMaxBuffer = 32 * 1024
	DefaultOverlap   = 2 * 1024
	NoOverlap        = -1

	// maxURLLength bounds the URL group so malformed input cannot make the
	// matcher scan unboundedly far ahead.
	maxURLLength = 2100
	matchTimeout = time.Second
)

// cssURLPattern matches a url(...) or @import form at the start of its
// input. Group 1 is the opening quote (possibly empty), group 2 the URL
// text, group 3 the closing quote.
var cssURLPattern = compileCSSPattern(fmt.Sprintf(
	`\A(?:@import\s+(?:url\(|)|url\()\s*(['"]?)(.{0,%d}?)(\1)\s*[);]`, maxURLLength))

// maxMatchSpan bounds the text an anchored match attempt may look at: the
// URL cap plus room for the opener, quotes and surrounding whitespace.
const maxMatchSpan = maxURLLength + 1024

func compileCSSPattern(expr string) *regexp2.Regexp {
	re := regexp2.MustCompile(expr, regexp2.IgnoreCase)
	re.MatchTimeout = matchTimeout
	return re
}

// CSSOptions tunes the CSS stream rewriter.
type CSSOptions struct {
	// MaxBuffer is the rolling buffer capacity in characters.
	MaxBuffer int
	// Overlap is the tail retained across refills; it is clamped to
	// MaxBuffer/2. Zero selects DefaultOverlap and NoOverlap (any negative
	// value) retains nothing.
	Overlap  int
	Logger   *zap.Logger
	Observer Observer
}

func (o CSSOptions) normalized() CSSOptions {
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = DefaultMaxBuffer
	}
	switch {
	case o.Overlap == 0:
		o.Overlap = DefaultOverlap
	case o.Overlap < 0:
		o.Overlap = 0
	}
	if o.Overlap > o.MaxBuffer/2 {
		o.Overlap = o.MaxBuffer / 2
	}
	return o
}

// CSSStreamRewriterFactory rewrites text/css with bounded memory.
type CSSStreamRewriterFactory struct {
	Options CSSOptions
}

// CreateLinkRewriter implements LinkRewriterFactory. On error the caller
// keeps ownership of in.
func (f *CSSStreamRewriterFactory) CreateLinkRewriter(mimeType string, ac ArchivalContext, in io.Reader,
	encoding, documentURL string, target Target) (io.ReadCloser, error) {

	const op = "css stream rewriter"
	if mediaType(mimeType) != "text/css" {
		return nil, &Error{Op: op, MimeType: mimeType, Err: ErrUnsupportedMimeType}
	}
	enc, err := lookupEncoding(encoding)
	if err != nil {
		return nil, &Error{Op: op, MimeType: mimeType, Err: err}
	}
	opts := f.Options.normalized()
	l, err := newLinker(op, "text/css", ac, documentURL, target, opts.Logger, opts.Observer)
	if err != nil {
		return nil, err
	}

	src := transform.NewReader(decodeReader(in, enc), continuationStripper{})
	w := &cssWindow{
		src:     bufio.NewReader(src),
		l:       l,
		maxBuf:  opts.MaxBuffer,
		overlap: opts.Overlap,
		buf:     make([]rune, 0, opts.MaxBuffer),
	}
	r := newPullReader(w.pass, closeFunc(in))
	return &readCloser{Reader: encodeReader(r, enc), close: r.Close}, nil
}

// cssWindow is the rolling-buffer state machine. Each pass fills buf,
// rewrites every match in it and moves everything but a retained tail to out.
type cssWindow struct {
	src *bufio.Reader
	l   *linker

	maxBuf  int
	overlap int
	buf     []rune
	srcEOF  bool
}

func (w *cssWindow) pass(out *bytes.Buffer) (bool, error) {
	for len(w.buf) < w.maxBuf && !w.srcEOF {
		c, _, err := w.src.ReadRune()
		if err == io.EOF {
			w.srcEOF = true
			break
		}
		if err != nil {
			return false, fmt.Errorf("read css: %w", err)
		}
		w.buf = append(w.buf, c)
	}

	last, found := rewriteCSSRunes(w.buf, out, w.l, scopeAll)

	if len(w.buf) < w.maxBuf {
		writeRunes(out, w.buf[last:])
		w.buf = w.buf[:0]
		return true, nil
	}

	keep := min(w.overlap, w.maxBuf/2)
	if found {
		keep = min(w.overlap, len(w.buf)-last)
	}
	writeRunes(out, w.buf[last:len(w.buf)-keep])
	n := copy(w.buf, w.buf[len(w.buf)-keep:])
	w.buf = w.buf[:n]
	return false, nil
}

// rewriteCSSRunes writes buf up to the end of its last match to out,
// rewriting matched URLs on the way. It returns the end of the last match.
// Rewritten URLs are always emitted single-quoted.
//
// Matching is attempted at each url( or @import opener in turn, on a slice
// ending at the last ) or ; within maxMatchSpan. An opener that fails to
// match, including by timing out, is left as it is and scanning resumes at
// the next one.
func rewriteCSSRunes(buf []rune, out *bytes.Buffer, l *linker, scope linkScope) (last int, found bool) {
	var lastTerm []int
	for pos := 0; pos < len(buf); pos++ {
		if !cssOpenerAt(buf[pos:]) {
			continue
		}
		if lastTerm == nil {
			lastTerm = terminatorIndex(buf)
		}
		term := lastTerm[min(len(buf), pos+maxMatchSpan)]
		if term < pos {
			continue
		}
		m, err := cssURLPattern.FindRunesMatch(buf[pos : term+1])
		if err != nil {
			// The error text embeds the whole input, so it is not logged.
			l.log.Warn("css url match timed out, leaving occurrence unrewritten",
				zap.String("document", l.base.String()),
				zap.Int("offset", pos),
				zap.Duration("timeout", matchTimeout))
			l.obs.ObserveLink(l.mimeType, OutcomeFailed)
			continue
		}
		if m == nil {
			continue
		}
		found = true
		start, end := pos, pos+m.Length
		writeRunes(out, buf[last:start])

		open, raw, closing := m.GroupByNumber(1), m.GroupByNumber(2), m.GroupByNumber(3)
		rewritten, ok := l.rewrite(UnescapeCSSURL(raw.String()), scope)
		if ok {
			writeRunes(out, buf[start:pos+open.Index])
			out.WriteByte('\'')
			out.WriteString(EscapeCSSURL(rewritten))
			out.WriteByte('\'')
			writeRunes(out, buf[pos+closing.Index+closing.Length:end])
		} else {
			writeRunes(out, buf[start:end])
		}
		last = end
		pos = end - 1
	}
	return last, found
}

// terminatorIndex returns t where t[i] is the index of the last ')' or ';'
// before i, or -1.
func terminatorIndex(buf []rune) []int {
	t := make([]int, len(buf)+1)
	prev := -1
	for i, c := range buf {
		t[i] = prev
		if c == ')' || c == ';' {
			prev = i
		}
	}
	t[len(buf)] = prev
	return t
}

// cssOpenerAt reports whether rs starts with url( or @import, ignoring case.
func cssOpenerAt(rs []rune) bool {
	return hasFoldPrefix(rs, "url(") || hasFoldPrefix(rs, "@import")
}

func hasFoldPrefix(rs []rune, prefix string) bool {
	if len(rs) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if unicode.ToLower(rs[i]) != rune(prefix[i]) {
			return false
		}
	}
	return true
}

// rewriteCSSText rewrites a complete CSS fragment held in memory, such as the
// body of a <style> element.
func rewriteCSSText(s string, l *linker, scope linkScope) string {
	lower := strings.ToLower(s)
	if !strings.Contains(lower, "url(") && !strings.Contains(lower, "@import") {
		return s
	}
	buf := []rune(s)
	var out bytes.Buffer
	last, _ := rewriteCSSRunes(buf, &out, l, scope)
	writeRunes(&out, buf[last:])
	return out.String()
}

func writeRunes(out *bytes.Buffer, rs []rune) {
	for _, c := range rs {
		out.WriteRune(c)
	}
}
