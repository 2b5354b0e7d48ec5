package rewrite

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/transform"
)

func TestIsAbsolute(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"http://a.com/", true},
		{"HTTPS://a.com", true},
		{"svn+ssh://host/repo", true},
		{"//a.com/x", false},
		{"/x", false},
		{"x.png", false},
		{"mailto:me@a.com", false},
		{"data:image/png;base64,AA", false},
		{"1http://a.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAbsolute(tt.in); got != tt.want {
			t.Errorf("IsAbsolute(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHasOpaqueScheme(t *testing.T) {
	assert.True(t, hasOpaqueScheme("javascript:void(0)"))
	assert.True(t, hasOpaqueScheme("data:,x"))
	assert.False(t, hasOpaqueScheme("http://a.com"))
	assert.False(t, hasOpaqueScheme("img/a:b.png"))
	assert.False(t, hasOpaqueScheme("./a:b"))
}

func TestResolve(t *testing.T) {
	tests := []struct{ base, ref, want string }{
		{"http://a.com/dir/page.html", "../img/x.png", "http://a.com/img/x.png"},
		{"http://a.com/dir/page.html", "x.png", "http://a.com/dir/x.png"},
		{"http://a.com/dir/page.html", "/x.png", "http://a.com/x.png"},
		{"http://a.com/dir/page.html", "//b.com/x.png", "http://b.com/x.png"},
		{"https://a.com/dir/", "?q=1", "https://a.com/dir/?q=1"},
		{"http://a.com/a/b/c", "../../../../x", "http://a.com/x"},
	}
	for _, tt := range tests {
		got, err := Resolve(tt.base, tt.ref)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s + %s", tt.base, tt.ref)
	}

	_, err := Resolve("/relative/base", "x")
	assert.ErrorIs(t, err, ErrMalformedURL)
	_, err = Resolve("http://a.com/", "http://[::1")
	assert.ErrorIs(t, err, ErrMalformedURL)
}

func TestCSSURLEscaping(t *testing.T) {
	assert.Equal(t, `a\ b\(c\)\'\"\\`, EscapeCSSURL(`a b(c)'"\`))
	assert.Equal(t, "plain/url.png", EscapeCSSURL("plain/url.png"))

	assert.Equal(t, `a b(c)'",`, UnescapeCSSURL(`a\ b\(c\)\'\"\,`))
	assert.Equal(t, `\26 x`, UnescapeCSSURL(`\26 x`))

	for _, s := range []string{"http://a.com/a b.png", `x'y"z`, "(paren)", "sp ace"} {
		assert.Equal(t, s, UnescapeCSSURL(EscapeCSSURL(s)), s)
	}
}

func TestLinkerDecide(t *testing.T) {
	l, err := newLinker("test", "text/css", StemSet{"https://a.com/site/"}, "http://a.com/site/page.html", replayTarget(), nil, nil)
	require.NoError(t, err)

	tests := []struct {
		ref   string
		scope linkScope
		want  string
		ok    bool
	}{
		{"http://a.com/site/x.png", scopeAll, replayPrefix + "http://a.com/site/x.png", true},
		{"HTTP://A.COM/SITE/x.png", scopeAll, replayPrefix + "HTTP://A.COM/SITE/x.png", true},
		{"http://a.com/other/x.png", scopeAll, "http://a.com/other/x.png", false},
		{"x.png", scopeAll, replayPrefix + "http://a.com/site/x.png", true},
		{"x.png", scopeAbsolute, "x.png", false},
		{"http://a.com/site/x.png", scopeRelative, "http://a.com/site/x.png", false},
		{"//a.com/site/y", scopeAll, replayPrefix + "http://a.com/site/y", true},
		{"//b.com/site/y", scopeAll, "//b.com/site/y", false},
		{"#frag", scopeAll, "#frag", false},
		{"  ", scopeAll, "  ", false},
	}
	for _, tt := range tests {
		got, ok := l.rewrite(tt.ref, tt.scope)
		assert.Equal(t, tt.want, got, tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
	}
}

func TestLinkerUnresolvableReference(t *testing.T) {
	obs := &countingObserver{}
	l, err := newLinker("test", "text/css", testStems, "http://a.com/", replayTarget(), nil, obs)
	require.NoError(t, err)

	got, ok := l.rewrite("%zz", scopeAll)
	assert.False(t, ok)
	assert.Equal(t, "%zz", got)
	assert.Equal(t, 1, obs.count(OutcomeFailed))
}

func TestContinuationStripper(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a\\\nb", "ab"},
		{"a\\\r\nb", "ab"},
		{"a\\\\\nb", "a\\\\\nb"},
		{"a\\\rb", "a\\\rb"},
		{"a\\", "a\\"},
		{"no continuations", "no continuations"},
	}
	for _, tt := range tests {
		got, _, err := transform.String(continuationStripper{}, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%q", tt.in)

		b, err := io.ReadAll(transform.NewReader(iotest.OneByteReader(strings.NewReader(tt.in)), continuationStripper{}))
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(b), "one byte at a time: %q", tt.in)
	}
}

func TestLookupEncoding(t *testing.T) {
	for _, label := range []string{"", "utf-8", "UTF8", " utf-8 "} {
		enc, err := lookupEncoding(label)
		require.NoError(t, err, label)
		assert.Nil(t, enc, label)
	}
	enc, err := lookupEncoding("iso-8859-1")
	require.NoError(t, err)
	assert.NotNil(t, enc)

	_, err = lookupEncoding("klingon")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}
