package wayback

import (
	"testing"
)

func TestURLToLocalPath(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		// Root → index.html
		{"https://example.com/", "index.html"},
		{"https://example.com", "index.html"},
		// Trailing slash directory
		{"https://example.com/page/", "page/index.html"},
		// Extension-less path stays a plain file
		{"https://example.com/dir/about", "dir/about"},
		// File with extension kept as-is
		{"https://example.com/style.css", "style.css"},
		{"https://example.com/img/photo.jpg", "img/photo.jpg"},
		// Query encoded after the file name
		{"https://example.com/search?q=go", "search%3Fq=go"},
		{"https://example.com/?p=1", "index.html%3Fp=1"},
		// Existing escapes kept, fragment dropped
		{"https://example.com/a%20b.html#top", "a%20b.html"},
		{"https://example.com/x:y.html", "x%3Ay.html"},
	}

	for _, tc := range cases {
		got := URLToLocalPath(tc.url, false)
		if got != tc.want {
			t.Errorf("URLToLocalPath(%q)\n  got  %q\n  want %q", tc.url, got, tc.want)
		}
	}
}

func TestURLToLocalPathPretty(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://example.com/", "index.html"},
		{"https://example.com/dir/about", "dir/about/index.html"},
		{"https://example.com/style.css?v=2", "style_v_2.css"},
		{"https://example.com/list?page=3", "list/index_page_3.html"},
	}

	for _, tc := range cases {
		got := URLToLocalPath(tc.url, true)
		if got != tc.want {
			t.Errorf("URLToLocalPath(%q, pretty)\n  got  %q\n  want %q", tc.url, got, tc.want)
		}
	}
}

func TestURLForLocalPathRoundTrip(t *testing.T) {
	urls := []string{
		"http://example.com/",
		"http://example.com/page/",
		"http://example.com/dir/about",
		"http://example.com/style.css",
		"http://example.com/search?q=go",
		"http://example.com/?p=1",
		"http://example.com/x:y.html",
		"http://example.com/a%20b.html",
	}
	for _, u := range urls {
		p := URLToLocalPath(u, false)
		if got := URLForLocalPath("http://example.com", p); got != u {
			t.Errorf("URLForLocalPath(%q) = %q, want %q", p, got, u)
		}
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	nb, err := NormalizeBaseURL("WWW.Example.com/blog")
	if err != nil {
		t.Fatal(err)
	}
	if nb.CanonicalURL != "https://www.example.com/blog" {
		t.Errorf("canonical = %q", nb.CanonicalURL)
	}
	if nb.BareHost != "example.com" {
		t.Errorf("bare host = %q", nb.BareHost)
	}
	want := []string{
		"https://example.com/blog",
		"https://www.example.com/blog",
		"http://example.com/blog",
		"http://www.example.com/blog",
	}
	if len(nb.Stems) != len(want) {
		t.Fatalf("stems = %v", nb.Stems)
	}
	for i := range want {
		if nb.Stems[i] != want[i] {
			t.Errorf("stem %d = %q, want %q", i, nb.Stems[i], want[i])
		}
	}
}

func TestNormalizeBaseURLQueryAndPort(t *testing.T) {
	nb, err := NormalizeBaseURL("http://example.com:8080/app?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if nb.Stems[0] != "https://example.com:8080/app" {
		t.Errorf("stem = %q", nb.Stems[0])
	}
	if nb.Variants[0] != "https://example.com:8080/app?x=1" {
		t.Errorf("variant = %q", nb.Variants[0])
	}
}

func TestNormalizeBaseURLIDN(t *testing.T) {
	nb, err := NormalizeBaseURL("https://bücher.example/")
	if err != nil {
		t.Fatal(err)
	}
	var hasASCII, hasUnicode bool
	for _, s := range nb.Stems {
		switch s {
		case "https://xn--bcher-kva.example/":
			hasASCII = true
		case "https://bücher.example/":
			hasUnicode = true
		}
	}
	if !hasASCII || !hasUnicode {
		t.Errorf("IDN stems missing: %v", nb.Stems)
	}
}

func TestNormalizeBaseURLErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://example.com/", "https:///path"} {
		if _, err := NormalizeBaseURL(in); err == nil {
			t.Errorf("NormalizeBaseURL(%q): expected error", in)
		}
	}
}

func TestRelativeLink(t *testing.T) {
	cases := []struct{ from, to, want string }{
		{".", "style.css", "style.css"},
		{"blog", "style.css", "../style.css"},
		{"blog/2020", "blog/img/a.png", "../img/a.png"},
	}
	for _, tc := range cases {
		if got := RelativeLink(tc.from, tc.to); got != tc.want {
			t.Errorf("RelativeLink(%q, %q) = %q, want %q", tc.from, tc.to, got, tc.want)
		}
	}
}
