package wayback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrNoManifest is returned when the URLs of a pretty-path archive are
// needed but no CDX manifest was loaded.
var ErrNoManifest = errors.New("pretty-path archive has no cdx manifest")

// Archive is one archived site stored in the wayback-dl layout: files keyed
// by URLToLocalPath below a root, plus an optional CDX manifest. It is the
// archival context handed to the link rewriters.
type Archive struct {
	Name   string
	Base   *NormalizedBase
	Store  Storage
	Pretty bool
	Index  *SnapshotIndex
	// CSSMode overrides the rewriter's CSS mode for this archive ("" keeps
	// the default).
	CSSMode string
}

// NewArchive builds an archive for baseURL backed by store.
func NewArchive(name, baseURL string, store Storage, pretty bool) (*Archive, error) {
	base, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", name, err)
	}
	if name == "" {
		name = base.BareHost
	}
	return &Archive{
		Name:   name,
		Base:   base,
		Store:  store,
		Pretty: pretty,
		Index:  NewSnapshotIndex(),
	}, nil
}

// URLStems returns every http/https and bare/www spelling of the base URL.
func (a *Archive) URLStems() []string {
	return a.Base.Stems
}

// Origin is the canonical scheme://host of the archive.
func (a *Archive) Origin() string {
	scheme, rest, _ := strings.Cut(a.Base.CanonicalURL, "://")
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}

func schemeless(u string) string {
	if _, rest, ok := strings.Cut(u, "://"); ok {
		u = rest
	}
	return strings.ToLower(u)
}

// matchLen returns the length of the longest stem rawURL starts with, or 0.
func (a *Archive) matchLen(rawURL string) int {
	k := schemeless(rawURL)
	best := 0
	for _, s := range a.Base.Stems {
		sk := schemeless(s)
		if strings.HasPrefix(k, sk) && len(sk) > best {
			best = len(sk)
		}
	}
	return best
}

// Owns reports whether rawURL lies inside the archive.
func (a *Archive) Owns(rawURL string) bool {
	return a.matchLen(rawURL) > 0
}

// LocalPath maps rawURL to its logical path in the archive.
func (a *Archive) LocalPath(rawURL string) string {
	return URLToLocalPath(rawURL, a.Pretty)
}

// Resource is an opened archived file.
type Resource struct {
	URL      string
	Path     string
	MimeType string
	Charset  string
	Body     io.ReadCloser
}

// Open locates rawURL in the store and sniffs its type. A URL without a
// trailing slash also matches a directory index.
func (a *Archive) Open(rawURL string) (*Resource, error) {
	logical := a.LocalPath(rawURL)
	candidates := []string{logical}
	if !strings.HasSuffix(logical, "index.html") {
		candidates = append(candidates, strings.TrimSuffix(logical, "/")+"/index.html")
	}

	var lastErr error
	for _, p := range candidates {
		f, err := a.Store.Open(p)
		if err != nil {
			lastErr = err
			continue
		}
		return sniff(rawURL, p, f)
	}
	return nil, fmt.Errorf("%s: %w", rawURL, lastErr)
}

func sniff(rawURL, logical string, f io.ReadCloser) (*Resource, error) {
	first := make([]byte, sniffLen)
	n, err := io.ReadFull(f, first)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		_ = f.Close()
		return nil, fmt.Errorf("read %s: %w", logical, err)
	}
	first = first[:n]
	mt := DetectMimeType(logical, "", first)
	return &Resource{
		URL:      rawURL,
		Path:     logical,
		MimeType: mt,
		Charset:  DetectCharset(mt, "", first),
		Body: struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(first), f), f},
	}, nil
}

// Entry is one archived URL and the logical path holding it.
type Entry struct {
	URL  string
	Path string
}

// Entries lists every archived file. The manifest is authoritative when
// loaded; otherwise the store is walked and URLs are rebuilt from paths,
// which only works for the default (non-pretty) layout.
func (a *Archive) Entries() ([]Entry, error) {
	if a.Index != nil && a.Index.Len() > 0 {
		seen := make(map[string]bool)
		var out []Entry
		for _, s := range a.Index.GetManifest() {
			p := a.LocalPath(s.FileURL)
			if seen[p] || !a.Store.Exists(p) {
				continue
			}
			seen[p] = true
			out = append(out, Entry{URL: s.FileURL, Path: p})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
		return out, nil
	}
	if a.Pretty {
		return nil, fmt.Errorf("archive %s: %w", a.Name, ErrNoManifest)
	}
	origin := a.Origin()
	var out []Entry
	err := a.Store.Walk(func(p string) error {
		out = append(out, Entry{URL: URLForLocalPath(origin, p), Path: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk archive %s: %w", a.Name, err)
	}
	return out, nil
}

// Registry maps URLs to the archive that owns them.
type Registry struct {
	archives []*Archive
}

// NewRegistry returns a registry over archives.
func NewRegistry(archives ...*Archive) *Registry {
	return &Registry{archives: archives}
}

// Archives returns the registered archives.
func (r *Registry) Archives() []*Archive {
	return r.archives
}

// Lookup returns the archive with the most specific stem matching rawURL.
func (r *Registry) Lookup(rawURL string) (*Archive, bool) {
	var best *Archive
	bestLen := 0
	for _, a := range r.archives {
		if n := a.matchLen(rawURL); n > bestLen {
			best, bestLen = a, n
		}
	}
	return best, best != nil
}
