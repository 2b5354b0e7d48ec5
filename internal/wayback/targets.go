package wayback

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/sigman78/wayback-replay/internal/rewrite"
)

// ServeContentTarget points links at the replay server's ServeContent
// endpoint. The URL is appended unescaped so that a rewritten stem followed
// by the rest of the original link still forms a valid target.
func ServeContentTarget(publicURL string) rewrite.Target {
	base := publicURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return rewrite.TargetFunc(func(u string) string {
		return base + "ServeContent?url=" + u
	})
}

// WaybackTarget points links at the Wayback Machine's raw (id_) capture
// closest to the one in idx, or at fallbackTS when the URL is unknown.
func WaybackTarget(idx *SnapshotIndex, fallbackTS string) rewrite.Target {
	return rewrite.TargetFunc(func(u string) string {
		return WaybackAssetURL(u, fallbackTS, idx)
	})
}

// WaybackAssetURL builds a Wayback raw-content URL for an asset, resolving the
// best available timestamp via the snapshot index.
func WaybackAssetURL(assetURL, fallbackTS string, idx *SnapshotIndex) string {
	ts := fallbackTS
	if idx != nil {
		ts = idx.Resolve(assetURL, fallbackTS)
	}
	return fmt.Sprintf("https://web.archive.org/web/%sid_/%s", ts, assetURL)
}

// LocalPathTarget points links at files of an exported copy of a, relative
// to the file that holds docURL.
func LocalPathTarget(a *Archive, docURL string) rewrite.Target {
	docDir := path.Dir(a.LocalPath(docURL))
	return rewrite.WholeURLFunc(func(u string) string {
		frag := ""
		if i := strings.IndexByte(u, '#'); i >= 0 {
			u, frag = u[:i], u[i:]
		}
		rel := RelativeLink(docDir, a.LocalPath(u))
		return escapeLocalPath(rel) + frag
	})
}

// escapeLocalPath escapes each segment so that a browser decoding the link
// arrives at the literal file name, which may itself contain %xx sequences.
func escapeLocalPath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if s != "." && s != ".." {
			segs[i] = url.PathEscape(s)
		}
	}
	return strings.Join(segs, "/")
}
