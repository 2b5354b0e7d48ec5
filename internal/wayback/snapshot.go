package wayback

import (
	"net/url"
	"sort"
	"sync"
)

// Snapshot is one archived capture of a URL.
type Snapshot struct {
	FileURL   string // original URL
	Timestamp string // CDX timestamp, YYYYMMDDhhmmss
	FileID    string // path+query, the deduplication key
}

// SnapshotIndex deduplicates CDX entries and answers "which capture of this
// URL should a link point at". Register calls must happen before the index
// is shared; GetManifest and Resolve are safe for concurrent use.
type SnapshotIndex struct {
	byPath         map[string]Snapshot // path -> latest snapshot
	byPathAndQuery map[string]Snapshot // path+query -> latest snapshot

	once     sync.Once
	manifest []Snapshot // newest first
}

// NewSnapshotIndex creates an empty index.
func NewSnapshotIndex() *SnapshotIndex {
	return &SnapshotIndex{
		byPath:         make(map[string]Snapshot),
		byPathAndQuery: make(map[string]Snapshot),
	}
}

func indexKeys(rawURL string) (pathKey, queryKey string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	pathKey = u.Path
	if pathKey == "" {
		pathKey = "/"
	}
	queryKey = pathKey
	if u.RawQuery != "" {
		queryKey += "?" + u.RawQuery
	}
	return pathKey, queryKey, true
}

// Register adds a capture, keeping the lexicographically greatest timestamp
// per key. Malformed URLs are ignored.
func (idx *SnapshotIndex) Register(rawURL, timestamp string) {
	pathKey, queryKey, ok := indexKeys(rawURL)
	if !ok {
		return
	}
	snap := Snapshot{FileURL: rawURL, Timestamp: timestamp, FileID: queryKey}
	if existing, ok := idx.byPathAndQuery[queryKey]; !ok || timestamp > existing.Timestamp {
		idx.byPathAndQuery[queryKey] = snap
	}
	if existing, ok := idx.byPath[pathKey]; !ok || timestamp > existing.Timestamp {
		idx.byPath[pathKey] = snap
	}
}

// Len reports the number of unique path+query keys.
func (idx *SnapshotIndex) Len() int {
	return len(idx.byPathAndQuery)
}

// GetManifest returns every unique capture, newest first.
func (idx *SnapshotIndex) GetManifest() []Snapshot {
	idx.once.Do(func() {
		idx.manifest = make([]Snapshot, 0, len(idx.byPathAndQuery))
		for _, s := range idx.byPathAndQuery {
			idx.manifest = append(idx.manifest, s)
		}
		sort.Slice(idx.manifest, func(i, j int) bool {
			if idx.manifest[i].Timestamp != idx.manifest[j].Timestamp {
				return idx.manifest[i].Timestamp > idx.manifest[j].Timestamp
			}
			return idx.manifest[i].FileID < idx.manifest[j].FileID
		})
	})
	return idx.manifest
}

// Resolve finds the best timestamp for assetURL: exact path+query first,
// then path only, then fallback.
func (idx *SnapshotIndex) Resolve(assetURL, fallback string) string {
	pathKey, queryKey, ok := indexKeys(assetURL)
	if !ok {
		return fallback
	}
	if s, ok := idx.byPathAndQuery[queryKey]; ok {
		return s.Timestamp
	}
	if s, ok := idx.byPath[pathKey]; ok {
		return s.Timestamp
	}
	return fallback
}
