package rewrite

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

const replayPrefix = "http://replay.test/ServeContent?url="

var testStems = StemSet{"http://a.com/"}

func replayTarget() Target {
	return TargetFunc(func(u string) string { return replayPrefix + u })
}

// trackingReader counts Close calls on the source handed to a rewriter.
type trackingReader struct {
	io.Reader
	closed int
}

func (r *trackingReader) Close() error {
	r.closed++
	return nil
}

func source(s string) *trackingReader {
	return &trackingReader{Reader: strings.NewReader(s)}
}

// failingReader returns err after the first chunk.
type failingReader struct {
	chunk string
	err   error
	read  bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, r.err
	}
	r.read = true
	return copy(p, r.chunk), nil
}

var errBoom = errors.New("boom")

type countingObserver struct {
	mu     sync.Mutex
	counts map[Outcome]int
}

func (o *countingObserver) ObserveLink(_ string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[Outcome]int)
	}
	o.counts[outcome]++
}

func (o *countingObserver) count(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outcome]
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read rewritten output: %v", err)
	}
	return string(b)
}
