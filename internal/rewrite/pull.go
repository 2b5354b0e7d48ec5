package rewrite

import (
	"bytes"
	"errors"
	"io"
)

var errRewriterClosed = errors.New("rewrite: read from closed rewriter")

// passFunc produces the next chunk of output. It reports true once the
// source is exhausted and everything has been written to out.
type passFunc func(out *bytes.Buffer) (bool, error)

// pullReader drives a passFunc from Read calls, so the consumer decides how
// fast the source is read. The source is released exactly once: at EOF, on
// the first error, or on Close.
type pullReader struct {
	pass    passFunc
	release func() error
	out     bytes.Buffer

	done     bool
	released bool
	err      error
}

func newPullReader(pass passFunc, release func() error) *pullReader {
	return &pullReader{pass: pass, release: release}
}

func (r *pullReader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 {
		if r.done {
			if r.err != nil {
				return 0, r.err
			}
			return 0, io.EOF
		}
		eof, err := r.pass(&r.out)
		if err != nil {
			r.err = err
		}
		if eof || err != nil {
			r.finish()
		}
	}
	return r.out.Read(p)
}

// Close releases the source. Reads after Close fail.
func (r *pullReader) Close() error {
	if !r.done {
		r.err = errRewriterClosed
		r.out.Reset()
	}
	r.done = true
	return r.closeSource()
}

func (r *pullReader) finish() {
	r.done = true
	if err := r.closeSource(); err != nil && r.err == nil {
		r.err = err
	}
}

func (r *pullReader) closeSource() error {
	if r.released {
		return nil
	}
	r.released = true
	return r.release()
}
