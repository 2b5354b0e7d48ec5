package rewrite

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// lookupEncoding maps a charset label to an encoding. A nil encoding means
// UTF-8, which is passed through without transcoding.
func lookupEncoding(label string) (encoding.Encoding, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, nil
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, label)
	}
	if name == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

func decodeReader(r io.Reader, enc encoding.Encoding) io.Reader {
	if enc == nil {
		return r
	}
	return transform.NewReader(r, enc.NewDecoder())
}

func encodeReader(r io.Reader, enc encoding.Encoding) io.Reader {
	if enc == nil {
		return r
	}
	return transform.NewReader(r, encoding.ReplaceUnsupported(enc.NewEncoder()))
}

// continuationStripper removes CSS line continuations: a backslash directly
// followed by LF or CRLF. An escaped backslash is copied as a pair so that
// "\\" before a newline is left alone.
type continuationStripper struct {
	transform.NopResetter
}

func (continuationStripper) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		n := 1
		if c == '\\' {
			rest := src[nSrc+1:]
			switch {
			case len(rest) == 0:
				if !atEOF {
					return nDst, nSrc, transform.ErrShortSrc
				}
			case rest[0] == '\n':
				nSrc += 2
				continue
			case rest[0] == '\r':
				if len(rest) == 1 && !atEOF {
					return nDst, nSrc, transform.ErrShortSrc
				}
				if len(rest) > 1 && rest[1] == '\n' {
					nSrc += 3
					continue
				}
			case rest[0] == '\\':
				n = 2
			}
		}
		if nDst+n > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		copy(dst[nDst:], src[nSrc:nSrc+n])
		nDst += n
		nSrc += n
	}
	return nDst, nSrc, nil
}

// readCloser pairs a transformed reader with the close function of the
// source it was built from.
type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error {
	return rc.close()
}

func closeFunc(r io.Reader) func() error {
	if c, ok := r.(io.Closer); ok {
		return c.Close
	}
	return func() error { return nil }
}
