package wayback

import (
	"bytes"
	"mime"
	"net/http"
	"path"
	"strings"

	"golang.org/x/net/html/charset"
)

// sniffLen is how much of a resource is inspected to guess its type.
const sniffLen = 512

// DetectMimeType returns the media type of a stored resource.
// Detection order: Content-Type -> file extension -> magic bytes.
func DetectMimeType(logicalPath, contentType string, firstBytes []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			return mt
		}
	}

	// Strip an encoded query ("style.css%3Fv=2") before looking at the extension.
	name, _, _ := strings.Cut(logicalPath, "%3F")
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case "":
		b := bytes.TrimPrefix(firstBytes, []byte("\xef\xbb\xbf"))
		if bytes.HasPrefix(bytes.TrimSpace(b), []byte("<")) {
			return "text/html"
		}
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			if mt, _, err := mime.ParseMediaType(t); err == nil {
				return mt
			}
		}
	}

	mt, _, _ := mime.ParseMediaType(http.DetectContentType(firstBytes))
	return mt
}

// DetectCharset names the character encoding of an HTML or CSS resource:
// an explicit charset parameter wins, then a BOM, then @charset for CSS or
// the <meta> prescan for HTML. Everything else is assumed to be UTF-8.
func DetectCharset(mimeType, contentType string, firstBytes []byte) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil && params["charset"] != "" {
			if _, name := charset.Lookup(params["charset"]); name != "" {
				return name
			}
		}
	}
	switch mimeType {
	case "text/html":
		_, name, _ := charset.DetermineEncoding(firstBytes, "text/html")
		return name
	case "text/css":
		if name := bomCharset(firstBytes); name != "" {
			return name
		}
		if name := cssCharset(firstBytes); name != "" {
			return name
		}
	}
	return "utf-8"
}

func bomCharset(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("\xef\xbb\xbf")):
		return "utf-8"
	case bytes.HasPrefix(b, []byte("\xfe\xff")):
		return "utf-16be"
	case bytes.HasPrefix(b, []byte("\xff\xfe")):
		return "utf-16le"
	}
	return ""
}

// cssCharset reads a leading @charset "name"; rule.
func cssCharset(b []byte) string {
	const prefix = `@charset "`
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return ""
	}
	rest := b[len(prefix):]
	end := bytes.IndexByte(rest, '"')
	if end <= 0 {
		return ""
	}
	if _, name := charset.Lookup(string(rest[:end])); name != "" {
		return name
	}
	return ""
}
