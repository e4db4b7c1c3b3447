package pipeline

import (
	"compress/gzip"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// encoding is a compression algorithm the downstream response can be
// wrapped in.
type encoding int

const (
	encodingNone encoding = iota
	encodingGzip
	encodingBrotli
)

// negotiateEncoding parses Accept-Encoding with quality values (q
// defaults to 1.0; q <= 0 disables the token) and picks brotli over
// gzip when both are acceptable (spec §4.11).
func negotiateEncoding(acceptEncoding string) encoding {
	if acceptEncoding == "" {
		return encodingNone
	}
	type candidate struct {
		name string
		q    float64
	}
	var candidates []candidate
	for _, tok := range strings.Split(acceptEncoding, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.Split(tok, ";")
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		q := 1.0
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if val, ok := strings.CutPrefix(p, "q="); ok {
				if parsed, err := strconv.ParseFloat(val, 64); err == nil {
					q = parsed
				}
			}
		}
		if q <= 0 {
			continue
		}
		candidates = append(candidates, candidate{name: name, q: q})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].q > candidates[j].q })

	accepts := func(name string) bool {
		for _, c := range candidates {
			if c.name == name || c.name == "*" {
				return true
			}
		}
		return false
	}
	if accepts("br") {
		return encodingBrotli
	}
	if accepts("gzip") {
		return encodingGzip
	}
	return encodingNone
}

func (e encoding) headerValue() string {
	switch e {
	case encodingBrotli:
		return "br"
	case encodingGzip:
		return "gzip"
	default:
		return ""
	}
}

// wrapEncoder wraps w in a streaming compressor for the chosen encoding.
// The caller must Close the returned writer to flush trailing frames.
func wrapEncoder(w io.Writer, e encoding) io.WriteCloser {
	switch e {
	case encodingBrotli:
		return brotli.NewWriter(w)
	case encodingGzip:
		gw, _ := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		return gw
	default:
		return nopWriteCloser{w}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// prepareCompressedResponse sets Content-Encoding and drops
// Content-Length (size unknown once compressed); HTTP/1 additionally
// needs chunked transfer encoding, HTTP/2 uses protocol framing instead
// (spec §4.11).
func prepareCompressedResponse(h http.Header, e encoding, protoMajor int) {
	h.Set("Content-Encoding", e.headerValue())
	h.Del("Content-Length")
	if protoMajor == 1 {
		h.Set("Transfer-Encoding", "chunked")
	}
}
