package httpwire

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/indigo-web/utils/uf"
)

// requestLineRE mirrors spec.md §4.C's parse rule verbatim:
// ^([A-Za-z]+)\s+(\S+)\s+[Hh][Tt][Tt][Pp]/(\d\.\d+)$
var requestLineRE = regexp.MustCompile(`^([A-Za-z]+)\s+(\S+)\s+[Hh][Tt][Tt][Pp]/(\d\.\d+)$`)

// ParseRequestLine parses the first line of an HTTP request (without the
// trailing CRLF). method is upper-cased per the Request invariant.
func ParseRequestLine(line []byte) (method, uri, version string, err error) {
	m := requestLineRE.FindSubmatch(line)
	if m == nil {
		return "", "", "", ErrBadRequest
	}

	return strings.ToUpper(uf.B2S(m[1])), uf.B2S(m[2]), uf.B2S(m[3]), nil
}

// ParseHeaders reads repeated header lines out of buf, which must already
// contain a full header block (up to and including the terminating empty
// line, per netio.EmptyLineIndex), folding RFC 7230 §3.2.4 continuations
// into the previous header's value. It returns the number of bytes of buf
// consumed (through the empty line).
func ParseHeaders(buf []byte, into *Headers) (consumed int, err error) {
	var lastKey string

	for len(buf) > 0 {
		nl := bytes.IndexByte(buf, '\n')
		if nl == -1 {
			return consumed, ErrBadRequest
		}

		line := buf[:nl]
		line = bytes.TrimSuffix(line, []byte("\r"))
		advance := nl + 1
		buf = buf[advance:]
		consumed += advance

		if len(line) == 0 {
			return consumed, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "" {
				return consumed, ErrBadRequest
			}

			folded := strings.TrimSpace(uf.B2S(line))
			prev := into.pairs[len(into.pairs)-1].Value
			into.pairs[len(into.pairs)-1].Value = prev + " " + folded
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			return consumed, ErrBadRequest
		}

		key := strings.TrimSpace(uf.B2S(line[:colon]))
		value := strings.TrimSpace(uf.B2S(line[colon+1:]))
		if len(key) == 0 {
			return consumed, ErrBadRequest
		}

		into.Add(key, value)
		lastKey = key
	}

	return consumed, ErrBadRequest
}
