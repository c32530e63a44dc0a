package engine

import (
	"bufio"
	"bytes"
	"net/http"
)

// ParseRequestHead extracts the routable fields of a raw HTTP/1.x
// request head. The "raw" entry is always present; method, path, host,
// proto, query and headers only when the head parses. Query and header
// maps keep the first value per key.
func ParseRequestHead(head []byte) map[string]any {
	info := map[string]any{"raw": string(head)}
	if len(head) == 0 {
		return info
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return info
	}

	info["method"] = req.Method
	info["path"] = req.URL.Path
	info["host"] = req.Host
	info["proto"] = req.Proto

	query := make(map[string]string)
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	info["query"] = query

	headers := make(map[string]string)
	for k, vs := range req.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	info["headers"] = headers

	return info
}

// ValidBindName reports whether name can be bound into a program as a
// callable. Engines only accept plain identifiers, so a rejected name
// is a registration failure rather than a silent dead binding.
func ValidBindName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
