package util

import (
	"encoding/hex"
	"net/url"
	"strings"
)

// BytesToHex returns the lowercase hex encoding of input, two characters per byte.
func BytesToHex(input []byte) string {
	return hex.EncodeToString(input)
}

// UrlDirname drops the last path segment of a url, along with any query or fragment,
// e.g. "http://localhost:8001/control" becomes "http://localhost:8001". Anything we
// can't recognize as an absolute url yields an empty string.
func UrlDirname(input string) string {
	parsed, err := url.Parse(input)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}

	dir := ""
	if i := strings.LastIndex(parsed.EscapedPath(), "/"); i > 0 {
		dir = parsed.EscapedPath()[:i]
	}

	return parsed.Scheme + "://" + parsed.Host + dir
}
