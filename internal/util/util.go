package util

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
)

func GetIDFromString(str *string) string {
	hasher := sha1.New()
	hasher.Write([]byte(*str))

	return hex.EncodeToString(hasher.Sum(nil))
}

// JoinURL joins a base URL and a slash separated path, escaping every path segment.
func JoinURL(base, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}

	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
