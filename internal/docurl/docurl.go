// Package docurl parses the gateway's remotedoc:// URL scheme.
package docurl

import (
	"net/url"
	"strings"

	"github.com/alecthomas/errors"
)

// Scheme is the URL scheme served by the gateway, e.g.
// remotedoc://owner/repo/branch/docs/guide.md. It is case-sensitive.
const Scheme = "remotedoc://"

// ErrInvalidURL is returned for URLs that are not well-formed remotedoc://
// URLs or whose path fails validation.
var ErrInvalidURL = errors.New("invalid URL")

// Parse extracts the normalized path from a remotedoc:// URL. The path is
// percent-decoded once, then normalized lexically (Normalize) and validated.
// The result is always a clean relative path such as
// "owner/repo/branch/docs/guide.md".
func Parse(rawURL string) (string, error) {
	if rawURL == "" {
		return "", errors.Wrap(ErrInvalidURL, "URL cannot be empty")
	}

	rawURL = strings.TrimSpace(rawURL)

	if !strings.HasPrefix(rawURL, Scheme) {
		return "", errors.Wrapf(ErrInvalidURL, "must start with %q, got %q", Scheme, rawURL)
	}

	path := rawURL[len(Scheme):]
	if path == "" {
		return "", errors.Wrapf(ErrInvalidURL, "missing file path after %q", Scheme)
	}

	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidURL, "decode %q: %s", path, err)
	}

	normalized := Normalize(decoded)

	if err := validatePath(normalized); err != nil {
		return "", errors.Wrapf(ErrInvalidURL, "invalid file path %q", normalized)
	}

	return normalized, nil
}

// Normalize cleans a slash-separated path lexically: outer slashes are
// stripped, runs of slashes collapse, "." segments are dropped, and ".."
// pops the previous segment. A ".." with nothing to pop is discarded rather
// than rising above the root. The filesystem is never consulted.
func Normalize(path string) string {
	path = strings.Trim(path, "/")

	var parts []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}

// validatePath rejects paths that could escape the cache root or smuggle
// control characters into filesystem calls. Normalize cannot produce a ".."
// or a leading slash, but both are checked again before any I/O.
func validatePath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return errors.New("absolute path")
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return errors.New("path traversal")
		}
	}
	if strings.ContainsAny(path, "\x00\r\n") {
		return errors.New("control character in path")
	}
	return nil
}
