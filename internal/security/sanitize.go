package security

import (
	"path"
	"regexp"
	"strings"
)

const maxUsernameLen = 32

var unsafeUsernameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeUsername replaces unsafe characters with '_', bounds the length
// and falls back to "user".
func SanitizeUsername(raw string) string {
	s := unsafeUsernameChars.ReplaceAllString(raw, "_")
	if len(s) > maxUsernameLen {
		s = s[:maxUsernameLen]
	}
	if s == "" {
		return "user"
	}
	return s
}

// SanitizeRelPath normalizes a client path to a workspace-relative path.
// Backslashes become slashes; empty, "." and ".." segments are dropped,
// so the result can never climb out of the workspace root.
func SanitizeRelPath(p string) string {
	s := strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	parts := strings.Split(s, "/")
	out := parts[:0]
	for _, seg := range parts {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		out = append(out, seg)
	}
	return strings.Join(out, "/")
}

// ResolvePath joins a sanitized relative path onto the workspace root.
func ResolvePath(root, rel string) string {
	rel = SanitizeRelPath(rel)
	if rel == "" {
		return root
	}
	return path.Join(root, rel)
}

// Within reports whether p is root or lies beneath it.
func Within(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}
