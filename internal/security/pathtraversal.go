package security

import (
	"net/url"
	"strings"

	"deeperhub/internal/errs"
)

// ScanPathTraversal reports whether s, once URL-decoded and
// lexically normalized, escapes its base directory (spec: message gate
// stage 3, for any field interpreted as a file/resource path — e.g.
// attachment references).
func ScanPathTraversal(s string) Outcome {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		decoded = s
	}
	if strings.Contains(decoded, "\x00") {
		return deny(errs.ErrPathTraversal, "embedded null byte")
	}
	if strings.HasPrefix(decoded, "~") {
		return deny(errs.ErrPathTraversal, "home-relative path")
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return deny(errs.ErrPathTraversal, "parent-directory segment")
		}
	}
	return allow
}
