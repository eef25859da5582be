package library

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath canonicalizes a relative path before it is used as item
// identity. It replaces non-breaking spaces with regular spaces,
// collapses repeated slashes, trims leading/trailing slashes, and
// applies Unicode NFC normalization. Call this on every path entering
// the system: UI input, importer events, and remote listings.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\u00a0", " ")
	path = strings.ReplaceAll(path, "\u202f", " ")

	// Collapse multiple slashes and trim leading/trailing.
	var b strings.Builder
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}

// ParentPath returns everything before the last path segment, or the
// empty string for root-level items. The empty string addresses the
// library root itself.
func ParentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}

	return path[:idx]
}

// LeafName returns the last path segment. Used as the display title for
// folders that have none set.
func LeafName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

// JoinPath appends a leaf segment under a parent path. The empty parent
// is the library root.
func JoinPath(parent, leaf string) string {
	if parent == "" {
		return leaf
	}

	return parent + "/" + leaf
}

// IsSelfOrDescendant reports whether path is ancestor itself or lies
// anywhere inside ancestor's subtree. The move cycle check rejects
// destinations for which this is true of any moved item.
func IsSelfOrDescendant(path, ancestor string) bool {
	if ancestor == "" || path == ancestor {
		// The library root contains everything.
		return true
	}

	return strings.HasPrefix(path, ancestor+"/")
}

// RewritePrefix re-roots a descendant path from oldPrefix to newPrefix.
// The caller must have checked IsSelfOrDescendant(path, oldPrefix).
func RewritePrefix(path, oldPrefix, newPrefix string) string {
	if path == oldPrefix {
		return newPrefix
	}

	return newPrefix + strings.TrimPrefix(path, oldPrefix)
}
