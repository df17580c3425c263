package treesync

import (
	"encoding/hex"
	"io"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/AjaxZhan/devspace/pkg/types"
)

// ListCommand enumerates every file and directory under root in one pass,
// NUL-separated as "type|relative path".
func ListCommand(root string) []string {
	return []string{"find", root, "-mindepth", "1", "-printf", `%y|%P\0`}
}

// sanitizeRecord strips control characters, normalizes separators and
// collapses repeated slashes.
func sanitizeRecord(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		if r == '\\' {
			return '/'
		}
		return r
	}, s)
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return strings.TrimSpace(s)
}

// ParseTree folds listing output into a Tree. Directories are placed first,
// so a name reported as both a directory and a file stays a directory.
func ParseTree(out string, dedupChars string) types.Tree {
	var dirs, files []string
	for _, rec := range strings.Split(out, "\x00") {
		rec = sanitizeRecord(rec)
		kind, rel, ok := strings.Cut(rec, "|")
		if !ok {
			continue
		}
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" || rel == "." {
			continue
		}
		switch kind {
		case "d":
			dirs = append(dirs, rel)
		case "f":
			files = append(files, rel)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	tree := types.Tree{}
	for _, d := range dirs {
		ensureDir(tree, strings.Split(d, "/"))
	}
	for _, f := range files {
		parts := strings.Split(f, "/")
		leaf := parts[len(parts)-1]
		if leaf == "" {
			continue
		}
		parent := ensureDir(tree, parts[:len(parts)-1])
		if _, exists := parent[leaf]; !exists {
			parent[leaf] = nil
		}
	}

	if dedupChars != "" {
		dedupLeadingChars(tree, dedupChars)
	}
	return tree
}

func ensureDir(tree types.Tree, parts []string) types.Tree {
	cur := tree
	for _, part := range parts {
		if part == "" {
			continue
		}
		next := cur[part]
		if next == nil {
			next = types.Tree{}
			cur[part] = next
		}
		cur = next
	}
	return cur
}

// dedupLeadingChars drops an empty directory named c+X when a non-empty
// sibling X exists, for each c in chars. Editors that create "~X" or ".X"
// scratch directories would otherwise show duplicates.
func dedupLeadingChars(node types.Tree, chars string) {
	for _, child := range node {
		if child != nil {
			dedupLeadingChars(child, chars)
		}
	}
	for _, c := range chars {
		prefix := string(c)
		for name, child := range node {
			base, ok := strings.CutPrefix(name, prefix)
			if !ok || base == "" {
				continue
			}
			sibling, exists := node[base]
			if !exists {
				continue
			}
			prefEmpty := child != nil && len(child) == 0
			baseEmpty := sibling != nil && len(sibling) == 0
			if prefEmpty && !baseEmpty {
				delete(node, name)
			}
		}
	}
}

// Hash returns an order-independent digest of a tree: sorted paths with a
// file or directory marker, hashed with BLAKE3.
func Hash(tree types.Tree) string {
	h := blake3.New()
	var walk func(node types.Tree, base string)
	walk = func(node types.Tree, base string) {
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if base != "" {
				p = base + "/" + k
			}
			child := node[k]
			marker := ":D\n"
			if child == nil {
				marker = ":F\n"
			}
			io.WriteString(h, p+marker)
			if child != nil {
				walk(child, p)
			}
		}
	}
	walk(tree, "")
	return hex.EncodeToString(h.Sum(nil))
}
