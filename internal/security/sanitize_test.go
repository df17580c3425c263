package security

import (
	"strings"
	"testing"
)

func TestSanitizeUsername(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"a b/c", "a_b_c"},
		{"", "user"},
		{"dev.user-1_x", "dev.user-1_x"},
		{strings.Repeat("z", 40), strings.Repeat("z", 32)},
		{"ünï", "_n_"},
	}
	for _, tt := range tests {
		if got := SanitizeUsername(tt.in); got != tt.want {
			t.Errorf("SanitizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"a/b.txt", "a/b.txt"},
		{"/etc/passwd", "etc/passwd"},
		{"../../etc/passwd", "etc/passwd"},
		{"a/./b/../c", "a/b/c"},
		{`dir\file.txt`, "dir/file.txt"},
		{"a//b///c", "a/b/c"},
		{"  spaced  ", "spaced"},
	}
	for _, tt := range tests {
		if got := SanitizeRelPath(tt.in); got != tt.want {
			t.Errorf("SanitizeRelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolvePathNeverEscapes(t *testing.T) {
	root := "/workspace"
	inputs := []string{
		"..", "../..", "/..", "a/../../..", `..\..\x`, "/abs/path", "./../x/../../y",
		"a/b/../../../../c", "....", ".../x", "\x00/..",
	}
	for _, in := range inputs {
		got := ResolvePath(root, in)
		if !Within(root, got) {
			t.Errorf("ResolvePath(%q) = %q escapes %s", in, got, root)
		}
	}
	if got := ResolvePath(root, ""); got != root {
		t.Errorf("empty path should resolve to root, got %q", got)
	}
}

func TestWithin(t *testing.T) {
	if Within("/workspace", "/workspace2/x") {
		t.Error("sibling with shared prefix must not count as within")
	}
	if !Within("/workspace", "/workspace/a") {
		t.Error("child should be within")
	}
}
