package vfs

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/a/b/", "/a/b"},
		{"a/b", "/a/b"},
		{"/a/./b/../c", "/a/c"},
		{"//a//b", "/a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizePath(tt.in); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParentPath(t *testing.T) {
	if _, ok := ParentPath("/"); ok {
		t.Error("root must not have a parent")
	}
	if p, ok := ParentPath("/a/b/"); !ok || p != "/a" {
		t.Errorf("ParentPath(/a/b/) = %q, %v", p, ok)
	}
	if p, ok := ParentPath("/a"); !ok || p != "/" {
		t.Errorf("ParentPath(/a) = %q, %v", p, ok)
	}
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		root, p string
		want    string
		ok      bool
	}{
		{"/data/app", "/data/app", "", true},
		{"/data/app", "/data/app/db.kdbx", "db.kdbx", true},
		{"/data/app", "/data/application", "", false},
		{"/", "/x/y", "x/y", true},
	}
	for _, tt := range tests {
		t.Run(tt.p, func(t *testing.T) {
			got, ok := RelativePath(tt.root, tt.p)
			if got != tt.want || ok != tt.ok {
				t.Errorf("RelativePath(%q, %q) = %q, %v", tt.root, tt.p, got, ok)
			}
		})
	}
}

func TestBaseName(t *testing.T) {
	if got := BaseName("/"); got != "/" {
		t.Errorf("BaseName(/) = %q", got)
	}
	if got := BaseName("/a/b.kdbx/"); got != "b.kdbx" {
		t.Errorf("BaseName = %q", got)
	}
}
