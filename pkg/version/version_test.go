package version

import "testing"

func TestGetInfoIncludesBuildMetadata(t *testing.T) {
	info := GetInfo()
	if info.Version == "" {
		t.Error("version must never be empty")
	}
	if info.GitCommit == "" || info.BuildDate == "" {
		t.Error("build metadata must default to placeholders, not empty strings")
	}
}

func TestGetShortCommit(t *testing.T) {
	orig := GitCommit
	defer func() { GitCommit = orig }()

	GitCommit = "abcdef123456"
	if got := GetShortCommit(); got != "abcdef1" {
		t.Fatalf("short commit = %q, want abcdef1", got)
	}

	GitCommit = "abc"
	if got := GetShortCommit(); got != "abc" {
		t.Fatalf("short commit for short hash = %q, want abc", got)
	}
}
