package version

import (
	"runtime/debug"
	"testing"
)

func TestGet_Defaults(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Fatalf("Version = %q, want %q", info.Version, Version)
	}
	if info.GoVersion == "" {
		t.Fatal("GoVersion should come from build info")
	}
}

func TestApplyBuildInfo(t *testing.T) {
	out := Info{Version: "dev", Commit: "none"}
	applyBuildInfo(&out, &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	if out.Commit != "0123456789abcdef0123" {
		t.Errorf("Commit = %q", out.Commit)
	}
	if out.CommitDate != "2026-03-01T12:00:00Z" || out.BuildDate != out.CommitDate {
		t.Errorf("dates = %q/%q", out.CommitDate, out.BuildDate)
	}
	if out.VCSDirty == nil || !*out.VCSDirty {
		t.Error("VCSDirty should be true")
	}
}

func TestApplyBuildInfo_LdflagsWin(t *testing.T) {
	out := Info{Commit: "release-commit", BuildDate: "2026-01-01"}
	applyBuildInfo(&out, &debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "other"},
			{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
		},
	})
	if out.Commit != "release-commit" || out.BuildDate != "2026-01-01" {
		t.Fatalf("ldflags values overwritten: %+v", out)
	}
}

func TestShort(t *testing.T) {
	i := Info{Version: "1.4.0", Commit: "0123456789abcdef"}
	if got := i.Short(); got != "1.4.0 (0123456789ab)" {
		t.Fatalf("Short = %q", got)
	}
}
