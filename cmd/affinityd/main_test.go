package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnv_MissingFileIsSkipped(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if err := loadEnv(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}

func TestLoadEnv_DoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "AFFINITYD_TEST_NEW=from-file\nAFFINITYD_TEST_SET=from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AFFINITYD_TEST_SET", "from-env")
	t.Setenv("AFFINITYD_TEST_NEW", "")
	os.Unsetenv("AFFINITYD_TEST_NEW")

	if err := loadEnv(path); err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if got := os.Getenv("AFFINITYD_TEST_NEW"); got != "from-file" {
		t.Fatalf("AFFINITYD_TEST_NEW=%q", got)
	}
	if got := os.Getenv("AFFINITYD_TEST_SET"); got != "from-env" {
		t.Fatalf("AFFINITYD_TEST_SET=%q", got)
	}
}

func TestRebuildCmd_RequiresExactlyOneTarget(t *testing.T) {
	cmd := rebuildCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error without --viewer or --all")
	}
	cmd = rebuildCmd()
	cmd.SetArgs([]string{"--viewer", "alice", "--all"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error with both flags")
	}
}
