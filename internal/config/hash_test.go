package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "config.yaml", "service:\n  name: test\n")

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "endpoints.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("endpoints.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockAndCheck(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "include:\n  - extra.yaml\nservice:\n  name: locked\n")
	extra := writeConfig(t, dir, "extra.yaml", "service:\n  log_level: debug\n")

	result, err := Check(dir)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Passed || len(result.Warnings) == 0 {
		t.Fatalf("unlocked config should pass with a warning: %+v", result)
	}

	reports, err := Lock(dir)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if len(reports) != 1 || !reports[0].Written || len(reports[0].Files) != 2 {
		t.Fatalf("unexpected lock reports: %+v", reports)
	}

	result, err = Check(dir)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Passed || len(result.Errors) != 0 || len(result.Warnings) != 0 {
		t.Fatalf("locked config should pass cleanly: %+v", result)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() of locked config error = %v", err)
	}

	if err := os.WriteFile(extra, []byte("service:\n  log_level: error\n"), 0600); err != nil {
		t.Fatal(err)
	}
	result, err = Check(dir)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Passed || len(result.Errors) != 1 {
		t.Fatalf("tampered config should fail: %+v", result)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("Load() should refuse a tampered config")
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	if _, err := LoadChecksums(t.TempDir()); err == nil {
		t.Fatal("expected error for missing checksums")
	}
}
