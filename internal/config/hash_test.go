package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("serial:\n  port: /dev/x\n"), 0600); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "missing.yaml"}, true)
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
		t.Fatal("missing.yaml should be reported as missing without hash")
	}

	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockConfigWritesChecksums(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("serial:\n  port: /dev/x\n"), 0600); err != nil {
		t.Fatal(err)
	}

	report, err := LockConfig(configPath, false)
	if err != nil {
		t.Fatalf("LockConfig() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 1 {
		t.Fatalf("len(manifest.Hashes) = %d, want 1", len(manifest.Hashes))
	}
	if err := VerifyFileHash(configPath, manifest.Hashes["config.yaml"]); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	if _, err := LoadChecksums(t.TempDir()); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
