package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsDryRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, mockLLM)

	report, err := GenerateChecksums([]string{path}, true)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 1 || report.Files[0].Hash == "" {
		t.Fatalf("report.Files = %+v", report.Files)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockedConfigDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, mockLLM)

	if _, err := GenerateChecksums([]string{path}, false); err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	writeTestFile(t, path, mockLLM+"service:\n  name: tampered\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, mockLLM)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := cfg.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 64 {
		t.Fatalf("fingerprint %q is not a 256-bit hex digest", first)
	}
	again, _ := cfg.Fingerprint()
	if again != first {
		t.Fatal("fingerprint is not stable")
	}

	writeTestFile(t, path, mockLLM+"service:\n  name: other\n")
	changed, _ := cfg.Fingerprint()
	if changed == first {
		t.Fatal("fingerprint did not change with file contents")
	}
}

func TestFilesRelocksTamperedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, "include: [workers.yaml]\n"+mockLLM)
	writeTestFile(t, filepath.Join(dir, "workers.yaml"), "workers:\n  lead_qualifier: 4\n")

	files, err := Files(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "config.yaml" || filepath.Base(files[1]) != "workers.yaml" {
		t.Fatalf("Files() = %v", files)
	}
	if _, err := GenerateChecksums(files, false); err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, filepath.Join(dir, "workers.yaml"), "workers:\n  lead_qualifier: 6\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject the edited include")
	}

	// Files ignores the stale manifest, so the config can be relocked.
	files, err = Files(path)
	if err != nil {
		t.Fatalf("Files() with stale manifest: %v", err)
	}
	if _, err := GenerateChecksums(files, false); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after relock: %v", err)
	}
	if cfg.Workers["lead_qualifier"] != 6 {
		t.Fatalf("lead_qualifier workers = %d, want 6", cfg.Workers["lead_qualifier"])
	}
}
