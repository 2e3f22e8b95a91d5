package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumManifest is the .checksums file written by `conductor config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// Fingerprint hashes every loaded file in load order, so two configs that
// would produce the same runtime settings from the same files match.
func (c *Config) Fingerprint() (string, error) {
	h := blake3.New()
	for _, path := range c.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", path, err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00", filepath.Base(path), len(data))
		_, _ = h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Filename string
	Path     string
	Hash     string
}

// HashUpdateReport captures checksum generation details per directory.
type HashUpdateReport struct {
	ChecksumPaths []string
	Written       bool
	Files         []HashUpdateFileResult
}

// GenerateChecksums hashes every file in paths and writes one .checksums
// manifest per directory. When dryRun is true nothing is written.
func GenerateChecksums(paths []string, dryRun bool) (*HashUpdateReport, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	manifests := make(map[string]*ChecksumManifest)
	var dirs []string
	report := &HashUpdateReport{}

	for _, path := range paths {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		dir := filepath.Dir(path)
		m, ok := manifests[dir]
		if !ok {
			m = &ChecksumManifest{Version: 1, GeneratedAt: now, Hashes: make(map[string]string)}
			manifests[dir] = m
			dirs = append(dirs, dir)
		}
		m.Hashes[filepath.Base(path)] = hash
		report.Files = append(report.Files, HashUpdateFileResult{
			Filename: filepath.Base(path),
			Path:     path,
			Hash:     hash,
		})
	}

	for _, dir := range dirs {
		checksumPath := filepath.Join(dir, ".checksums")
		report.ChecksumPaths = append(report.ChecksumPaths, checksumPath)
		if dryRun {
			continue
		}
		data, err := yaml.Marshal(manifests[dir])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		// Write with restrictive permissions (contains expected hashes)
		if err := os.WriteFile(checksumPath, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	report.Written = !dryRun
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ".checksums")

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'conductor config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}
