package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// Files named in the include array are decoded on top of the root in order,
// so later files win for any key they set.
func Load(configPath string) (*Config, error) {
	cfg, err := decode(configPath)
	if err != nil {
		return nil, err
	}

	// Hash-verify every loaded file when a .checksums manifest is present
	if err := verifyAllConfigHashes(cfg.Files); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Files returns every file Load would read for configPath, root first,
// without verifying checksums or validating settings.
func Files(configPath string) ([]string, error) {
	cfg, err := decode(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.Files, nil
}

// decode reads the root file and its includes on top of Defaults.
func decode(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := Defaults()
	cfg.SourceFiles = make(map[string]*yaml.Node)

	visited := make(map[string]bool)
	rootIncludes, err := loadFile(cfg, absPath, visited)
	if err != nil {
		return nil, err
	}
	if err := loadIncludes(cfg, rootIncludes, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	cfg.Include = rootIncludes
	return cfg, nil
}

// loadFile decodes path on top of cfg and returns the file's own include list.
func loadFile(cfg *Config, path string, visited map[string]bool) ([]string, error) {
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &node); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	cfg.SourceFiles[path] = &node
	cfg.Files = append(cfg.Files, path)

	// Empty document
	if len(node.Content) == 0 {
		return nil, nil
	}

	var partial struct {
		Include []string `yaml:"include"`
	}
	if err := node.Decode(&partial); err != nil {
		return nil, fmt.Errorf("failed to parse includes in %s: %w", path, err)
	}
	if err := node.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return partial.Include, nil
}

// loadIncludes recursively loads files from an include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		nested, err := loadFile(cfg, absPath, visited)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(nested) > 0 {
			if err := loadIncludes(cfg, nested, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	var dirs []string
	for _, path := range paths {
		dir := filepath.Dir(path)
		if _, seen := dirToFiles[dir]; !seen {
			dirs = append(dirs, dir)
		}
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for _, dir := range dirs {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No manifest in this directory, nothing to verify.
			continue
		}

		for _, path := range dirToFiles[dir] {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: conductor config lock --config %s", basename, dir, path)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: conductor config lock --config %s", path, err, path)
			}
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// ParseInterval converts interval shorthands and duration strings to durations.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}
	return d, nil
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts an interval ("30s", "hourly"), a descriptor
// ("@every 1m", "@daily") or a cron expression with optional seconds.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := ParseInterval(spec); err == nil {
		return cron.Every(d), nil
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}
