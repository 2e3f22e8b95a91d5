package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errDetectUnsupported = errors.New("filesystem detection unsupported on this platform")

// fsDetector names the filesystem holding path.
type fsDetector func(path string) (string, error)

// SQLite locking is unreliable on these.
var networkFilesystems = []string{"afpfs", "cifs", "nfs", "smbfs", "smb2", "webdav"}

// checkLocalFilesystem refuses an archive path on a network mount. The
// path need not exist yet; its closest existing ancestor is inspected.
func checkLocalFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve archive path %q: %w", path, err)
	}
	dir, err := existingAncestor(abs)
	if err != nil {
		return fmt.Errorf("resolve archive path %q: %w", path, err)
	}

	fsType, err := detect(dir)
	switch {
	case errors.Is(err, errDetectUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	case isNetworkFilesystem(fsType):
		return fmt.Errorf("archive path %q is on network filesystem %q; SQLite requires a local filesystem, set archive.path to local disk", path, fsType)
	}
	return nil
}

func existingAncestor(abs string) (string, error) {
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(p) == p {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isNetworkFilesystem(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, n := range networkFilesystems {
		if n == fsType {
			return true
		}
	}
	return false
}
