package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFS(name string, err error) fsDetector {
	return func(string) (string, error) { return name, err }
}

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		detect  fsDetector
		wantErr []string
	}{
		{name: "ext4", detect: fixedFS("0xef53", nil)},
		{name: "apfs", detect: fixedFS("apfs", nil)},
		{name: "unsupported platform", detect: fixedFS("", errDetectUnsupported)},
		{name: "smb mount", detect: fixedFS("smbfs", nil),
			wantErr: []string{"smbfs", "SQLite requires a local filesystem", "archive.path"}},
		{name: "nfs uppercase", detect: fixedFS("NFS", nil), wantErr: []string{"NFS"}},
		{name: "statfs fails", detect: fixedFS("", errors.New("permission denied")),
			wantErr: []string{"detect filesystem", "permission denied"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := checkLocalFilesystem(filepath.Join(t.TempDir(), "archive.db"), tt.detect)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestCheckLocalFilesystemInspectsClosestAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "data", "archive", "units.db"), func(p string) (string, error) {
		inspected = p
		return "xfs", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestCheckLocalFilesystemEmptyPath(t *testing.T) {
	t.Parallel()
	assert.Error(t, checkLocalFilesystem("", fixedFS("ext4", nil)))
}
