package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// remoteFilesystems are the names detectFilesystemType reports for network
// mounts. WAL mode and flock(2) are unreliable on all of them.
var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// requireLocalDisk fails when the database at dbPath would live on a network
// mount. detect names the filesystem holding a directory.
func requireLocalDisk(dbPath string, detect func(dir string) (string, error)) error {
	dir, err := existingAncestor(dbPath)
	if err != nil {
		return fmt.Errorf("locate state.path %q: %w", dbPath, err)
	}
	name, err := detect(dir)
	if err != nil {
		return fmt.Errorf("inspect filesystem of %q: %w", dir, err)
	}
	if slices.Contains(remoteFilesystems, strings.ToLower(strings.TrimSpace(name))) {
		return fmt.Errorf("state.path %q is on network filesystem %q: the settlement ledger and instance lock need a local disk", dbPath, name)
	}
	return nil
}

// existingAncestor returns path, or its closest parent that exists.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("nothing above %q exists", path)
		}
		p = parent
	}
}
