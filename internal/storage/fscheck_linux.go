//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// smb2SuperMagic is the statfs type of SMB2/3 mounts; x/sys/unix has no name
// for it.
const smb2SuperMagic = 0xFE534D42

// Magic numbers of the network filesystems the sqlite state must not live on.
var linuxNetworkMagic = map[uint64]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.CIFS_SUPER_MAGIC: "cifs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	smb2SuperMagic:        "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := uint64(stat.Type)
	if name, ok := linuxNetworkMagic[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
