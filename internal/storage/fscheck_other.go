//go:build !darwin && !linux

package storage

// Detection is unsupported here; treat the disk as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
