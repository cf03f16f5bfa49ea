//go:build windows

package storage

import "os"

// lockFile on Windows relies on the process-level mutex; the handle only
// marks writer presence.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return func() { _ = f.Close() }, nil
}
