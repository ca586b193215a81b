//go:build !unix

package file

import "errors"

// FreeSpace is not available on this platform; callers fall back to their
// configured limits.
func FreeSpace(string) (int64, error) {
	return 0, errors.ErrUnsupported
}
