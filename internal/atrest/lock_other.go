//go:build !unix

package atrest

import "os"

// Lock is a no-op where flock(2) is unavailable.
func Lock(*os.File) (func(), error) {
	return func() {}, nil
}
