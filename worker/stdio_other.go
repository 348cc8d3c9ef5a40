//go:build !linux

package worker

import "os"

// IsolateStdout returns os.Stdout unchanged on platforms without dup3.
func IsolateStdout() (*os.File, error) {
	return os.Stdout, nil
}
