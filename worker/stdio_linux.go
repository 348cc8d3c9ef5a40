//go:build linux

package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// IsolateStdout reserves the process's standard output for protocol messages.
// It returns a private duplicate of fd 1 and points fd 1 itself at /dev/null,
// so anything else in the process that writes to stdout is discarded.
func IsolateStdout() (*os.File, error) {
	fd, err := unix.Dup(unix.Stdout)
	if err != nil {
		return nil, fmt.Errorf("dup stdout: %w", err)
	}
	unix.CloseOnExec(fd)

	devnull, err := unix.Open("/dev/null", unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("open /dev/null: %w", err)
	}
	defer unix.Close(devnull)

	if err := unix.Dup3(devnull, unix.Stdout, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("redirect stdout: %w", err)
	}
	return os.NewFile(uintptr(fd), "protocol"), nil
}
