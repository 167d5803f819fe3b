// Package pid guards against running two daemons against the same
// directories.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/canlogd/internal/errors"
)

const (
	// FileName is the default PID file name.
	FileName = "canlogd.pid"

	filePerm = 0o600
)

// DefaultPath places the PID file in the system temp directory.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), FileName)
}

// Write records the current process ID at path. It fails with
// ErrAlreadyRunning if the file names a live process.
func Write(path string) error {
	errFactory := errors.New()

	if owner, ok := read(path); ok && owner != os.Getpid() && alive(owner) {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			Path string
			PID  int
		}{path, owner})
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), filePerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file if it belongs to this process.
func Remove(path string) error {
	owner, ok := read(path)
	if !ok {
		return nil
	}
	if owner != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func read(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
