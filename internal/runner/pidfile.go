package runner

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning reports a live pidfile holder.
var ErrAlreadyRunning = errors.New("job is already running")

// WritePidfile records pid as the background run for a private data
// dir. This is an advisory marker for start/stop/is-alive, not a lock
// the core run path takes: foreground runs never touch it, so jobs
// with distinct idents can share one private data dir. A leftover file
// from a dead process is reclaimed; a live holder wins.
func WritePidfile(path string, pid int) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return errors.Join(werr, cerr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
		holder, perr := ReadPidfile(path)
		if perr == nil && ProcessAlive(holder) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, holder)
		}
		// Stale marker from a crashed run; reclaim it.
		os.Remove(path)
	}
	return fmt.Errorf("could not write pidfile %s", path)
}

// ReadPidfile parses the pid recorded at path.
func ReadPidfile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s is corrupt", path)
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a running process we can see.
// EPERM counts as alive: the process exists but belongs to someone
// else.
func ProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signal delivers sig to the process recorded at path.
func Signal(path string, sig syscall.Signal) error {
	pid, err := ReadPidfile(path)
	if err != nil {
		return err
	}
	if !ProcessAlive(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	return syscall.Kill(pid, sig)
}
