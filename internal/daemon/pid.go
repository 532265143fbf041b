package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const pidFile = "daemon.pid"

// PidPath returns the pid file location under stateDir.
func PidPath(stateDir string) string {
	return filepath.Join(stateDir, pidFile)
}

// WritePid records the current process id via temp-write + rename.
func WritePid(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	path := PidPath(stateDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return nil
}

// ReadPid returns the recorded pid, or 0 when no pid file exists.
func ReadPid(stateDir string) (int, error) {
	data, err := os.ReadFile(PidPath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", PidPath(stateDir), err)
	}
	return pid, nil
}

// RemovePid deletes the pid file. Missing is fine.
func RemovePid(stateDir string) {
	_ = os.Remove(PidPath(stateDir))
}
