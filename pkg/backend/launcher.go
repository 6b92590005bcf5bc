package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BinaryName is the generic name of the native streaming server
const BinaryName = "clever-kvm-server"

// ErrBinaryNotFound is returned when no backend binary could be located
var ErrBinaryNotFound = errors.New("backend binary not found")

// LaunchOptions describes how to spawn the backend
type LaunchOptions struct {
	Binary  string   // path or name; empty means BinaryName
	Args    []string // extra arguments
	LogFile string   // stdout/stderr; empty means the XDG state dir
	PIDFile string   // empty means the XDG state dir
}

// FindBinary locates the backend binary. A name containing a path
// separator is used as-is. Otherwise the working directory hierarchy, the
// executable directory hierarchy and PATH are searched, preferring the
// platform-specific name (clever-kvm-server-linux-amd64).
func FindBinary(name string) (string, error) {
	if name == "" {
		name = BinaryName
	}
	if filepath.IsAbs(name) || filepath.Base(name) != name {
		if isExecutableFile(name) {
			return name, nil
		}
		return "", errors.Wrapf(ErrBinaryNotFound, "%s", name)
	}

	var roots []string
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd)
	}
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}

	if path, ok := searchHierarchy(candidateNames(name), roots); ok {
		return path, nil
	}
	for _, n := range candidateNames(name) {
		if path, err := exec.LookPath(n); err == nil {
			return path, nil
		}
	}
	return "", errors.Wrapf(ErrBinaryNotFound, "%s", name)
}

// candidateNames lists the platform-specific then the generic file name
func candidateNames(name string) []string {
	osName := runtime.GOOS
	if osName == "darwin" {
		osName = "macos"
	}
	specific := fmt.Sprintf("%s-%s-%s", name, osName, runtime.GOARCH)
	generic := name
	if runtime.GOOS == "windows" {
		specific += ".exe"
		generic += ".exe"
	}
	return []string{specific, generic}
}

// searchHierarchy looks for names in each root and all of its parents
func searchHierarchy(names []string, roots []string) (string, bool) {
	for _, root := range roots {
		current := root
		for {
			for _, n := range names {
				candidate := filepath.Join(current, n)
				if isExecutableFile(candidate) {
					return candidate, true
				}
			}

			parent := filepath.Dir(current)
			if parent == current {
				break // Reached root directory
			}
			current = parent
		}
	}
	return "", false
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0111 != 0
}

// Launch starts the backend detached from this process with output going to
// the log file, and records its PID
func Launch(opts LaunchOptions) (*os.Process, error) {
	binary, err := FindBinary(opts.Binary)
	if err != nil {
		return nil, err
	}

	logPath := opts.LogFile
	if logPath == "" {
		if logPath, err = xdg.StateFile("clever-kvm/backend.log"); err != nil {
			return nil, errors.Wrap(err, "resolve backend log path")
		}
	}
	pidPath := opts.PIDFile
	if pidPath == "" {
		if pidPath, err = xdg.StateFile("clever-kvm/backend.pid"); err != nil {
			return nil, errors.Wrap(err, "resolve backend pid path")
		}
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create backend log directory")
	}

	logFd, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open backend log file")
	}
	defer logFd.Close()

	cmd := exec.Command(binary, opts.Args...)
	cmd.Stdout = logFd
	cmd.Stderr = logFd
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", binary)
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
		// Don't leave an untracked backend behind
		_ = cmd.Process.Kill()
		return nil, errors.Wrap(err, "write backend pid file")
	}

	// Reap the child when it exits; we never wait on it otherwise
	go func() { _ = cmd.Wait() }()

	return cmd.Process, nil
}

// EnsureRunning pings the backend and launches it when the ping fails.
// It then waits up to wait for a ping to succeed. The return value
// reports whether a process was launched.
func EnsureRunning(ctx context.Context, ping func(context.Context) error, opts LaunchOptions, wait time.Duration, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ping(ctx); err == nil {
		return false, nil
	}

	proc, err := Launch(opts)
	if err != nil {
		return false, err
	}
	logger.Info("backend launched", zap.Int("pid", proc.Pid))

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, errors.Wrap(ErrUnavailable, "backend did not come up after launch")
		case <-ticker.C:
			if err := ping(ctx); err == nil {
				return true, nil
			}
		}
	}
}
