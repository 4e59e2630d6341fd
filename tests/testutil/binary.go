package testutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

var (
	buildOnce  sync.Once
	binaryPath string
	buildErr   error
)

// BuildLocalBinary builds the command-server binary from the current workspace
// and returns its path. It builds only once per test process and skips the
// caller on build failure.
func BuildLocalBinary(t *testing.T) string {
	t.Helper()

	buildOnce.Do(func() {
		root, err := moduleRoot()
		if err != nil {
			buildErr = err
			return
		}
		dir, err := os.MkdirTemp("", "command-server-bin-*")
		if err != nil {
			buildErr = err
			return
		}
		binaryPath = filepath.Join(dir, "command-server")
		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/command-server")
		cmd.Dir = root
		cmd.Env = os.Environ()
		buildErr = cmd.Run()
	})

	if buildErr != nil {
		t.Skipf("skipping: failed to build command-server binary: %v", buildErr)
	}
	return binaryPath
}

// moduleRoot walks up from the working directory to the directory holding go.mod.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found")
		}
		dir = parent
	}
}
