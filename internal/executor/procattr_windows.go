//go:build windows

package executor

import (
	"errors"
	"os"
	"os/exec"
)

// setSysProcAttr is a no-op on Windows, which has no Setpgid.
func setSysProcAttr(cmd *exec.Cmd) {}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
