package testutil

import (
	"bufio"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// Server is a running command-server process.
type Server struct {
	Cmd  *exec.Cmd
	Addr string

	mu   sync.Mutex
	logs []string

	exited  chan struct{}
	waitErr error
}

// StartServer runs the binary with JSON logs on port 0 and waits until it
// reports its listening address. The process is killed on cleanup if it is
// still running.
func StartServer(t *testing.T, bin string, args ...string) *Server {
	t.Helper()

	args = append([]string{"--port", "0", "--log-format", "json"}, args...)
	cmd := exec.Command(bin, args...)
	cmd.Env = append(cmd.Environ(), "XDG_CONFIG_HOME="+t.TempDir())
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatalf("stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", bin, err)
	}

	s := &Server{Cmd: cmd, exited: make(chan struct{})}
	addrCh := make(chan string, 1)
	go s.readLogs(stderr, addrCh)
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	t.Cleanup(func() {
		select {
		case <-s.exited:
		default:
			_ = cmd.Process.Kill()
			<-s.exited
		}
	})

	select {
	case s.Addr = <-addrCh:
	case <-s.exited:
		t.Fatalf("server exited before listening: %v\n%s", s.waitErr, s.Logs())
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not report a listening address\n%s", s.Logs())
	}
	return s
}

func (s *Server) readLogs(r io.Reader, addrCh chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		s.mu.Lock()
		s.logs = append(s.logs, line)
		s.mu.Unlock()

		var rec struct {
			Msg     string `json:"msg"`
			Address string `json:"address"`
		}
		if json.Unmarshal([]byte(line), &rec) == nil && rec.Msg == "listening" {
			select {
			case addrCh <- rec.Address:
			default:
			}
		}
	}
}

// URL returns the base URL of the control plane.
func (s *Server) URL() string {
	return "http://" + s.Addr
}

// Logs returns everything logged so far.
func (s *Server) Logs() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.logs, "\n")
}

// WaitExit waits for the process to exit and returns its exit code.
func (s *Server) WaitExit(t *testing.T, timeout time.Duration) int {
	t.Helper()
	select {
	case <-s.exited:
	case <-time.After(timeout):
		t.Fatalf("server did not exit within %s\n%s", timeout, s.Logs())
	}
	return s.Cmd.ProcessState.ExitCode()
}
