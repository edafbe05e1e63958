//go:build linux || darwin

package enrich

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// terminateGrace is how long a terminated process has before it is killed
var terminateGrace = 2 * time.Second

// ptyProcess is a command attached to the slave side of a pseudo terminal
type ptyProcess struct {
	master *os.File
	cmd    *exec.Cmd

	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// PTYLauncher starts command under a fresh pseudo terminal. Interactive tools
// such as bluetoothctl only print live updates when attached to one.
func PTYLauncher(_ context.Context, command string) (Process, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty diagnostic command")
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set PTY(tty) %s to raw mode: %w", slave.Name(), err)
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to start %s: %w", fields[0], err)
	}
	// the child holds its own copy; closing ours lets reads on master fail once it exits
	_ = slave.Close()

	p := &ptyProcess{master: master, cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.master.Write(b) }

// Close terminates the process group, escalating to SIGKILL after a grace period
func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		pgid := -p.cmd.Process.Pid

		select {
		case <-p.exited:
		default:
			if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
				p.closeErr = fmt.Errorf("failed to terminate diagnostic process: %w", err)
			}
			select {
			case <-p.exited:
			case <-time.After(terminateGrace):
				_ = unix.Kill(pgid, unix.SIGKILL)
				<-p.exited
			}
		}

		if err := p.master.Close(); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}
