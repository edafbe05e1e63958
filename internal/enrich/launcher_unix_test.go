//go:build linux || darwin

package enrich

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ptyReader collects everything the process prints until the master side fails
type ptyReader struct {
	mu   sync.Mutex
	out  strings.Builder
	done chan error
}

func readPTY(p *ptyProcess) *ptyReader {
	r := &ptyReader{done: make(chan error, 1)}
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := p.Read(buf)
			r.mu.Lock()
			r.out.Write(buf[:n])
			r.mu.Unlock()
			if err != nil {
				r.done <- err
				return
			}
		}
	}()
	return r
}

func (r *ptyReader) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func launchPTY(t *testing.T, command string) *ptyProcess {
	t.Helper()
	proc, err := PTYLauncher(context.Background(), command)
	if err != nil {
		t.Skipf("pseudo terminals unavailable: %v", err)
	}
	p := proc.(*ptyProcess)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func assertGone(t *testing.T, r *ptyReader, pid int) {
	t.Helper()
	select {
	case err := <-r.done:
		assert.Error(t, err, "reader unblocks once the process is gone")
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after Close")
	}
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "process must not outlive Close")
}

func TestPTYLauncher_CloseTerminatesProcess(t *testing.T) {
	p := launchPTY(t, "sleep 30")
	pid := p.cmd.Process.Pid
	r := readPTY(p)

	start := time.Now()
	require.NoError(t, p.Close())

	assert.Less(t, time.Since(start), terminateGrace, "SIGTERM is enough for a cooperative process")
	assertGone(t, r, pid)
	assert.NoError(t, p.Close(), "Close is idempotent")
}

func TestPTYLauncher_KillsProcessIgnoringTerm(t *testing.T) {
	orig := terminateGrace
	terminateGrace = 100 * time.Millisecond
	t.Cleanup(func() { terminateGrace = orig })

	script := filepath.Join(t.TempDir(), "stubborn.sh")
	require.NoError(t, os.WriteFile(script, []byte("trap '' TERM\necho ready\nexec sleep 30\n"), 0o700))

	p := launchPTY(t, "sh "+script)
	pid := p.cmd.Process.Pid
	r := readPTY(p)
	require.Eventually(t, func() bool { return strings.Contains(r.String(), "ready") }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Close())

	assert.GreaterOrEqual(t, time.Since(start), terminateGrace, "escalates only after the grace period")
	assertGone(t, r, pid)
}

func TestPTYLauncher_Write(t *testing.T) {
	p := launchPTY(t, "cat")
	r := readPTY(p)

	_, err := p.Write([]byte("scan on\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return strings.Contains(r.String(), "scan on") }, 2*time.Second, 10*time.Millisecond)
}

func TestPTYLauncher_EmptyCommand(t *testing.T) {
	_, err := PTYLauncher(context.Background(), "   ")
	assert.Error(t, err)
}
