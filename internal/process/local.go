package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

const (
	// pipeWaitDelay bounds how long Wait keeps reading output after the
	// child exits while a grandchild still holds the pipe open.
	pipeWaitDelay = 2 * time.Second

	maxLineBytes = 64 * 1024
)

// Command is a program invocation run in the project directory.
type Command struct {
	Program string
	Args    []string
	Env     []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

// lineFunc receives one line of child output.
type lineFunc func(stream, line string)

// child is one running OS process whose output is split into lines.
type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	// set before done is closed
	exitCode int
	waitErr  error

	stdinMu sync.Mutex
}

// startChild launches cmd in dir as the leader of a new process group.
// Every stdout and stderr line is handed to onLine from exec's copy
// goroutines; onLine must be safe for concurrent use.
func startChild(dir string, c Command, env []string, onLine lineFunc) (*child, error) {
	if c.Program == "" {
		return nil, apperr.New(apperr.ErrValidation, "empty command")
	}
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), env...), c.Env...)
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)

	stdout := &lineWriter{stream: models.StreamStdout, emit: onLine}
	stderr := &lineWriter{stream: models.StreamStderr, emit: onLine}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.ErrProcess, err, "start %q", c.String())
	}

	ch := &child{cmd: cmd, stdin: stdin, done: make(chan struct{}), exitCode: -1}
	log.Debug().Str("cmd", c.String()).Str("dir", dir).Int("pid", cmd.Process.Pid).Msg("Child process started")

	go func() {
		err := cmd.Wait()
		stdout.close()
		stderr.close()
		if errors.Is(err, exec.ErrWaitDelay) {
			err = nil
		}
		ch.waitErr = err
		if cmd.ProcessState != nil {
			ch.exitCode = cmd.ProcessState.ExitCode()
		}
		close(ch.done)
	}()
	return ch, nil
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// exited reports whether the process has been reaped.
func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// write sends s to the child's stdin.
func (c *child) write(s string) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if c.exited() {
		return apperr.New(apperr.ErrConflict, "process has exited")
	}
	_, err := io.WriteString(c.stdin, s)
	return err
}

// stop sends SIGTERM to the process group, then SIGKILL once grace has
// elapsed. It returns after the process is reaped.
func (c *child) stop(grace time.Duration) {
	if c.exited() {
		return
	}
	if err := terminateGroup(c.cmd); err != nil {
		log.Warn().Err(err).Int("pid", c.pid()).Msg("SIGTERM failed")
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.done:
		return
	case <-timer.C:
	}
	log.Warn().Int("pid", c.pid()).Dur("grace", grace).Msg("Child ignored SIGTERM, killing process group")
	_ = killGroup(c.cmd)
	<-c.done
}

// lineWriter splits a byte stream into lines. Writes can outlive Wait when
// a grandchild holds the pipe past WaitDelay, so close and Write share mu.
type lineWriter struct {
	stream string
	emit   lineFunc

	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.stream, strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.flushLocked()
	}
	return len(p), nil
}

// close emits any partial last line; later writes are dropped.
func (w *lineWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
	w.closed = true
}

func (w *lineWriter) flushLocked() {
	if len(w.buf) == 0 {
		return
	}
	w.emit(w.stream, strings.TrimRight(string(w.buf), "\r"))
	w.buf = nil
}
