// Package procexec runs external tools and streams their combined output
// line by line.
package procexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/san-kum/mlipal/internal/errs"
)

// DefaultTailLines is how many trailing output lines are kept for errors.
const DefaultTailLines = 30

type Command struct {
	// Name labels the process in errors, e.g. "c1" or "labeler".
	Name string
	Path string
	Args []string
	Dir  string
	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string
	// LogPath, when set, receives a copy of every output line.
	LogPath   string
	TailLines int
	// WaitDelay bounds how long Wait blocks on the pipe after a kill.
	WaitDelay time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Stream is a pull iterator over a running process's output, in the style
// of bufio.Scanner:
//
//	s, err := procexec.Start(ctx, cmd)
//	for s.Next() {
//		use(s.Line())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	cmd     Command
	proc    *exec.Cmd
	out     *os.File
	sc      *bufio.Scanner
	log     *os.File
	line    string
	tail    []string
	err     error
	done    bool
	started time.Time
}

// Start launches the command. A missing executable is reported as a
// resource-not-found error before anything runs.
func Start(ctx context.Context, c Command) (*Stream, error) {
	if c.TailLines <= 0 {
		c.TailLines = DefaultTailLines
	}
	if c.Name == "" {
		c.Name = filepath.Base(c.Path)
	}
	if _, err := exec.LookPath(c.Path); err != nil {
		return nil, &errs.Error{Kind: errs.ErrResourceNotFound, Op: "start " + c.Name, Path: c.Path, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	proc := exec.CommandContext(ctx, c.Path, c.Args...)
	proc.Dir = c.Dir
	proc.Env = append(os.Environ(), c.Env...)
	proc.Stdout = w
	proc.Stderr = w
	ownGroup(proc)
	proc.Cancel = func() error { return killGroup(proc.Process) }
	if c.WaitDelay > 0 {
		proc.WaitDelay = c.WaitDelay
	}

	var logf *os.File
	if c.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogPath), 0755); err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logf, err = os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("open log: %w", err)
		}
		fmt.Fprintf(logf, "$ %s\n", c.String())
	}

	if err := proc.Start(); err != nil {
		r.Close()
		w.Close()
		if logf != nil {
			logf.Close()
		}
		return nil, &errs.Error{Kind: errs.ErrExternalProcess, Op: "start " + c.Name, Path: c.Path, Err: err}
	}
	w.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Stream{cmd: c, proc: proc, out: r, sc: sc, log: logf, started: time.Now()}, nil
}

// Next advances to the next non-empty output line. It returns false once
// the process has exited; Err then reports how it exited.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for s.sc.Scan() {
		line := strings.TrimRight(s.sc.Text(), "\r\n")
		if s.log != nil {
			io.WriteString(s.log, line+"\n")
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.line = line
		s.tail = append(s.tail, line)
		if len(s.tail) > s.cmd.TailLines {
			s.tail = s.tail[len(s.tail)-s.cmd.TailLines:]
		}
		return true
	}
	s.finish(s.sc.Err())
	return false
}

func (s *Stream) Line() string { return s.line }

// Err is nil for a zero exit status, an *errs.ProcessError otherwise.
func (s *Stream) Err() error { return s.err }

// Tail returns the last output lines seen so far.
func (s *Stream) Tail() string { return strings.Join(s.tail, "\n") }

func (s *Stream) Elapsed() time.Duration { return time.Since(s.started) }

// Close kills the process if it is still running and releases resources.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	_ = killGroup(s.proc.Process)
	for s.sc.Scan() {
	}
	s.finish(nil)
	return s.err
}

func (s *Stream) finish(scanErr error) {
	s.done = true
	if scanErr != nil {
		// nobody reads the pipe any more; a child still writing would block
		_ = killGroup(s.proc.Process)
	}
	waitErr := s.proc.Wait()
	s.out.Close()
	if s.log != nil {
		s.log.Close()
	}
	if scanErr != nil {
		s.err = &errs.ProcessError{Name: s.cmd.Name, ExitCode: -1, Tail: s.Tail(),
			Err: fmt.Errorf("read output: %w", scanErr)}
		return
	}
	if waitErr == nil {
		return
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	s.err = &errs.ProcessError{Name: s.cmd.Name, ExitCode: code, Tail: s.Tail(), Err: waitErr}
}

// Run executes the command to completion and returns its output lines.
func Run(ctx context.Context, c Command) ([]string, error) {
	s, err := Start(ctx, c)
	if err != nil {
		return nil, err
	}
	var lines []string
	for s.Next() {
		lines = append(lines, s.Line())
	}
	return lines, s.Err()
}
