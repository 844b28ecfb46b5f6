package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

var (
	progressPattern = regexp.MustCompile(`^Progress:\s*(\d{1,3})%`)
	bytesPattern    = regexp.MustCompile(`^Downloaded:\s*(\d+)\s*bytes`)
)

// Callbacks receive worker output. They are called from goroutines owned
// by the launcher; OnExit is called last, before Done is closed.
type Callbacks struct {
	OnProgress func(percent int)
	OnBytes    func(n int64)
	OnStderr   func(text string)
	OnExit     func(code int)
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, args []string, cb Callbacks) (Handle, error)
}

// ExecLauncher runs the worker binary as a child process. Workers inherit
// the orchestrator's environment.
type ExecLauncher struct {
	Path       string
	ConfigPath string
	logger     zerolog.Logger
}

// NewExecLauncher creates a launcher for the worker binary at path. A
// non-empty configPath is passed to every worker as -config so it reads
// the same settings file as the orchestrator.
func NewExecLauncher(path, configPath string, logger zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{
		Path:       path,
		ConfigPath: configPath,
		logger:     logger.With().Str("component", "launcher").Logger(),
	}
}

// argv builds the worker command line: flags, then "--", then the
// positional job arguments.
func (l *ExecLauncher) argv(args []string) []string {
	var argv []string
	if l.ConfigPath != "" {
		argv = append(argv, "-config", l.ConfigPath)
	}
	// "--" keeps identifiers or file names starting with a dash positional.
	argv = append(argv, "--")
	return append(argv, args...)
}

type processHandle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

func (h *processHandle) PID() int              { return h.pid }
func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Terminate() error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	var err error
	if runtime.GOOS == "windows" {
		err = h.cmd.Process.Kill()
	} else {
		err = h.cmd.Process.Signal(syscall.SIGTERM)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Launch starts the worker. The process is not tied to ctx: it outlives the
// request that started it and is stopped through Terminate.
func (l *ExecLauncher) Launch(_ context.Context, args []string, cb Callbacks) (Handle, error) {
	cmd := exec.Command(l.Path, l.argv(args)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &processHandle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	l.logger.Debug().Int("pid", h.pid).Strs("args", args).Msg("Started worker")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanStdout(stdout, cb)
	}()
	go func() {
		defer readers.Done()
		readStderr(stderr, cb)
	}()

	go func() {
		readers.Wait()
		code := exitCode(cmd.Wait())
		l.logger.Debug().Int("pid", h.pid).Int("code", code).Msg("Worker exited")
		if cb.OnExit != nil {
			cb.OnExit(code)
		}
		close(h.done)
	}()

	return h, nil
}

func scanStdout(r io.Reader, cb Callbacks) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		handleStdoutLine(scanner.Text(), cb)
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func handleStdoutLine(line string, cb Callbacks) {
	line = strings.TrimSpace(line)
	if m := progressPattern.FindStringSubmatch(line); m != nil {
		if p, err := strconv.Atoi(m[1]); err == nil && cb.OnProgress != nil {
			cb.OnProgress(min(max(p, 0), 100))
		}
		return
	}
	if m := bytesPattern.FindStringSubmatch(line); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && cb.OnBytes != nil {
			cb.OnBytes(n)
		}
	}
}

func readStderr(r io.Reader, cb Callbacks) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && cb.OnStderr != nil {
			if text := strings.TrimSpace(string(buf[:n])); text != "" {
				cb.OnStderr(text)
			}
		}
		if err != nil {
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
