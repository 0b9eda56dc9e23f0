package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ExecError reports a script that exited non-zero
type ExecError struct {
	Script     string
	ExitCode   int
	LastStderr string
}

func (e *ExecError) Error() string {
	if e.LastStderr == "" {
		return fmt.Sprintf("script %s failed with exit code %d", e.Script, e.ExitCode)
	}
	return fmt.Sprintf("script %s failed with exit code %d: %s", e.Script, e.ExitCode, e.LastStderr)
}

// Runner executes generated scripts in the foreground.
type Runner struct {
	WorkDir string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  logrus.FieldLogger
}

func NewRunner(workDir string, stdout, stderr io.Writer, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		WorkDir: workDir,
		Stdout:  stdout,
		Stderr:  stderr,
		Logger:  logger,
	}
}

// RunScript runs script with bash. The child sees the current process
// environment overlaid with env; the process environment itself is untouched.
func (r *Runner) RunScript(ctx context.Context, script string, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "bash", filepath.Base(script))
	cmd.Dir = r.resolveWorkingDir(filepath.Dir(script))
	cmd.Env = MergeEnv(os.Environ(), env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	r.Logger.WithField("script", script).Debug("starting local script")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", script, err)
	}

	var wg sync.WaitGroup
	var lastStderr string
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.stream(stdout, r.Stdout, nil)
	}()
	go func() {
		defer wg.Done()
		r.stream(stderr, r.Stderr, &lastStderr)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecError{Script: script, ExitCode: exitErr.ExitCode(), LastStderr: lastStderr}
	}
	return fmt.Errorf("script %s failed: %w", script, err)
}

// stream copies src to dst as it arrives and remembers the last non-empty
// line. Lines have no length limit; src is always read to EOF.
func (r *Runner) stream(src io.Reader, dst io.Writer, last *string) {
	reader := bufio.NewReader(src)
	for {
		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			if dst != nil {
				io.WriteString(dst, chunk)
			}
			if line := strings.TrimRight(chunk, "\r\n"); last != nil && strings.TrimSpace(line) != "" {
				*last = line
			}
		}
		if err != nil {
			if err != io.EOF {
				r.Logger.WithError(err).Debug("output stream closed")
			}
			return
		}
	}
}

func (r *Runner) resolveWorkingDir(path string) string {
	if path == "" || path == "." {
		return r.WorkDir
	}
	if filepath.IsAbs(path) || r.WorkDir == "" {
		return path
	}
	return filepath.Join(r.WorkDir, path)
}

// MergeEnv overlays overrides on base (KEY=VALUE form) without mutating either.
// The result is sorted for a stable child environment.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
