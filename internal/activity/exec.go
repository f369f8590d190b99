package activity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExecName is the type name of the activity keeping a subprocess alive.
const ExecName = "exec"

// StderrFunc receives stderr of a process line by line.
type StderrFunc func(ctx context.Context, line string)

// Command describes the process run by Exec.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Exec runs a process until it exits or the activity is canceled. A process
// exit is reported as an error, so the runner starts it again.
type Exec struct {
	cmd    Command
	stderr StderrFunc
}

func NewExec(cmd Command, stderr StderrFunc) *Exec {
	if stderr == nil {
		stderr = logStderr(cmd.Path)
	}
	return &Exec{cmd: cmd, stderr: stderr}
}

// ExecFactory builds Exec from command arguments: args[0] is the binary,
// the rest are passed to it. Supported kwargs are env (map of strings,
// values starting with $ are expanded) and timeout (duration).
func ExecFactory(args []any, kwargs map[string]any) (Activity, error) {
	if len(args) == 0 {
		return nil, errors.New("exec: binary path is missing")
	}
	strs, err := stringArgs(args)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	cmd := Command{
		Path: strs[0],
		Args: strs[1:],
	}

	if raw, ok := kwargs["env"]; ok {
		env, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("exec: env: expected a map, got %T", raw)
		}
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := fmt.Sprint(env[k])
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			cmd.Env = append(cmd.Env, strings.ToUpper(k)+"="+v)
		}
	}

	timeout, err := durationArg(kwargs, "timeout", 0)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	cmd.Timeout = timeout
	return NewExec(cmd, nil), nil
}

func (e *Exec) Run(ctx context.Context) error {
	runCtx := ctx
	if e.cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cmd.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.cmd.Path, e.cmd.Args...)
	cmd.Env = append(os.Environ(), e.cmd.Env...)
	cmd.WaitDelay = time.Second

	pr, pw := io.Pipe()
	cmd.Stderr = pw

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return err
	}
	slog.DebugContext(ctx, "process started", "path", e.cmd.Path, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Go(func() {
		processStderr(ctx, pr, e.stderr)
	})

	err := cmd.Wait()
	_ = pw.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("process %s exited after %s: %w", e.cmd.Path, time.Since(started).Round(time.Millisecond), err)
	}
	return fmt.Errorf("process %s exited after %s", e.cmd.Path, time.Since(started).Round(time.Millisecond))
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr: discarding the rest", "error", err)
		// the process blocks on a full pipe otherwise
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func logStderr(path string) StderrFunc {
	return func(ctx context.Context, line string) {
		slog.InfoContext(ctx, "stderr", "path", path, "line", line)
	}
}

func stringArgs(args []any) ([]string, error) {
	ret := make([]string, 0, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			ret = append(ret, v)
		case fmt.Stringer:
			ret = append(ret, v.String())
		case nil:
			return nil, fmt.Errorf("argument %d is null", i)
		default:
			ret = append(ret, fmt.Sprint(v))
		}
	}
	return ret, nil
}
