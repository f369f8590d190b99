package activity_test

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/activity/internal/activity"
	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	t.Run("exit is an error", func(t *testing.T) {
		t.Parallel()
		var mx sync.Mutex
		var stderr []string
		handle := func(_ context.Context, line string) {
			mx.Lock()
			defer mx.Unlock()
			stderr = append(stderr, line)
		}

		e := activity.NewExec(activity.Command{
			Path: sh,
			Args: []string{"-c", "echo stdout; echo 'stderr' 1>&2; echo 'stderr' 1>&2; exit 3"},
		}, handle)
		err := e.Run(t.Context())
		require.Error(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, 3, exitErr.ExitCode())

		mx.Lock()
		defer mx.Unlock()
		require.Equal(t, []string{"stderr", "stderr"}, stderr)
	})

	t.Run("overlong stderr line", func(t *testing.T) {
		t.Parallel()
		var lines atomic.Int32
		handle := func(context.Context, string) { lines.Add(1) }

		e := activity.NewExec(activity.Command{
			Path: sh,
			Args: []string{"-c", "head -c 200000 /dev/zero | tr '\\0' a 1>&2; echo done 1>&2; exit 3"},
		}, handle)
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		defer cancel()
		err := e.Run(ctx)
		require.Error(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, 3, exitErr.ExitCode())
		require.Zero(t, lines.Load())
	})

	t.Run("clean exit is an error too", func(t *testing.T) {
		t.Parallel()
		e := activity.NewExec(activity.Command{Path: sh, Args: []string{"-c", "true"}}, nil)
		err := e.Run(t.Context())
		require.Error(t, err)
		require.Contains(t, err.Error(), "exited after")
	})

	t.Run("cancel stops the process", func(t *testing.T) {
		t.Parallel()
		e := activity.NewExec(activity.Command{Path: sh, Args: []string{"-c", "sleep 60"}}, nil)
		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(100*time.Millisecond, cancel)
		start := time.Now()
		err := e.Run(ctx)
		require.NoError(t, err)
		require.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("exec error", func(t *testing.T) {
		t.Parallel()
		e := activity.NewExec(activity.Command{Path: "does not exist"}, nil)
		err := e.Run(t.Context())
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, "does not exist", execErr.Name)
	})
}

func TestExecFactory(t *testing.T) {
	t.Setenv("ACTIVITY_TEST_HOME", "/home/activity")

	a, err := activity.ExecFactory(
		[]any{"/bin/sh", "-c", "env"},
		map[string]any{
			"env":     map[string]any{"home": "$ACTIVITY_TEST_HOME", "lc_all": "C"},
			"timeout": "15s",
		},
	)
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = activity.ExecFactory(nil, nil)
	require.Error(t, err)

	_, err = activity.ExecFactory([]any{"/bin/sh"}, map[string]any{"env": "HOME=/"})
	require.Error(t, err)

	_, err = activity.ExecFactory([]any{nil}, nil)
	require.Error(t, err)
}
