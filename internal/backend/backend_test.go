package backend_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/activity/internal/backend"
	"github.com/CZERTAINLY/activity/internal/cancellation"
	"github.com/CZERTAINLY/activity/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type opener struct {
	name string
	open func(t *testing.T) *backend.Channel
}

func openers() []opener {
	return []opener{
		{"redis", openRedis},
		{"sqlite", openSQLite},
	}
}

func openRedis(t *testing.T) *backend.Channel {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := backend.Open(t.Context(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func openSQLite(t *testing.T) *backend.Channel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "activity.db")
	b, err := backend.Open(t.Context(), "sqlite://"+path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type recorded struct {
	mx   sync.Mutex
	cmds []model.Command
}

func (r *recorded) handle(_ context.Context, cmd model.Command) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recorded) kinds() []model.Kind {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]model.Kind, 0, len(r.cmds))
	for _, c := range r.cmds {
		ret = append(ret, c.Kind)
	}
	return ret
}

func TestDrain(t *testing.T) {
	t.Parallel()

	args := []any{"arg1", "arg2"}
	kwargs := map[string]any{"kwarg1": "foo", "kwarg2": "bar"}

	for _, o := range openers() {
		t.Run(o.name, func(t *testing.T) {
			t.Parallel()
			b := o.open(t)
			ctx := t.Context()
			require.True(t, b.Ready(ctx))

			require.NoError(t, backend.Start(ctx, b, "TestActivity", args, kwargs))

			obs, origin := cancellation.NewRoot()
			time.AfterFunc(300*time.Millisecond, func() {
				_ = backend.Stop(context.Background(), b, "TestActivity", args, kwargs)
			})
			time.AfterFunc(500*time.Millisecond, origin.Resolve)

			var rec recorded
			err := b.Drain(ctx, 100*time.Millisecond, obs, rec.handle)
			require.NoError(t, err)

			require.Equal(t, []model.Kind{model.KindStart, model.KindStop}, rec.kinds())
			for _, cmd := range rec.cmds {
				require.Equal(t, "TestActivity", cmd.Type)
				require.Equal(t, model.KeyOf("TestActivity", args, kwargs), cmd.Key())
			}

			running, err := b.Running(ctx)
			require.NoError(t, err)
			require.Empty(t, running)
		})
	}
}

func TestDrainRegistry(t *testing.T) {
	t.Parallel()

	for _, o := range openers() {
		t.Run(o.name, func(t *testing.T) {
			t.Parallel()
			b := o.open(t)
			ctx := t.Context()

			// a duplicated start keeps a single entry, an unknown stop is a noop
			require.NoError(t, backend.Start(ctx, b, "A", []any{"1"}, nil))
			require.NoError(t, backend.Start(ctx, b, "A", []any{"1"}, nil))
			require.NoError(t, backend.Start(ctx, b, "B", nil, map[string]any{"x": 1}))
			require.NoError(t, backend.Stop(ctx, b, "C", nil, nil))
			// equal value, different Go type on the producer side
			require.NoError(t, backend.Stop(ctx, b, "B", nil, map[string]any{"x": float64(1)}))

			var rec recorded
			obs, origin := cancellation.NewRoot()
			count := 0
			err := b.Drain(ctx, 100*time.Millisecond, obs, func(ctx context.Context, cmd model.Command) {
				rec.handle(ctx, cmd)
				count++
				if count == 5 {
					origin.Resolve()
				}
			})
			require.NoError(t, err)
			require.Len(t, rec.cmds, 5)

			running, err := b.Running(ctx)
			require.NoError(t, err)
			require.Len(t, running, 1)
			require.Equal(t, "A", running[0].Type)
			require.Equal(t, model.KeyOf("A", []any{"1"}, nil), running[0].Key())
		})
	}
}

func TestDrainDropsMalformed(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	b, err := backend.Open(t.Context(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := t.Context()

	_, err = mr.RPush(backend.CommandKey, "not json")
	require.NoError(t, err)
	_, err = mr.RPush(backend.CommandKey, `{"command":"restart","clazz":"A"}`)
	require.NoError(t, err)
	require.NoError(t, backend.Start(ctx, b, "A", nil, nil))

	var dropped int
	b.OnDrop(func([]byte, error) { dropped++ })

	obs, origin := cancellation.NewRoot()
	var rec recorded
	err = b.Drain(ctx, 100*time.Millisecond, obs, func(ctx context.Context, cmd model.Command) {
		rec.handle(ctx, cmd)
		origin.Resolve()
	})
	require.NoError(t, err)
	require.Equal(t, []model.Kind{model.KindStart}, rec.kinds())
	require.Equal(t, 2, dropped)

	running, err := b.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
}

func TestDrainBackendFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	b, err := backend.Open(t.Context(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	mr.Close()
	obs, origin := cancellation.NewRoot()
	t.Cleanup(origin.Resolve)
	err = b.Drain(t.Context(), 100*time.Millisecond, obs, func(context.Context, model.Command) {})
	require.Error(t, err)
	require.False(t, b.Ready(t.Context()))
}

func TestReset(t *testing.T) {
	t.Parallel()

	for _, o := range openers() {
		t.Run(o.name, func(t *testing.T) {
			t.Parallel()
			b := o.open(t)
			ctx := t.Context()

			require.NoError(t, backend.Start(ctx, b, "A", nil, nil))
			obs, origin := cancellation.NewRoot()
			err := b.Drain(ctx, 100*time.Millisecond, obs, func(context.Context, model.Command) { origin.Resolve() })
			require.NoError(t, err)
			require.NoError(t, backend.Start(ctx, b, "B", nil, nil))

			running, err := b.Running(ctx)
			require.NoError(t, err)
			require.Len(t, running, 1)

			require.NoError(t, b.Reset(ctx))
			running, err = b.Running(ctx)
			require.NoError(t, err)
			require.Empty(t, running)

			// the pending start of B is gone as well
			obs, origin = cancellation.NewRoot()
			time.AfterFunc(200*time.Millisecond, origin.Resolve)
			var rec recorded
			require.NoError(t, b.Drain(ctx, 100*time.Millisecond, obs, rec.handle))
			require.Empty(t, rec.kinds())
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	_, err := backend.Open(t.Context(), "mongodb://localhost")
	require.Error(t, err)
	_, err = backend.Open(t.Context(), "redis://[::1")
	require.Error(t, err)
	_, err = backend.Open(t.Context(), "sqlite://")
	require.Error(t, err)
}

func TestRedisOptions(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		url      string
		addr     string
		db       int
	}{
		{"default", "redis://localhost:6379/0", "localhost:6379", 0},
		{"custom", "redis://foobar:9876/5", "foobar:9876", 5},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			r, err := backend.NewRedis(tt.url)
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			require.Equal(t, tt.addr, r.Options().Addr)
			require.Equal(t, tt.db, r.Options().DB)
		})
	}
}
