package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/CZERTAINLY/activity/internal/activity"
	"github.com/CZERTAINLY/activity/internal/cancellation"
	"github.com/CZERTAINLY/activity/internal/log"
	"github.com/CZERTAINLY/activity/internal/model"
	"github.com/cenkalti/backoff/v4"
)

type worker struct {
	key    model.Key
	typ    string
	args   []any
	kwargs map[string]any
	obs    cancellation.Observer
	origin *cancellation.Origin
}

// work keeps one activity alive. The body is instantiated and run again
// whenever it returns without being canceled, with a growing delay between
// the attempts. The loop ends on cancellation or when the activity can't be
// instantiated.
func (r *Runner) work(w worker) {
	defer r.done(w)
	defer w.origin.Resolve()
	ctx := log.ContextAttrs(w.obs, slog.String("activity", w.typ), slog.String("key", w.key.String()))
	b := r.newBackOff()

	for attempt := 1; !w.obs.Canceled(); attempt++ {
		act, err := newActivity(r.registry, w.typ, w.args, w.kwargs)
		if err != nil {
			if errors.Is(err, model.ErrUnknownActivity) {
				r.metrics.Unknown(w.typ)
			} else {
				r.metrics.Failure(w.typ)
			}
			slog.ErrorContext(ctx, "activity can't be instantiated: giving up", "error", err)
			return
		}

		slog.DebugContext(ctx, "running activity", "attempt", attempt)
		started := time.Now()
		err = runActivity(ctx, act)
		elapsed := time.Since(started)
		r.metrics.RunDuration(w.typ, elapsed)

		if w.obs.Canceled() {
			slog.InfoContext(ctx, "activity stopped", "ran", elapsed)
			return
		}
		if err != nil {
			r.metrics.Failure(w.typ)
			slog.ErrorContext(ctx, "activity failed: restarting", "error", err, "ran", elapsed)
		} else {
			slog.WarnContext(ctx, "activity returned: restarting", "ran", elapsed)
		}
		r.metrics.Restart(w.typ)

		if elapsed > r.cfg.RestartBackoff.Max {
			b.Reset()
		}
		if !sleep(w.obs, b.NextBackOff()) {
			slog.InfoContext(ctx, "activity stopped while waiting for restart")
			return
		}
	}
}

func (r *Runner) newBackOff() backoff.BackOff {
	cfg := r.cfg.RestartBackoff
	if cfg.Initial <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = max(cfg.Max, cfg.Initial)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// newActivity turns a panic of the factory into an error.
func newActivity(reg *activity.Registry, typ string, args []any, kwargs map[string]any) (act activity.Activity, err error) {
	defer func() {
		if p := recover(); p != nil {
			act = nil
			err = fmt.Errorf("activity factory panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return reg.New(typ, args, kwargs)
}

// runActivity turns a panic of the body into an error.
func runActivity(ctx context.Context, act activity.Activity) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("activity panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return act.Run(ctx)
}

// sleep waits for d and reports false when obs got canceled meanwhile.
func sleep(obs cancellation.Observer, d time.Duration) bool {
	if d <= 0 {
		return !obs.Canceled()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-obs.Done():
		return false
	}
}
