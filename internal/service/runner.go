package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/activity/internal/activity"
	"github.com/CZERTAINLY/activity/internal/backend"
	"github.com/CZERTAINLY/activity/internal/cancellation"
	"github.com/CZERTAINLY/activity/internal/log"
	"github.com/CZERTAINLY/activity/internal/metrics"
	"github.com/CZERTAINLY/activity/internal/model"
	"github.com/CZERTAINLY/activity/internal/pool"
	"github.com/google/uuid"
)

var ErrAlreadyStarted = errors.New("runner already started")

type State int32

const (
	StateBooting State = iota
	StateDraining
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateDraining:
		return "draining"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Option func(*Runner)

// WithMetrics makes the runner record into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) {
		r.metrics = c
	}
}

// finished is sent by a worker when its loop ends for good.
type finished struct {
	key    model.Key
	origin *cancellation.Origin
}

// Runner drains the command channel and keeps the started activities alive.
//
// The command loop is the only writer of the live map and the only submitter
// to the pool. Workers never touch the map, they report back through the
// finished channel and the loop reaps them before handling the next command.
type Runner struct {
	id       string
	backend  backend.Backend
	registry *activity.Registry
	cfg      model.Runner
	metrics  *metrics.Collector
	pool     *pool.Pool

	rootObs cancellation.Observer
	root    *cancellation.Origin
	obs     cancellation.Observer // root joined with the Run context

	started  atomic.Bool
	state    atomic.Int32
	finished chan finished

	mx   sync.RWMutex
	live map[model.Key]*cancellation.Origin
}

func NewRunner(b backend.Backend, reg *activity.Registry, cfg model.Runner, opts ...Option) *Runner {
	if reg == nil {
		reg = activity.Default
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = model.DefaultMaxActive
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = model.DefaultPollInterval
	}
	rootObs, root := cancellation.NewRoot()
	r := &Runner{
		id:       uuid.NewString(),
		backend:  b,
		registry: reg,
		cfg:      cfg,
		pool:     pool.New(cfg.MaxActive),
		rootObs:  rootObs,
		root:     root,
		// every worker sends once and start reaps before each submit, so
		// there are never more senders than pool slots plus the one being
		// submitted
		finished: make(chan finished, cfg.MaxActive+1),
		live:     make(map[model.Key]*cancellation.Origin),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID identifies this runner instance in logs.
func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) State() State {
	return State(r.state.Load())
}

// Stop requests the shutdown of the runner. It returns immediately and is
// safe to call from any goroutine, any number of times.
func (r *Runner) Stop() {
	r.root.Resolve()
}

// Live returns keys of the activities the runner keeps alive.
func (r *Runner) Live() []model.Key {
	r.mx.RLock()
	defer r.mx.RUnlock()
	keys := slices.Collect(maps.Keys(r.live))
	slices.Sort(keys)
	return keys
}

// Run restores the activities from the running registry, then processes
// commands until ctx is canceled or Stop is called. Afterwards it waits up
// to the grace period for the activities to return.
//
// A backend failure ends Run with an error, as does an activity ignoring the
// cancellation for longer than the grace period (model.ErrGraceExceeded).
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer r.setState(StateStopped)

	ctx = log.ContextAttrs(ctx, slog.String("runner_id", r.id))
	obs, release := cancellation.Observer{Context: ctx}.Join(r.rootObs)
	defer release()
	r.obs = obs

	// commands and registry updates are never interrupted in the middle, a
	// canceled run is noticed between two pops
	cmdCtx := context.WithoutCancel(ctx)

	slog.InfoContext(ctx, "runner booting", "max_active", r.cfg.MaxActive, "poll_interval", r.cfg.PollInterval)
	err := r.boot(cmdCtx)
	if err == nil {
		r.setState(StateDraining)
		slog.DebugContext(ctx, "draining commands")
		err = r.backend.Drain(cmdCtx, r.cfg.PollInterval, obs, r.dispatch)
		if err != nil {
			err = fmt.Errorf("draining commands: %w", err)
		}
	}

	r.setState(StateShuttingDown)
	r.root.Resolve()
	slog.InfoContext(ctx, "runner shutting down", "active", r.pool.Active(), "grace_period", r.cfg.GracePeriod)
	if serr := r.pool.Shutdown(r.cfg.GracePeriod); serr != nil {
		slog.ErrorContext(ctx, "activities did not stop in time: abandoning", "active", r.pool.Active())
		err = errors.Join(err, serr)
	}
	slog.InfoContext(ctx, "runner stopped")
	return err
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// boot starts everything from the running registry, so activities survive
// a crash or a restart of the runner.
func (r *Runner) boot(ctx context.Context) error {
	entries, err := r.backend.Running(ctx)
	switch {
	case errors.Is(err, model.ErrCorruptRegistry):
		slog.WarnContext(ctx, "running registry can't be restored: ignoring", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("restoring running activities: %w", err)
	}
	slog.InfoContext(ctx, "restoring running activities", "count", len(entries))
	for _, e := range entries {
		r.start(ctx, e.Type, e.Args, e.Kwargs)
	}
	return nil
}

// dispatch is the backend.CommandFunc of the runner.
func (r *Runner) dispatch(ctx context.Context, cmd model.Command) {
	r.reap()
	r.metrics.Command(string(cmd.Kind))
	switch cmd.Kind {
	case model.KindStart:
		r.start(ctx, cmd.Type, cmd.Args, cmd.Kwargs)
	case model.KindStop:
		r.stop(ctx, cmd.Type, cmd.Args, cmd.Kwargs)
	default:
		slog.WarnContext(ctx, "command not supported: ignoring", "command", cmd.Kind)
	}
}

func (r *Runner) start(ctx context.Context, typ string, args []any, kwargs map[string]any) {
	r.reap()
	key := model.KeyOf(typ, args, kwargs)
	if _, ok := r.liveOrigin(key); ok {
		slog.InfoContext(ctx, "activity already running: ignoring", "activity", typ, "key", key)
		return
	}

	obs, origin := cancellation.NewChild(r.obs)
	r.setLive(key, origin)

	w := worker{
		key:    key,
		typ:    typ,
		args:   args,
		kwargs: kwargs,
		obs:    obs,
		origin: origin,
	}
	slog.InfoContext(ctx, "starting activity", "activity", typ, "key", key)
	if err := r.pool.Submit(func() { r.work(w) }); err != nil {
		slog.ErrorContext(ctx, "activity can't be submitted: ignoring", "activity", typ, "error", err)
		origin.Resolve()
		r.deleteLive(key, origin)
	}
}

func (r *Runner) stop(ctx context.Context, typ string, args []any, kwargs map[string]any) {
	key := model.KeyOf(typ, args, kwargs)
	origin, ok := r.liveOrigin(key)
	if !ok {
		slog.WarnContext(ctx, "activity not running: ignoring stop", "activity", typ, "key", key)
		return
	}
	slog.InfoContext(ctx, "stopping activity", "activity", typ, "key", key)
	r.deleteLive(key, origin)
	origin.Resolve()
}

// reap removes entries of workers which ended on their own, so their key can
// be started again.
func (r *Runner) reap() {
	for {
		select {
		case f := <-r.finished:
			r.deleteLive(f.key, f.origin)
		default:
			return
		}
	}
}

func (r *Runner) done(w worker) {
	select {
	case r.finished <- finished{key: w.key, origin: w.origin}:
	case <-r.rootObs.Done():
	}
}

func (r *Runner) liveOrigin(key model.Key) (*cancellation.Origin, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	o, ok := r.live[key]
	return o, ok
}

func (r *Runner) setLive(key model.Key, origin *cancellation.Origin) {
	r.mx.Lock()
	r.live[key] = origin
	n := len(r.live)
	r.mx.Unlock()
	r.metrics.Live(n)
}

// deleteLive removes key only when it still belongs to origin, a newer start
// of the same key is left alone.
func (r *Runner) deleteLive(key model.Key, origin *cancellation.Origin) {
	r.mx.Lock()
	if r.live[key] == origin {
		delete(r.live, key)
	}
	n := len(r.live)
	r.mx.Unlock()
	r.metrics.Live(n)
}
