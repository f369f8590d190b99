package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/CZERTAINLY/activity/internal/cancellation"
	"github.com/CZERTAINLY/activity/internal/model"
)

const (
	// KeyPrefix namespaces every key used in a shared storage.
	KeyPrefix  = "active_activity."
	CommandKey = KeyPrefix + "command"
	RunningKey = KeyPrefix + "running"
)

// CommandFunc handles one decoded command. It runs synchronously inside
// Drain, before the running registry is updated.
type CommandFunc func(ctx context.Context, cmd model.Command)

// Enqueuer is the producer side of the command channel.
type Enqueuer interface {
	Enqueue(ctx context.Context, cmd model.Command) error
}

// Backend is the command channel plus the running registry.
type Backend interface {
	Enqueuer
	// Drain pops commands until obs is canceled. Each pop blocks for at most
	// pollInterval, which bounds how long a canceled obs goes unnoticed.
	Drain(ctx context.Context, pollInterval time.Duration, obs cancellation.Observer, fn CommandFunc) error
	// Running returns a snapshot of the running registry.
	Running(ctx context.Context) ([]model.RunningEntry, error)
	// Reset clears both the channel and the registry.
	Reset(ctx context.Context) error
	// Ready reports whether the storage connection is usable.
	Ready(ctx context.Context) bool
	Close() error
}

// Storage are the primitive operations a backend needs from the store.
type Storage interface {
	// Push appends to the tail of the command channel.
	Push(ctx context.Context, payload []byte) error
	// Pop removes the head of the command channel, blocking up to timeout.
	// It returns nil payload and nil error when nothing arrived in time.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	// LoadRunning returns the registry blob or nil when there is none.
	LoadRunning(ctx context.Context) ([]byte, error)
	// SaveRunning replaces the whole registry blob.
	SaveRunning(ctx context.Context, blob []byte) error
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Channel implements Backend on top of a Storage.
type Channel struct {
	storage Storage
	onDrop  func(payload []byte, err error)
}

var _ Backend = (*Channel)(nil)

func New(storage Storage) *Channel {
	return &Channel{storage: storage}
}

// Open connects to the storage addressed by rawURL. Supported schemes are
// redis, rediss and unix for Redis and sqlite or file for SQLite.
func Open(ctx context.Context, rawURL string) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	var storage Storage
	switch u.Scheme {
	case "redis", "rediss", "unix":
		storage, err = NewRedis(rawURL)
	case "sqlite", "file":
		storage, err = NewSQLite(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return New(storage), nil
}

// OnDrop sets a func called for every command Drain drops as undecodable.
// Must be called before Drain.
func (c *Channel) OnDrop(fn func(payload []byte, err error)) {
	c.onDrop = fn
}

func (c *Channel) Enqueue(ctx context.Context, cmd model.Command) error {
	payload, err := Encode(cmd)
	if err != nil {
		return err
	}
	if err := c.storage.Push(ctx, payload); err != nil {
		return fmt.Errorf("pushing %s command: %w", cmd.Kind, err)
	}
	return nil
}

func (c *Channel) Drain(ctx context.Context, pollInterval time.Duration, obs cancellation.Observer, fn CommandFunc) error {
	for !obs.Canceled() {
		payload, err := c.storage.Pop(ctx, pollInterval)
		if err != nil {
			if obs.Canceled() {
				return nil
			}
			return fmt.Errorf("popping command: %w", err)
		}
		if payload == nil {
			continue
		}
		// a popped command is always handled, even when obs got canceled
		// meanwhile, otherwise it would be lost
		if err := c.handle(ctx, payload, fn); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) handle(ctx context.Context, payload []byte, fn CommandFunc) error {
	cmd, err := Decode(payload)
	if err != nil {
		slog.ErrorContext(ctx, "command can't be decoded: dropping", "error", err, "payload", string(payload))
		if c.onDrop != nil {
			c.onDrop(payload, err)
		}
		return nil
	}
	fn(ctx, cmd)
	return c.updateRunning(ctx, cmd)
}

// updateRunning applies cmd to the registry. Entries are matched by
// activity key, so a stop whose kwargs decode to different but equal types
// still removes the entry.
func (c *Channel) updateRunning(ctx context.Context, cmd model.Command) error {
	entries, err := c.Running(ctx)
	switch {
	case errors.Is(err, model.ErrCorruptRegistry):
		slog.WarnContext(ctx, "running registry is corrupted: replacing", "error", err)
		entries = nil
	case err != nil:
		return err
	}

	key := cmd.Key()
	switch cmd.Kind {
	case model.KindStart:
		if slices.ContainsFunc(entries, func(e model.RunningEntry) bool { return e.Key() == key }) {
			return nil
		}
		entries = append(entries, cmd.Entry())
	case model.KindStop:
		n := len(entries)
		entries = slices.DeleteFunc(entries, func(e model.RunningEntry) bool { return e.Key() == key })
		if n == len(entries) {
			return nil
		}
	}

	blob, err := encodeRunning(entries)
	if err != nil {
		return fmt.Errorf("encoding running registry: %w", err)
	}
	if err := c.storage.SaveRunning(ctx, blob); err != nil {
		return fmt.Errorf("saving running registry: %w", err)
	}
	return nil
}

func (c *Channel) Running(ctx context.Context) ([]model.RunningEntry, error) {
	blob, err := c.storage.LoadRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading running registry: %w", err)
	}
	return decodeRunning(blob)
}

func (c *Channel) Reset(ctx context.Context) error {
	return c.storage.Reset(ctx)
}

func (c *Channel) Ready(ctx context.Context) bool {
	return c.storage.Ping(ctx) == nil
}

func (c *Channel) Close() error {
	return c.storage.Close()
}

// Start asks the runner to start an activity. Only one instance runs for a
// given combination of type and arguments.
func Start(ctx context.Context, q Enqueuer, typ string, args []any, kwargs map[string]any) error {
	return enqueue(ctx, q, model.KindStart, typ, args, kwargs)
}

// Stop asks the runner to stop an activity. The arguments must match the
// ones of the corresponding Start, otherwise the activity is not found.
func Stop(ctx context.Context, q Enqueuer, typ string, args []any, kwargs map[string]any) error {
	return enqueue(ctx, q, model.KindStop, typ, args, kwargs)
}

func enqueue(ctx context.Context, q Enqueuer, kind model.Kind, typ string, args []any, kwargs map[string]any) error {
	if q == nil {
		return errors.New("no backend configured")
	}
	return q.Enqueue(ctx, model.NewCommand(kind, typ, args, kwargs))
}
