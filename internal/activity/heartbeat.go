package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const HeartbeatName = "heartbeat"

// Heartbeat logs a message on every tick until canceled. Useful to verify a
// deployment end to end.
type Heartbeat struct {
	Interval time.Duration
	Message  string
	Attrs    []any
}

// HeartbeatFactory reads kwargs interval (default 10s) and message; positional
// args are logged with every beat.
func HeartbeatFactory(args []any, kwargs map[string]any) (Activity, error) {
	interval, err := durationArg(kwargs, "interval", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat: interval must be positive, got %s", interval)
	}
	msg := "heartbeat"
	if m, ok := kwargs["message"]; ok {
		msg = fmt.Sprint(m)
	}
	return &Heartbeat{
		Interval: interval,
		Message:  msg,
		Attrs:    []any{"args", args},
	}, nil
}

func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	beats := 0
	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "heartbeat stopped", "beats", beats)
			return nil
		case <-ticker.C:
			beats++
			slog.InfoContext(ctx, h.Message, append([]any{"beat", beats}, h.Attrs...)...)
		}
	}
}

// RegisterBuiltins adds heartbeat and exec to r.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(HeartbeatName, HeartbeatFactory); err != nil {
		return err
	}
	return r.Register(ExecName, ExecFactory)
}

// durationArg accepts a Go duration string or a number of seconds.
func durationArg(kwargs map[string]any, name string, def time.Duration) (time.Duration, error) {
	raw, ok := kwargs[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return time.Duration(f * float64(time.Second)), nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case time.Duration:
		return v, nil
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", name, raw)
	}
}
