package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/activity/internal/activity"
	"github.com/CZERTAINLY/activity/internal/backend"
	"github.com/CZERTAINLY/activity/internal/log"
	"github.com/CZERTAINLY/activity/internal/metrics"
	"github.com/CZERTAINLY/activity/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run drains the command channel and keeps the started activities alive",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var startCmd = &cobra.Command{
	Use:   "start TYPE [ARG...]",
	Short: "start asks the runner to start an activity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doEnqueue(backend.Start),
}

var stopCmd = &cobra.Command{
	Use:   "stop TYPE [ARG...]",
	Short: "stop asks the runner to stop an activity, arguments must match the start",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doEnqueue(backend.Stop),
}

var runningCmd = &cobra.Command{
	Use:   "running",
	Short: "running prints the running registry",
	Args:  cobra.NoArgs,
	RunE:  doRunning,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "reset drops pending commands and the running registry",
	Args:  cobra.NoArgs,
	RunE:  doReset,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return enc.Close()
	},
}

func openBackend(ctx context.Context) (*backend.Channel, error) {
	b, err := backend.Open(ctx, config.Backend.URL)
	if err != nil {
		return nil, fmt.Errorf("opening backend: %w", err)
	}
	return b, nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("activity",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if err := activity.RegisterBuiltins(activity.Default); err != nil {
		return err
	}

	collector, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.ErrorContext(ctx, "closing backend has failed", "error", err)
		}
	}()
	b.OnDrop(func([]byte, error) { collector.DecodeError() })

	runner := service.NewRunner(b, activity.Default, config.Runner, service.WithMetrics(collector))
	stop := service.WatchSignals(runner)
	defer stop()

	if config.Status.Addr != "" {
		status := service.NewStatusServer(config.Status.Addr, b, runner, prometheus.DefaultGatherer)
		go func() {
			if err := status.Start(); err != nil {
				slog.ErrorContext(ctx, "status server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = status.Shutdown(sctx)
		}()
	}

	return runner.Run(ctx)
}

func doEnqueue(enqueue func(context.Context, backend.Enqueuer, string, []any, map[string]any) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		typ := args[0]
		pos := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			pos = append(pos, parseValue(a))
		}
		flags, err := cmd.Flags().GetStringArray("kwarg")
		if err != nil {
			return err
		}
		kwargs, err := parseKwargs(flags)
		if err != nil {
			return err
		}

		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = b.Close()
		}()
		if err := enqueue(ctx, b, typ, pos, kwargs); err != nil {
			return err
		}
		slog.DebugContext(ctx, "command enqueued", "cmd", cmd.Name(), "activity", typ, "args", pos, "kwargs", kwargs)
		return nil
	}
}

func doRunning(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()

	entries, err := b.Running(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func doReset(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()
	if err := b.Reset(ctx); err != nil {
		return fmt.Errorf("resetting backend: %w", err)
	}
	slog.InfoContext(ctx, "backend reset", "url", config.Backend.URL)
	return nil
}

// parseValue reads s as a JSON value, falling back to a plain string, so
// `start Worker 42 '{"a":1}' name` passes a number, an object and a string.
func parseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

func parseKwargs(flags []string) (map[string]any, error) {
	kwargs := make(map[string]any, len(flags))
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, errors.New("kwarg must be key=value, got " + f)
		}
		kwargs[k] = parseValue(v)
	}
	return kwargs, nil
}
