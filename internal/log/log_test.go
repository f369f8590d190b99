package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/activity/internal/log"
	"github.com/CZERTAINLY/activity/internal/model"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := log.ContextAttrs(t.Context(), slog.String("runner_id", "r1"))
	child := log.ContextAttrs(ctx, slog.String("activity", "Worker"))
	// siblings must not share the backing array
	other := log.ContextAttrs(ctx, slog.String("activity", "Other"))

	logger.With("pid", 42).InfoContext(child, "starting activity")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "r1", rec["runner_id"])
	require.Equal(t, "Worker", rec["activity"])
	require.Equal(t, float64(42), rec["pid"])

	buf.Reset()
	logger.InfoContext(other, "starting activity")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "Other", rec["activity"])
}

func TestNew(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		cfg      model.Log
		err      bool
	}{
		{"default", model.Log{}, false},
		{"text stdout", model.Log{Format: model.LogFormatText, Output: model.LogStdout}, false},
		{"discard verbose", model.Log{Verbose: true, Output: model.LogDiscard}, false},
		{"bad format", model.Log{Format: "xml", Output: model.LogDiscard}, true},
		{"bad path", model.Log{Output: filepath.Join(os.DevNull, "nope", "activity.log")}, true},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			logger, closer, err := log.New(tt.cfg)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = closer.Close() })
			require.Equal(t, tt.cfg.Verbose, logger.Enabled(t.Context(), slog.LevelDebug))
		})
	}

	t.Run("file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "activity.log")
		logger, closer, err := log.New(model.Log{Output: path})
		require.NoError(t, err)
		logger.Info("runner booting")
		require.NoError(t, closer.Close())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(raw), `"msg":"runner booting"`)
	})
}
