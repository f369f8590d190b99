package backend_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/CZERTAINLY/activity/internal/backend"
	"github.com/CZERTAINLY/activity/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Parallel()

	cmd := model.NewCommand(model.KindStart, "Worker", []any{"a", "b"}, map[string]any{"x": "1"})
	raw, err := backend.Encode(cmd)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Equal(t, "start", fields["command"])
	require.Equal(t, "Worker", fields["clazz"])
	require.Equal(t, []any{"a", "b"}, fields["args"])
	require.Equal(t, map[string]any{"x": "1"}, fields["kwargs"])
	require.NotEmpty(t, fields["started_at"])

	_, err = backend.Encode(model.Command{Kind: "restart", Type: "Worker"})
	require.ErrorIs(t, err, model.ErrUnknownCommand)
	_, err = backend.Encode(model.Command{Kind: model.KindStop})
	require.ErrorIs(t, err, model.ErrMalformedCommand)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     error
	}{
		{"start", `{"command":"start","clazz":"Worker","args":["a"],"kwargs":{"x":"1"},"started_at":"2025-01-02T03:04:05Z"}`, nil},
		{"stop without timestamp", `{"command":"stop","clazz":"Worker","args":[],"kwargs":{}}`, nil},
		{"null args", `{"command":"stop","clazz":"Worker","args":null,"kwargs":null}`, nil},
		{"odd timestamp", `{"command":"start","clazz":"Worker","started_at":"yesterday"}`, nil},
		{"foreign timestamp format", `{"command":"start","clazz":"Worker","started_at":"2024-01-02 03:04:05 +0100"}`, nil},
		{"not json", `start Worker`, model.ErrMalformedCommand},
		{"wrong args type", `{"command":"start","clazz":"Worker","args":{"a":1}}`, model.ErrMalformedCommand},
		{"unknown command", `{"command":"restart","clazz":"Worker"}`, model.ErrUnknownCommand},
		{"missing clazz", `{"command":"start"}`, model.ErrMalformedCommand},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cmd, err := backend.Decode([]byte(tt.given))
			if tt.then != nil {
				require.ErrorIs(t, err, tt.then)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "Worker", cmd.Type)
			require.NotNil(t, cmd.Args)
			require.NotNil(t, cmd.Kwargs)
		})
	}
}

func TestDecodeUnparsableTimestamp(t *testing.T) {
	t.Parallel()

	cmd, err := backend.Decode([]byte(`{"command":"start","clazz":"Worker","started_at":"2024-01-02 03:04:05 +0100"}`))
	require.NoError(t, err)
	require.Equal(t, model.KindStart, cmd.Kind)
	require.True(t, cmd.IssuedAt.IsZero())
}

func TestRoundTripKeepsKey(t *testing.T) {
	t.Parallel()

	cmd := model.NewCommand(model.KindStart, "Worker",
		[]any{"a", 1, 2.5, 9007199254740993},
		map[string]any{"n": 10, "nested": map[string]any{"b": true, "a": nil}},
	)
	raw, err := backend.Encode(cmd)
	require.NoError(t, err)
	got, err := backend.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, cmd.Key(), got.Key())
	require.WithinDuration(t, cmd.IssuedAt, got.IssuedAt, time.Millisecond)
}
