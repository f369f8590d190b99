package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/activity/internal/model"
)

// wire is the JSON layout of a command channel entry. Kind is decoded as a
// plain string so unknown commands are reported instead of silently kept.
type wire struct {
	Command  string          `json:"command"`
	Clazz    string          `json:"clazz"`
	Args     []any           `json:"args"`
	Kwargs   map[string]any  `json:"kwargs"`
	IssuedAt json.RawMessage `json:"started_at,omitempty"`
}

// Encode serializes a command for the channel.
func Encode(cmd model.Command) ([]byte, error) {
	if _, err := model.ParseKind(string(cmd.Kind)); err != nil {
		return nil, err
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("%w: empty activity type", model.ErrMalformedCommand)
	}
	if cmd.Args == nil {
		cmd.Args = []any{}
	}
	if cmd.Kwargs == nil {
		cmd.Kwargs = map[string]any{}
	}
	return json.Marshal(cmd)
}

// Decode parses a channel entry. It returns model.ErrMalformedCommand for
// invalid payloads and model.ErrUnknownCommand for unsupported kinds.
func Decode(raw []byte) (model.Command, error) {
	var w wire
	if err := unmarshal(raw, &w); err != nil {
		return model.Command{}, fmt.Errorf("%w: %w", model.ErrMalformedCommand, err)
	}
	kind, err := model.ParseKind(w.Command)
	if err != nil {
		return model.Command{}, err
	}
	if w.Clazz == "" {
		return model.Command{}, fmt.Errorf("%w: missing clazz", model.ErrMalformedCommand)
	}

	cmd := model.Command{
		Kind:   kind,
		Type:   w.Clazz,
		Args:   w.Args,
		Kwargs: w.Kwargs,
	}
	if len(w.IssuedAt) > 0 && !bytes.Equal(w.IssuedAt, []byte("null")) {
		// a producer with a different clock format must not make the
		// command undeliverable
		if err := json.Unmarshal(w.IssuedAt, &cmd.IssuedAt); err != nil {
			slog.Debug("command timestamp can't be parsed: ignoring", "started_at", string(w.IssuedAt), "error", err)
		}
	}
	if cmd.Args == nil {
		cmd.Args = []any{}
	}
	if cmd.Kwargs == nil {
		cmd.Kwargs = map[string]any{}
	}
	return cmd, nil
}

func encodeRunning(entries []model.RunningEntry) ([]byte, error) {
	if entries == nil {
		entries = []model.RunningEntry{}
	}
	return json.Marshal(entries)
}

func decodeRunning(raw []byte) ([]model.RunningEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []model.RunningEntry
	if err := unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCorruptRegistry, err)
	}
	return entries, nil
}

// unmarshal keeps numbers as json.Number, so they re-encode to the very
// same text and activity keys stay stable.
func unmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
