package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind says what a Command asks the Runner to do.
type Kind string

const (
	KindStart Kind = "start"
	KindStop  Kind = "stop"
)

// ParseKind accepts only "start" and "stop".
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindStart, KindStop:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

// Command is a start or stop request flowing through the command channel.
// Commands are consumed exactly once, only their effect is kept in the
// running registry.
type Command struct {
	Kind     Kind           `json:"command"`
	Type     string         `json:"clazz"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
	IssuedAt time.Time      `json:"started_at"`
}

// NewCommand returns a command stamped with the current UTC time. Nil
// arguments are replaced with empty ones so the encoded form is always
// an array and an object.
func NewCommand(kind Kind, typ string, args []any, kwargs map[string]any) Command {
	return Command{
		Kind:     kind,
		Type:     typ,
		Args:     normArgs(args),
		Kwargs:   normKwargs(kwargs),
		IssuedAt: time.Now().UTC(),
	}
}

func (c Command) Key() Key {
	return KeyOf(c.Type, c.Args, c.Kwargs)
}

// Entry returns the part of a command persisted in the running registry.
func (c Command) Entry() RunningEntry {
	return RunningEntry{
		Type:      c.Type,
		Args:      normArgs(c.Args),
		Kwargs:    normKwargs(c.Kwargs),
		StartedAt: c.IssuedAt,
	}
}

// RunningEntry is an activity the runner intends to keep alive.
type RunningEntry struct {
	Type      string         `json:"clazz"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	StartedAt time.Time      `json:"started_at"`
}

func (e RunningEntry) Key() Key {
	return KeyOf(e.Type, e.Args, e.Kwargs)
}

// Key identifies one running instance of an activity.
type Key string

// KeyOf joins the textual forms of type, args and kwargs. JSON keeps map
// keys sorted and numbers canonical, so equal inputs give equal keys no
// matter which side of the wire produced them.
func KeyOf(typ string, args []any, kwargs map[string]any) Key {
	var sb strings.Builder
	sb.WriteString(typ)
	sb.WriteByte('|')
	sb.WriteString(text(normArgs(args)))
	sb.WriteByte('|')
	sb.WriteString(text(normKwargs(kwargs)))
	return Key(sb.String())
}

func (k Key) String() string {
	return string(k)
}

func text(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func normArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func normKwargs(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return map[string]any{}
	}
	return kwargs
}
