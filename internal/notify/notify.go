// Package notify delivers operational events (session start, member
// connects, verification results, loop failures) to humans and pipelines.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden.org/internal/obs"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Event kinds.
const (
	KindSessionStart    = "session.start"
	KindSessionLost     = "session.lost"
	KindMemberConnected = "member.connected"
	KindOnboarding      = "member.onboarding"
	KindVerification    = "member.verification"
	KindLoopError       = "loop.error"
)

var ErrEmptyKind = errors.New("notify: event kind is required")

// Event is one operational notification.
type Event struct {
	Kind   string         `json:"kind"`
	Level  Level          `json:"level"`
	Text   string         `json:"text"`
	Time   time.Time      `json:"time"`
	Tick   string         `json:"tick,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Info builds an informational event.
func Info(kind, format string, args ...any) Event {
	return Event{Kind: kind, Level: LevelInfo, Text: fmt.Sprintf(format, args...), Time: time.Now().UTC()}
}

// Error builds an error event carrying err's message.
func Error(kind string, err error, format string, args ...any) Event {
	text := fmt.Sprintf(format, args...)
	if err != nil {
		text += ": " + err.Error()
	}
	return Event{Kind: kind, Level: LevelError, Text: text, Time: time.Now().UTC()}
}

// With returns a copy of e with an extra field.
func (e Event) With(key string, v any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, val := range e.Fields {
		fields[k] = val
	}
	fields[key] = v
	e.Fields = fields
	return e
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

type tickKey struct{}

// WithTick attaches the current tick id to ctx so events can be correlated
// with log lines.
func WithTick(ctx context.Context, tick string) context.Context {
	tick = strings.TrimSpace(tick)
	if tick == "" {
		return ctx
	}
	return context.WithValue(ctx, tickKey{}, tick)
}

func tickFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(tickKey{}).(string); ok {
		return v
	}
	return ""
}

func prepare(ctx context.Context, ev Event) (Event, error) {
	ev.Kind = strings.TrimSpace(ev.Kind)
	if ev.Kind == "" {
		return ev, ErrEmptyKind
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Tick == "" {
		ev.Tick = tickFromContext(ctx)
	}
	return ev, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Name() string                        { return "nop" }
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every sink. One failing sink does not stop the
// others; failures are counted and joined.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, ev Event) error {
	ev, err := prepare(ctx, ev)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, ev); err != nil {
			obs.NotifyFailure(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Safe sends ev to s and logs a failure instead of returning it. The loops use
// it so a broken sink never changes their control flow.
func Safe(ctx context.Context, s Sink, ev Event) {
	if s == nil {
		return
	}
	if err := s.Notify(ctx, ev); err != nil {
		obs.FromContext(ctx).Warn("notification failed", obs.Err(err))
	}
}
