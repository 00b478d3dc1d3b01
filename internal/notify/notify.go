// Package notify delivers outbound plain-text notifications to agents or to
// everyone listening on the chat side.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Kind classifies a notification.
type Kind string

const (
	KindAck         Kind = "ack"
	KindCompletion  Kind = "completion"
	KindHelpRequest Kind = "help_request"
	KindStopped     Kind = "stopped"
	KindEscalation  Kind = "escalation"
)

// Notification is one outbound message. An empty Agent is a broadcast.
type Notification struct {
	Kind  Kind   `json:"kind"`
	Agent string `json:"agent,omitempty"`
	Text  string `json:"text"`
}

// Broadcast reports whether the notification is addressed to everyone.
func (n Notification) Broadcast() bool {
	return n.Agent == ""
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	l.logger.Info("notification", "kind", n.Kind, "agent", n.Agent, "text", n.Text)
	return nil
}

// Multi fans a notification out to every notifier. All are tried; the
// errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory. Used by tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error // returned from Notify when set
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// All returns a copy of every recorded notification.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// OfKind returns the recorded notifications of kind k.
func (r *Recorder) OfKind(k Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}
