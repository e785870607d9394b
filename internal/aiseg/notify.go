package aiseg

import (
	"sync"

	"github.com/rs/zerolog"
)

// Notifier shows transient messages to the user.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Info logs msg at info level.
func (n LogNotifier) Info(msg string) {
	n.Logger.Info().Str("notification", "info").Msg(msg)
}

// Error logs msg at error level.
func (n LogNotifier) Error(msg string) {
	n.Logger.Error().Str("notification", "error").Msg(msg)
}

// Notification is one recorded message.
type Notification struct {
	Level string
	Text  string
}

// RecordingNotifier keeps every notification in memory.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages []Notification
}

// Info records an info message.
func (r *RecordingNotifier) Info(msg string) {
	r.record("info", msg)
}

// Error records an error message.
func (r *RecordingNotifier) Error(msg string) {
	r.record("error", msg)
}

func (r *RecordingNotifier) record(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Notification{Level: level, Text: msg})
}

// Messages returns the recorded notifications, oldest first.
func (r *RecordingNotifier) Messages() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.messages...)
}

// Last returns the most recent notification.
func (r *RecordingNotifier) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return Notification{}, false
	}
	return r.messages[len(r.messages)-1], true
}
