// Package notify tells people about finished runs.
package notify

import (
	"strings"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	URL     string // Optional link, e.g. a rendered video

	Query    []string
	Status   string
	Warnings []string
	At       time.Time
}

// Body is the message followed by one line per warning
func (n Notification) Body() string {
	if len(n.Warnings) == 0 {
		return n.Message
	}
	return n.Message + "\n" + strings.Join(n.Warnings, "\n")
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig builds the notifier for the configured channels
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	switch len(notifiers) {
	case 0:
		return NoopNotifier{}
	case 1:
		return notifiers[0]
	default:
		return NewMultiNotifier(notifiers...)
	}
}
