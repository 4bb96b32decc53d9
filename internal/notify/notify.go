package notify

import "fmt"

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
	PhaseID string // Optional phase reference
	// Provider is set on quota incidents only
	Provider string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// QuotaIncident builds the operator-visible incident raised when a
// never-downgrade category hits an exhausted provider. It is deliberately
// distinct from an ordinary failure notification.
func QuotaIncident(runID, phaseID, category, provider, model string) Notification {
	return Notification{
		Title:    "Quota exhausted: phase blocked",
		Message:  fmt.Sprintf("category %s requires %s/%s but the provider cap is reached; phase is blocked, not failed", category, provider, model),
		Type:     NotifyError,
		RunID:    runID,
		PhaseID:  phaseID,
		Provider: provider,
	}
}

// RunFinished builds the notification for a run reaching a terminal state
func RunFinished(runID, name, state, detail string) Notification {
	typ := NotifySuccess
	title := fmt.Sprintf("Run %s completed", name)
	switch state {
	case "failed":
		typ = NotifyError
		title = fmt.Sprintf("Run %s failed", name)
	case "aborted":
		typ = NotifyWarning
		title = fmt.Sprintf("Run %s aborted", name)
	}
	return Notification{Title: title, Message: detail, Type: typ, RunID: runID}
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
