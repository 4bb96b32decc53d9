package notify

import (
	"fmt"
	"os/exec"
	"runtime"
)

// DesktopNotifier surfaces run completions and quota incidents on the
// operator's desktop
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil // Unsupported
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	script := fmt.Sprintf("display notification %q with title %q", n.Message, n.Title)
	return exec.Command("osascript", "-e", script).Run()
}

// sendLinux maps the notification type onto notify-send urgency so quota
// incidents stand out from routine run completions
func (d *DesktopNotifier) sendLinux(n Notification) error {
	return exec.Command("notify-send",
		"--app-name=autobuild",
		"--urgency="+urgency(n.Type),
		n.Title, n.Message).Run()
}

func urgency(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyWarning:
		return "normal"
	default:
		return "low"
	}
}
