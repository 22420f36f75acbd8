package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends desktop notifications
type DesktopNotifier struct {
	enabled bool
	// run executes the notification command; replaced in tests
	run func(name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := desktopCommand(runtime.GOOS, n)
	if name == "" {
		return nil // Unsupported
	}
	return d.run(name, args...)
}

func desktopCommand(goos string, n Notification) (string, []string) {
	switch goos {
	case "darwin":
		script := "display notification " + appleScriptString(n.Body()) + " with title " + appleScriptString(n.Title)
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{"--icon", IconForType(n.Type), n.Title, n.Body()}
	default:
		return "", nil
	}
}

var appleScriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// appleScriptString quotes s as an AppleScript string literal
func appleScriptString(s string) string {
	return `"` + appleScriptEscaper.Replace(s) + `"`
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
